package repository

import "errors"

var (
	// ErrInvalidData неверные данные запроса к хранилищу
	ErrInvalidData = errors.New("invalid data")

	// ErrUnavailable хранилище недоступно
	ErrUnavailable = errors.New("store unavailable")
)
