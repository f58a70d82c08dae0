package services

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Длина ключа доступа в байтах до кодирования. В hex получается 64 символа.
const secretKeyBytes = 32

// SecretKeyIssuer генерирует ключ доступа десктопного клиента.
// Хранилище не проверяет: наличие ключа у записи проверяет вызывающий.
type SecretKeyIssuer interface {
	Issue() (string, error)
}

type randomKeyIssuer struct {
	rand io.Reader
}

// NewSecretKeyIssuer создает генератор на crypto/rand.
func NewSecretKeyIssuer() SecretKeyIssuer {
	return &randomKeyIssuer{rand: rand.Reader}
}

// Issue возвращает новый hex-ключ.
func (i *randomKeyIssuer) Issue() (string, error) {
	buf := make([]byte, secretKeyBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", fmt.Errorf("failed to generate secret key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
