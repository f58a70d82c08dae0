package res

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse представляет формат JSON-ответа для ошибок.
type ErrorResponse struct {
	Error   string `json:"error"`             // Сообщение об ошибке (для пользователя)
	Details string `json:"details,omitempty"` // Детали ошибки провайдера или валидации
}

// JsonResponse отправляет JSON-ответ с заданным статусом.
func JsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error отправляет ErrorResponse с заданным статусом.
func Error(w http.ResponseWriter, message string, status int) {
	JsonResponse(w, ErrorResponse{Error: message}, status)
}

// ErrorWithDetails отправляет ErrorResponse с деталями.
func ErrorWithDetails(w http.ResponseWriter, message, details string, status int) {
	JsonResponse(w, ErrorResponse{Error: message, Details: details}, status)
}
