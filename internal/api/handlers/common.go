package handlers

import (
	"errors"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"autotrader/internal/bot"
	"autotrader/internal/service"
	"autotrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Коды ошибок API вне таксономии движка
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeCredentialsNotFound = "CREDENTIALS_NOT_FOUND"
)

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    string             `json:"code,omitempty"`
	Details []utils.FieldError `json:"details,omitempty"`
}

// statusByReason HTTP статус для кода причины движка
var statusByReason = map[string]int{
	bot.ReasonValidation:         http.StatusBadRequest,
	bot.ReasonPrecision:          http.StatusBadRequest,
	bot.ReasonRiskLimit:          http.StatusUnprocessableEntity,
	bot.ReasonDrawdown:           http.StatusUnprocessableEntity,
	bot.ReasonLeverage:           http.StatusUnprocessableEntity,
	bot.ReasonInvalidCredentials: http.StatusUnprocessableEntity,
	bot.ReasonExchangeRejected:   http.StatusBadGateway,
	bot.ReasonExchangeDown:       http.StatusServiceUnavailable,
	bot.ReasonAlreadyRunning:     http.StatusConflict,
	bot.ReasonIllegalTransition:  http.StatusConflict,
	bot.ReasonDuplicateRequest:   http.StatusConflict,
	bot.ReasonSessionNotFound:    http.StatusNotFound,
	bot.ReasonPersistence:        http.StatusInternalServerError,
	bot.ReasonInternal:           http.StatusInternalServerError,
}

// StatusFor HTTP статус для кода причины, неизвестный код - 500
func StatusFor(code string) int {
	if status, ok := statusByReason[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondWithError переводит ошибку сервиса или движка в {error, code}
func respondWithError(w http.ResponseWriter, err error) {
	var fields utils.ValidationErrors
	switch {
	case errors.As(err, &fields):
		respondWithJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Code:    bot.ReasonValidation,
			Details: fields,
		})
		return
	case errors.Is(err, service.ErrEmptyCredentials):
		respondWithCode(w, http.StatusBadRequest, bot.ReasonValidation, err.Error())
		return
	// проверяется до ReasonOf: ErrCredentialsNotFound раскрывается в ErrMissingSecret
	case errors.Is(err, service.ErrCredentialsNotFound):
		respondWithCode(w, http.StatusNotFound, CodeCredentialsNotFound, err.Error())
		return
	case errors.Is(err, service.ErrInvalidCredentials):
		respondWithCode(w, http.StatusUnprocessableEntity, bot.ReasonInvalidCredentials, err.Error())
		return
	}

	code := bot.ReasonOf(err)
	status := StatusFor(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// детали хранилища наружу не отдаём
		utils.Error("request failed", utils.Reason(code), zap.Error(err))
		message = "internal error"
	}
	respondWithCode(w, status, code, message)
}

// respondWithCode отправляет ошибку с явным кодом
func respondWithCode(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// maxBodySize ограничение тела запроса
const maxBodySize = 1 << 20

// decodeJSON читает тело запроса
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(dst)
}

// queryLimit читает ?limit=. Отсутствует - 0, некорректный ответ уже записан (ok=false).
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondWithCode(w, http.StatusBadRequest, CodeBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
