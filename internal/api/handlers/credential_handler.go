package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"autotrader/internal/service"
)

// CredentialHandler отвечает за API ключи бирж пользователя
//
// Endpoints:
// - PUT    /api/v1/users/{userId}/credentials/{exchange} - сохранить ключи
// - GET    /api/v1/users/{userId}/credentials/{exchange} - статус ключей (без секретов)
// - DELETE /api/v1/users/{userId}/credentials/{exchange} - удалить ключи
//
// Секреты никогда не возвращаются и не логируются.
type CredentialHandler struct {
	credentialService service.CredentialServiceInterface
}

// NewCredentialHandler создает новый CredentialHandler
func NewCredentialHandler(credentialService service.CredentialServiceInterface) *CredentialHandler {
	return &CredentialHandler{credentialService: credentialService}
}

// SaveCredentialsRequest тело запроса сохранения ключей
type SaveCredentialsRequest struct {
	APIKey string `json:"apiKey"`
	Secret string `json:"secret"`
}

// CredentialStatusResponse статус ключей
type CredentialStatusResponse struct {
	Exchange  string    `json:"exchange"`
	Connected bool      `json:"connected"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SaveCredentials сохраняет ключи
//
// PUT /api/v1/users/{userId}/credentials/{exchange}
//
// HTTP коды:
// - 204 No Content: ключи сохранены
// - 400 Bad Request: пустые или некорректные ключи
// - 422 Unprocessable Entity: биржа отклонила ключи
func (h *CredentialHandler) SaveCredentials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req SaveCredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithCode(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := h.credentialService.SaveCredentials(r.Context(), vars["userId"], vars["exchange"], req.APIKey, req.Secret)
	if err != nil {
		respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCredentials GET /api/v1/users/{userId}/credentials/{exchange}
func (h *CredentialHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	account, err := h.credentialService.GetAccount(r.Context(), vars["userId"], vars["exchange"])
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, CredentialStatusResponse{
		Exchange:  account.Exchange,
		Connected: account.Connected,
		LastError: account.LastError,
		UpdatedAt: account.UpdatedAt.UTC(),
	})
}

// DeleteCredentials DELETE /api/v1/users/{userId}/credentials/{exchange}
func (h *CredentialHandler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.credentialService.DeleteCredentials(r.Context(), vars["userId"], vars["exchange"]); err != nil {
		respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
