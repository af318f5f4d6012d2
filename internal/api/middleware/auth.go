package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"autotrader/pkg/crypto"
)

// accessTokenParam токен в query для WebSocket: браузер не ставит заголовки при апгрейде
const accessTokenParam = "access_token"

// BearerAuth - middleware проверки bearer токена
//
// Назначение:
// Защищает API и поток событий. Токен сравнивается с bcrypt хешем
// из API_TOKEN_HASH. Пустой хеш отключает проверку (локальный запуск).
//
// Токен берётся из заголовка Authorization: Bearer <token>,
// для /ws/stream также из параметра ?access_token=.
//
// bcrypt намеренно медленный, поэтому последний принятый токен
// запоминается и дальше сравнивается за константное время.
func BearerAuth(tokenHash string) func(http.Handler) http.Handler {
	if tokenHash == "" {
		return func(next http.Handler) http.Handler { return next }
	}

	var (
		mu       sync.RWMutex
		accepted []byte
	)

	verify := func(token string) bool {
		mu.RLock()
		known := accepted
		mu.RUnlock()
		if known != nil && subtle.ConstantTimeCompare(known, []byte(token)) == 1 {
			return true
		}
		if crypto.VerifyToken(token, tokenHash) != nil {
			return false
		}
		mu.Lock()
		accepted = []byte(token)
		mu.Unlock()
		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" || !verify(token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="autotrader"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","code":"UNAUTHORIZED"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken токен из заголовка или query
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get(accessTokenParam)
}
