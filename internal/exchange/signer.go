package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Заголовки аутентификации Poloniex v3
const (
	HeaderKey              = "key"
	HeaderSignature        = "signature"
	HeaderSignTimestamp    = "signTimestamp"
	HeaderSignatureMethod  = "signatureMethod"
	HeaderSignatureVersion = "signatureVersion"

	SignatureMethod  = "HmacSHA256"
	SignatureVersion = "2"
)

// Credentials ключ и секрет пользователя для одной биржи.
// Живут только в пределах одного вызова; String() не раскрывает секрет.
type Credentials struct {
	APIKey string
	Secret string
}

func (c Credentials) String() string {
	return "Credentials{key=" + maskKey(c.APIKey) + "}"
}

// GoString закрывает %#v
func (c Credentials) GoString() string { return c.String() }

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

// SignRequest вход подписи
type SignRequest struct {
	Method    string
	Path      string // полный путь запроса, включая префикс версии (/v3/...)
	Params    map[string]string
	Body      string
	Timestamp string // миллисекунды Unix
}

// EncodeParams сортирует параметры по ключу и кодирует key=value через &
func EncodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}

// CanonicalString METHOD\nPATH\n + params + body + timestamp
func CanonicalString(r SignRequest) string {
	return strings.ToUpper(r.Method) + "\n" + r.Path + "\n" + EncodeParams(r.Params) + r.Body + r.Timestamp
}

// Sign base64(HMAC-SHA256(secret, canonical)).
// Без I/O и общего состояния, безопасна для конкурентного вызова.
func Sign(r SignRequest, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(r)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignHeaders подписывает запрос и записывает заголовки аутентификации в h
func SignHeaders(h http.Header, r SignRequest, creds Credentials) error {
	sig, err := Sign(r, creds.Secret)
	if err != nil {
		return err
	}
	h.Set(HeaderKey, creds.APIKey)
	h.Set(HeaderSignature, sig)
	h.Set(HeaderSignTimestamp, r.Timestamp)
	h.Set(HeaderSignatureMethod, SignatureMethod)
	h.Set(HeaderSignatureVersion, SignatureVersion)
	return nil
}
