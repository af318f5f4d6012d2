package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"autotrader/pkg/ratelimit"
	"autotrader/pkg/retry"
	"autotrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxResponseBytes ограничение на размер ответа биржи
const maxResponseBytes = 4 << 20

// Candidate один вариант адреса API: хост и префикс версии
type Candidate struct {
	BaseURL string // https://api.poloniex.com
	Prefix  string // /v3
}

func (c Candidate) String() string { return c.BaseURL + c.Prefix }

// ParseCandidate разбирает "https://host/v3" на хост и префикс
func ParseCandidate(raw string) (Candidate, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Candidate{}, fmt.Errorf("invalid endpoint candidate %q", raw)
	}
	return Candidate{
		BaseURL: u.Scheme + "://" + u.Host,
		Prefix:  strings.TrimRight(u.Path, "/"),
	}, nil
}

// Call логический запрос к API
type Call struct {
	Method      string
	Path        string // относительный путь без префикса: /trade/order
	Query       map[string]string
	Body        []byte
	Signed      bool
	Credentials Credentials // только для Signed, живут в пределах вызова
}

// ErrorParser извлекает ошибку биржи из тела ответа (nil если ошибки нет)
type ErrorParser func(status int, body []byte) error

// RequesterConfig параметры устойчивого транспорта
type RequesterConfig struct {
	Exchange       string
	Candidates     []Candidate
	Retry          retry.Config
	AttemptTimeout time.Duration
	RateLimit      float64 // запросов в секунду на хост, 0 = без ограничения
	RateBurst      int
}

// Requester выполняет подписанные и публичные запросы, перебирая хосты
// в порядке приоритета. На каждом хосте до Retry.MaxAttempts попыток
// с экспоненциальным backoff, но только для временных ошибок (429, 503,
// сброс соединения, DNS, таймаут). К следующему хосту переходит только если
// текущий недоступен; отказ биржи по существу запроса прерывает вызов.
type Requester struct {
	exchange       string
	candidates     []Candidate
	http           *HTTPClient
	retryCfg       retry.Config
	attemptTimeout time.Duration
	limiter        *ratelimit.HostLimiter
	parseErr       ErrorParser
	log            *zap.Logger
	now            func() time.Time
}

// NewRequester создаёт Requester
func NewRequester(cfg RequesterConfig, hc *HTTPClient, parser ErrorParser, log *zap.Logger) (*Requester, error) {
	if len(cfg.Candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if hc == nil {
		hc = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	cands := make([]Candidate, len(cfg.Candidates))
	copy(cands, cfg.Candidates)

	r := &Requester{
		exchange:       cfg.Exchange,
		candidates:     cands,
		http:           hc,
		retryCfg:       cfg.Retry,
		attemptTimeout: cfg.AttemptTimeout,
		limiter:        ratelimit.NewHostLimiter(cfg.RateLimit, cfg.RateBurst),
		parseErr:       parser,
		log:            log.With(utils.Component("requester"), utils.Exchange(cfg.Exchange)),
		now:            time.Now,
	}
	r.retryCfg.RetryIf = IsTransient
	return r, nil
}

// Candidates копия списка хостов
func (r *Requester) Candidates() []Candidate {
	out := make([]Candidate, len(r.candidates))
	copy(out, r.candidates)
	return out
}

// Do выполняет вызов. Возвращает тело успешного ответа либо:
//   - *AuthenticationError сразу, без повторов и перебора хостов;
//   - *ExchangeError / *MalformedResponseError сразу;
//   - *ExchangeUnavailableError со списком последних ошибок по всем хостам;
//   - ошибку контекста при отмене вызывающим.
func (r *Requester) Do(ctx context.Context, call Call) ([]byte, error) {
	failures := make([]CandidateFailure, 0, len(r.candidates))

	for i, cand := range r.candidates {
		attempts := 0
		cfg := r.retryCfg
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			r.log.Warn("exchange request failed, retrying",
				utils.Host(cand.BaseURL),
				zap.String("path", call.Path),
				utils.Attempt(attempt),
				utils.Delay(delay),
				zap.Error(err),
			)
		}

		body, err := retry.DoWithResult(ctx, func(ctx context.Context) ([]byte, error) {
			attempts++
			return r.attempt(ctx, cand, call)
		}, cfg)
		if err == nil {
			return body, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", call.Method, call.Path, ctx.Err())
		}

		var unreachable *UnreachableError
		if !IsTransient(err) && !errors.As(err, &unreachable) {
			// ошибка по существу запроса: другой хост ответит так же
			return nil, err
		}

		failures = append(failures, CandidateFailure{URL: cand.String(), Attempts: attempts, Err: err})
		if i < len(r.candidates)-1 {
			candidateFailovers.WithLabelValues(r.exchange).Inc()
			r.log.Warn("exchange candidate unreachable, switching",
				utils.Host(cand.BaseURL),
				zap.String("next", r.candidates[i+1].BaseURL),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
		}
	}

	return nil, &ExchangeUnavailableError{Path: call.Path, Failures: failures}
}

// attempt одна попытка на одном хосте
func (r *Requester) attempt(ctx context.Context, cand Candidate, call Call) ([]byte, error) {
	host := hostOf(cand.BaseURL)
	if err := r.limiter.Wait(ctx, host); err != nil {
		return nil, retry.Permanent(err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	req, err := r.buildRequest(attemptCtx, cand, call)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	start := r.now()
	resp, err := r.http.Do(req)
	if err != nil {
		cerr := classifyTransportError(ctx, err)
		requestAttempts.WithLabelValues(host, outcomeLabel(cerr)).Inc()
		return nil, cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	requestLatency.WithLabelValues(host).Observe(r.now().Sub(start).Seconds())
	if err != nil {
		cerr := classifyTransportError(ctx, err)
		requestAttempts.WithLabelValues(host, outcomeLabel(cerr)).Inc()
		return nil, cerr
	}

	out, cerr := r.classifyResponse(resp.StatusCode, body)
	requestAttempts.WithLabelValues(host, outcomeLabel(cerr)).Inc()
	return out, cerr
}

func (r *Requester) buildRequest(ctx context.Context, cand Candidate, call Call) (*http.Request, error) {
	fullPath := cand.Prefix + call.Path
	query := EncodeParams(call.Query)

	target := cand.BaseURL + fullPath
	if query != "" {
		target += "?" + query
	}

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(call.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	if call.Signed {
		// свежий timestamp на каждую попытку
		sr := SignRequest{
			Method:    call.Method,
			Path:      fullPath,
			Params:    call.Query,
			Body:      string(call.Body),
			Timestamp: utils.MillisTimestamp(r.now()),
		}
		if err := SignHeaders(req.Header, sr, call.Credentials); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (r *Requester) classifyResponse(status int, body []byte) ([]byte, error) {
	switch {
	case status == http.StatusTooManyRequests:
		return nil, &TransientError{Kind: TransientRateLimited, Status: status}
	case status == http.StatusServiceUnavailable:
		return nil, &TransientError{Kind: TransientUnavailable, Status: status}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &AuthenticationError{Exchange: r.exchange, Status: status, Message: preview(body)}
	case status >= 500:
		return nil, &UnreachableError{Status: status}
	case status >= 400:
		if r.parseErr != nil {
			if err := r.parseErr(status, body); err != nil {
				return nil, err
			}
		}
		return nil, &ExchangeError{Exchange: r.exchange, Status: status, Message: preview(body)}
	}

	if !json.Valid(body) {
		return nil, &MalformedResponseError{Status: status, Preview: preview(body), Err: errors.New("body is not JSON")}
	}
	if r.parseErr != nil {
		if err := r.parseErr(status, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// classifyTransportError раскладывает сетевую ошибку по таксономии.
// parent - контекст вызывающего: его отмена не повторяется.
func classifyTransportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return retry.Permanent(parent.Err())
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransientError{Kind: TransientDNS, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Kind: TransientTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Kind: TransientTimeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &TransientError{Kind: TransientConnReset, Err: err}
	}
	return &UnreachableError{Err: err}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var t *TransientError
	if errors.As(err, &t) {
		return string(t.Kind)
	}
	switch {
	case IsAuthError(err):
		return "auth"
	case IsRejected(err):
		return "rejected"
	}
	var u *UnreachableError
	if errors.As(err, &u) {
		return "unreachable"
	}
	var m *MalformedResponseError
	if errors.As(err, &m) {
		return "malformed"
	}
	return "error"
}

func hostOf(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return baseURL
}

func preview(body []byte) string {
	const n = 400
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n]
	}
	return s
}
