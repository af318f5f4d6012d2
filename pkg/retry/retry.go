package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config конфигурация повторных попыток
//
// Экспоненциальный backoff с положительным jitter:
// backoff = min(BaseDelay * 2^attempt, MaxDelay)
// delay   = backoff + rand[0, backoff*JitterFactor)
//
// При JitterFactor = 0.5 jitter не превышает половины вычисленной задержки.
type Config struct {
	// MaxAttempts - максимальное количество попыток (включая первую), минимум 1
	MaxAttempts int

	// BaseDelay - задержка перед второй попыткой (без jitter)
	BaseDelay time.Duration

	// MaxDelay - потолок backoff до добавления jitter
	MaxDelay time.Duration

	// JitterFactor - доля backoff, до которой добавляется случайная задержка (0.0 - 1.0)
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку. nil = повторять всё кроме Permanent
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep подменяет ожидание (для тестов). nil = таймер с учётом ctx
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig 4 попытки: 200ms, 400ms, 800ms (+ до 50% jitter), потолок 5s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.5,
	}
}

// normalize подставляет значения по умолчанию
func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// Backoff возвращает задержку после попытки attempt (с нуля) без jitter
func (c Config) Backoff(attempt int) time.Duration {
	c.normalize()
	delay := float64(c.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// MaxBudget - верхняя граница суммарного ожидания для одного вызова Do:
// сумма backoff с максимальным jitter по всем паузам между попытками
func (c Config) MaxBudget() time.Duration {
	c.normalize()
	var total time.Duration
	for attempt := 0; attempt < c.MaxAttempts-1; attempt++ {
		b := c.Backoff(attempt)
		total += b + time.Duration(float64(b)*c.JitterFactor)
	}
	return total
}

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	rndMu.Lock()
	defer rndMu.Unlock()
	return time.Duration(rnd.Int63n(int64(max)))
}

// delay вычисляет задержку с jitter для попытки attempt
func (c *Config) delay(attempt int) time.Duration {
	b := c.Backoff(attempt)
	return b + jitter(time.Duration(float64(b)*c.JitterFactor))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do выполняет операцию с повторными попытками.
// Возвращает nil при успехе, иначе последнюю ошибку.
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//	    return client.Ping(ctx)
//	}, retry.DefaultConfig())
func Do(ctx context.Context, operation func(ctx context.Context) error, cfg Config) error {
	_, err := DoWithResult(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	}, cfg)
	return err
}

// DoWithResult как Do, но для операций возвращающих значение
func DoWithResult[T any](ctx context.Context, operation func(ctx context.Context) (T, error), cfg Config) (T, error) {
	cfg.normalize()
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(cfg, err) {
			return zero, unwrapPermanent(err)
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		d := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, d)
		}
		if err := sleep(ctx, d); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

func shouldRetry(cfg Config, err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

func unwrapPermanent(err error) error {
	var perm *PermanentError
	if errors.As(err, &perm) && perm == err {
		return perm.Err
	}
	return err
}

// RetryIfNotContext не повторяет ошибки контекста (cancel, timeout)
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError помечает ошибку как не подлежащую повтору
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent оборачивает ошибку в PermanentError.
// Do возвращает вызывающему исходную ошибку без обёртки.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
