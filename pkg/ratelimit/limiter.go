package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter - набор token bucket лимитеров по ключу (хост биржи)
//
// Каждый кандидат-хост получает собственный bucket, чтобы переключение
// на резервный хост не упиралось в лимит основного.
//
//	hl := ratelimit.NewHostLimiter(10, 20) // 10 req/sec, burst 20
//	if err := hl.Wait(ctx, "api.poloniex.com"); err != nil { ... }
type HostLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewHostLimiter создаёт лимитер. rps <= 0 отключает ограничение.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = int(rps * 2)
		if burst < 1 {
			burst = 1
		}
	}
	return &HostLimiter{
		rps:      limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// get возвращает bucket для ключа, создавая при первом обращении
func (hl *HostLimiter) get(key string) *rate.Limiter {
	hl.mu.RLock()
	l, ok := hl.limiters[key]
	hl.mu.RUnlock()
	if ok {
		return l
	}

	hl.mu.Lock()
	defer hl.mu.Unlock()
	if l, ok = hl.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(hl.rps, hl.burst)
	hl.limiters[key] = l
	return l
}

// Wait блокируется до получения токена или отмены ctx
func (hl *HostLimiter) Wait(ctx context.Context, key string) error {
	return hl.get(key).Wait(ctx)
}

// Allow неблокирующая проверка
func (hl *HostLimiter) Allow(key string) bool {
	return hl.get(key).Allow()
}

// Len количество известных ключей
func (hl *HostLimiter) Len() int {
	hl.mu.RLock()
	defer hl.mu.RUnlock()
	return len(hl.limiters)
}
