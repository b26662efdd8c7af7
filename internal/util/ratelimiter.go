package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 令牌桶限流器
type RateLimiter struct {
	rate       float64 // 每秒生成的令牌数
	capacity   int     // 桶容量
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter 创建限流器
// rate: 每秒允许的请求数, <= 0 表示不限流
// burst: 突发容量
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		capacity:   burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Allow 非阻塞地取一个令牌
func (r *RateLimiter) Allow() bool {
	if r == nil || r.rate <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill(time.Now())
	if r.tokens >= 1.0 {
		r.tokens -= 1.0
		return true
	}
	return false
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.capacity) {
		r.tokens = float64(r.capacity)
	}
	r.lastUpdate = now
}

// Wait 阻塞直到取得令牌或 ctx 结束
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// KeyedLimiters 按键区分的限流器集合
type KeyedLimiters struct {
	rate     float64
	burst    int
	limiters map[string]*RateLimiter
	mu       sync.Mutex
}

// NewKeyedLimiters 创建按键限流器集合
func NewKeyedLimiters(rate float64, burst int) *KeyedLimiters {
	return &KeyedLimiters{rate: rate, burst: burst, limiters: make(map[string]*RateLimiter)}
}

// Get 获取指定键的限流器, 不存在时创建
func (k *KeyedLimiters) Get(key string) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = NewRateLimiter(k.rate, k.burst)
		k.limiters[key] = l
	}
	return l
}
