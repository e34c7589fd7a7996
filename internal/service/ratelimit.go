package service

import (
	"math"
	"sync/atomic"
	"time"
)

const never = math.MinInt64

// RateLimiter пропускает не чаще одной отправки за MinInterval.
// Отклонённая попытка состояние не меняет, поэтому окно не продлевается.
type RateLimiter struct {
	minInterval    time.Duration
	lastAcquiredAt atomic.Int64 // UnixNano
}

func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	l := &RateLimiter{minInterval: minInterval}
	l.lastAcquiredAt.Store(never)
	return l
}

func (l *RateLimiter) TryAcquire(now time.Time) bool {
	ts := now.UnixNano()
	for {
		last := l.lastAcquiredAt.Load()
		if last != never && ts-last < int64(l.minInterval) {
			return false
		}
		if l.lastAcquiredAt.CompareAndSwap(last, ts) {
			return true
		}
	}
}
