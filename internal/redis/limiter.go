package redis

import (
	"context"
	"fmt"
	"time"
)

// WindowLimiter counts requests per key in fixed windows shared by every
// instance of the service. Each counter expires with its window.
type WindowLimiter struct {
	r      *Redis
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewWindowLimiter(r *Redis, prefix string, limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{r: r, prefix: prefix, limit: int64(limit), window: window, now: time.Now}
}

func (l *WindowLimiter) key(key string) string {
	slot := l.now().UnixNano() / int64(l.window)
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
}

func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.key(key)

	pipe := l.r.Client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= l.limit, nil
}
