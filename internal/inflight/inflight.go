// Package inflight counts work that must finish before the process drains.
package inflight

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks in-flight bridge sessions and evaluations. The zero value
// is ready to use.
type Counter struct {
	mu    sync.Mutex
	count int64
	zero  chan struct{}
}

func (c *Counter) zeroLocked() chan struct{} {
	if c.zero == nil {
		c.zero = make(chan struct{})
		if c.count == 0 {
			close(c.zero)
		}
	}
	return c.zero
}

// Inc increments the counter.
func (c *Counter) Inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zeroLocked()
	if c.count == 0 {
		c.zero = make(chan struct{})
	}
	c.count++
}

// Dec decrements the counter. Extra calls at zero are ignored.
func (c *Counter) Dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zeroLocked()
	if c.count == 0 {
		return
	}
	c.count--
	if c.count == 0 {
		close(c.zero)
	}
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until the count reaches zero or ctx is done. It reports
// whether zero was reached.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.zeroLocked()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware holds the counter for the duration of each request.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Inc()
			defer c.Dec()
			next.ServeHTTP(w, r)
		})
	}
}
