package cache

import (
	"sync"
	"time"
)

// TTLValue holds a single value with an expiry timestamp. Safe for
// concurrent use; readers never block each other.
type TTLValue[V any] struct {
	mu        sync.RWMutex
	value     V
	expiresAt time.Time
	set       bool
}

func NewTTLValue[V any]() *TTLValue[V] {
	return &TTLValue[V]{}
}

func (c *TTLValue[V]) Get() (V, time.Time, bool) {
	var zero V
	if c == nil {
		return zero, time.Time{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return zero, time.Time{}, false
	}
	return c.value, c.expiresAt, true
}

// GetFresh returns the value only when it has not expired at the given
// time. A zero expiry never expires.
func (c *TTLValue[V]) GetFresh(now time.Time) (V, bool) {
	var zero V
	v, exp, ok := c.Get()
	if !ok {
		return zero, false
	}
	if !exp.IsZero() && !now.Before(exp) {
		return zero, false
	}
	return v, true
}

func (c *TTLValue[V]) SetWithTTL(value V, now time.Time, ttl time.Duration) {
	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	c.SetWithExpiry(value, exp)
}

func (c *TTLValue[V]) SetWithExpiry(value V, expiresAt time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.value = value
	c.expiresAt = expiresAt
	c.set = true
	c.mu.Unlock()
}

func (c *TTLValue[V]) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	var zero V
	c.value = zero
	c.expiresAt = time.Time{}
	c.set = false
	c.mu.Unlock()
}
