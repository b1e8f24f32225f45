package spamoracle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache remembers verdicts of a wrapped oracle for ttl. Failed lookups are
// not cached.
type Cache struct {
	next   Oracle
	lru    *expirable.LRU[string, Verdict]
	hits   uint64
	misses uint64
}

// NewCache wraps next. A size <= 0 disables caching and returns next as is.
func NewCache(next Oracle, size int, ttl time.Duration) Oracle {
	if size <= 0 {
		return next
	}
	return &Cache{
		next: next,
		lru:  expirable.NewLRU[string, Verdict](size, nil, ttl),
	}
}

func (c *Cache) CheckSpamNumber(ctx context.Context, number string) <-chan Verdict {
	if v, ok := c.lru.Get(number); ok {
		atomic.AddUint64(&c.hits, 1)
		ch := make(chan Verdict, 1)
		ch <- v
		close(ch)
		return ch
	}
	atomic.AddUint64(&c.misses, 1)
	out := make(chan Verdict, 1)
	in := c.next.CheckSpamNumber(ctx, number)
	go func() {
		defer close(out)
		v, ok := <-in
		if !ok {
			return
		}
		if v.Err == nil {
			c.lru.Add(number, v)
		}
		out <- v
	}()
	return out
}

// Stats returns cumulative hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}
