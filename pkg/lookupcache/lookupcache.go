// Package lookupcache caches account directory lookups in front of a slower
// backend such as the database.
package lookupcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/circuitbreaker"
	"github.com/migadu/notifyd/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

var _ mailbox.AccountDirectory = (*AccountCache)(nil)

type entry struct {
	account   mailbox.Account
	negative  bool
	expiresAt time.Time
}

// Options configures an AccountCache. Zero durations take defaults.
type Options struct {
	PositiveTTL     time.Duration
	NegativeTTL     time.Duration
	MaxSize         int
	CleanupInterval time.Duration
	// Breaker guards the backend. When it rejects a call, an expired
	// positive entry is served instead of failing. Nil disables this.
	Breaker *circuitbreaker.Breaker
}

// AccountCache is a mailbox.AccountDirectory that remembers hits for
// PositiveTTL and ErrNoSuchAccount answers for NegativeTTL. Concurrent
// misses for the same id share one backend lookup.
type AccountCache struct {
	backend mailbox.AccountDirectory
	breaker *circuitbreaker.Breaker

	positiveTTL     time.Duration
	negativeTTL     time.Duration
	maxSize         int
	cleanupInterval time.Duration
	now             func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(backend mailbox.AccountDirectory, opts Options) *AccountCache {
	c := &AccountCache{
		backend:         backend,
		breaker:         opts.Breaker,
		positiveTTL:     opts.PositiveTTL,
		negativeTTL:     opts.NegativeTTL,
		maxSize:         opts.MaxSize,
		cleanupInterval: opts.CleanupInterval,
		now:             time.Now,
		entries:         make(map[string]*entry),
		stopCh:          make(chan struct{}),
	}
	if c.positiveTTL <= 0 {
		c.positiveTTL = 5 * time.Minute
	}
	if c.negativeTTL <= 0 {
		c.negativeTTL = 30 * time.Second
	}
	if c.maxSize <= 0 {
		c.maxSize = 10000
	}
	if c.cleanupInterval <= 0 {
		c.cleanupInterval = time.Minute
	}
	return c
}

// Start runs the expiry loop until ctx is done or Stop is called.
func (c *AccountCache) Start(ctx context.Context) {
	logger.Info("Account cache started", "positive_ttl", c.positiveTTL,
		"negative_ttl", c.negativeTTL, "max_size", c.maxSize)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if n := c.cleanup(); n > 0 {
					logger.Debug("Account cache cleanup", "removed", n, "remaining", c.Len())
				}
			}
		}
	}()
}

func (c *AccountCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// LookupAccount implements mailbox.AccountDirectory.
func (c *AccountCache) LookupAccount(ctx context.Context, id string) (mailbox.Account, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expiresAt) {
		metrics.AccountCacheHits.Inc()
		if e.negative {
			return mailbox.Account{}, mailbox.ErrNoSuchAccount
		}
		return e.account, nil
	}
	metrics.AccountCacheMisses.Inc()

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		return c.fetch(ctx, id)
	})
	if err != nil {
		if circuitbreaker.Rejected(err) && ok && !e.negative {
			logger.Debug("Serving stale account entry", "account", id, "error", err)
			return e.account, nil
		}
		return mailbox.Account{}, err
	}
	return v.(mailbox.Account), nil
}

func (c *AccountCache) fetch(ctx context.Context, id string) (mailbox.Account, error) {
	var a mailbox.Account
	lookup := func(ctx context.Context) error {
		var err error
		a, err = c.backend.LookupAccount(ctx, id)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, func(ctx context.Context) error {
			// An unknown account is a healthy answer.
			if err := lookup(ctx); err != nil && !errors.Is(err, mailbox.ErrNoSuchAccount) {
				return err
			}
			return nil
		})
		if err == nil && a.ID == "" {
			err = mailbox.ErrNoSuchAccount
		}
	} else {
		err = lookup(ctx)
	}

	switch {
	case err == nil:
		c.store(id, &entry{account: a, expiresAt: c.now().Add(c.positiveTTL)})
	case errors.Is(err, mailbox.ErrNoSuchAccount):
		c.store(id, &entry{negative: true, expiresAt: c.now().Add(c.negativeTTL)})
	}
	return a, err
}

func (c *AccountCache) store(id string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[id] = e
	metrics.AccountCacheEntries.Set(float64(len(c.entries)))
}

// evictLocked drops expired entries, or the entry closest to expiry when
// none have expired.
func (c *AccountCache) evictLocked() {
	now := c.now()
	var (
		oldestID string
		oldest   time.Time
	)
	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			removed++
			continue
		}
		if oldestID == "" || e.expiresAt.Before(oldest) {
			oldestID, oldest = id, e.expiresAt
		}
	}
	if removed == 0 && oldestID != "" {
		delete(c.entries, oldestID)
	}
}

// Invalidate forgets id, so the next lookup goes to the backend.
func (c *AccountCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	metrics.AccountCacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

func (c *AccountCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cleanup removes expired negative entries and positive entries that are
// more than one TTL past expiry. Recently expired positive entries are kept
// as a fallback while the breaker is open.
func (c *AccountCache) cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		limit := e.expiresAt
		if !e.negative {
			limit = limit.Add(c.positiveTTL)
		}
		if !now.Before(limit) {
			delete(c.entries, id)
			removed++
		}
	}
	metrics.AccountCacheEntries.Set(float64(len(c.entries)))
	return removed
}
