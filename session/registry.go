package session

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/pkg/metrics"
)

// Type classifies registered sessions. Each type has a fixed idle lifetime.
type Type int

const (
	// TypeWaitSet sessions are owned by a waitset and never idle-swept.
	TypeWaitSet Type = iota
	TypeClient
	TypeAdmin

	numTypes
)

func (t Type) String() string {
	switch t {
	case TypeWaitSet:
		return "waitset"
	case TypeClient:
		return "client"
	case TypeAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Session is anything the Registry can track.
type Session interface {
	SessionID() string
	AccountID() string
	Type() Type
	// cleanup releases the session's listeners. The registry calls it
	// exactly once, after all of its locks are released.
	cleanup()
}

type registryKey struct {
	accountID string
	sessionID string
}

type registryEntry struct {
	session    Session
	lastAccess time.Time
}

// bucket holds every session of one type, ordered by last access with the
// least recently used at the front.
type bucket struct {
	typ     Type
	timeout time.Duration

	mu         sync.Mutex
	byKey      map[registryKey]*list.Element
	byID       map[string]*list.Element
	lru        *list.List
	perAccount map[string]int
}

func newBucket(typ Type, timeout time.Duration) *bucket {
	return &bucket{
		typ:        typ,
		timeout:    timeout,
		byKey:      make(map[registryKey]*list.Element),
		byID:       make(map[string]*list.Element),
		lru:        list.New(),
		perAccount: make(map[string]int),
	}
}

func (b *bucket) removeLocked(el *list.Element) Session {
	e := b.lru.Remove(el).(*registryEntry)
	s := e.session
	delete(b.byKey, registryKey{s.AccountID(), s.SessionID()})
	delete(b.byID, s.SessionID())
	if n := b.perAccount[s.AccountID()] - 1; n > 0 {
		b.perAccount[s.AccountID()] = n
	} else {
		delete(b.perAccount, s.AccountID())
	}
	return s
}

// sweepLocked pops expired sessions from the front of the access list.
func (b *bucket) sweepLocked(now time.Time) []Session {
	if b.timeout <= 0 {
		return nil
	}
	cutoff := now.Add(-b.timeout)
	var removed []Session
	for el := b.lru.Front(); el != nil; el = b.lru.Front() {
		if el.Value.(*registryEntry).lastAccess.After(cutoff) {
			break
		}
		removed = append(removed, b.removeLocked(el))
	}
	return removed
}

// Registry maps (account, session id) to live sessions, one independently
// locked bucket per session type.
type Registry struct {
	buckets [numTypes]*bucket
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry. Idle timeouts are given per type; a
// missing or zero timeout disables sweeping for that type. TypeWaitSet is
// never swept.
func NewRegistry(timeouts map[Type]time.Duration) *Registry {
	r := &Registry{
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for t := Type(0); t < numTypes; t++ {
		timeout := timeouts[t]
		if t == TypeWaitSet {
			timeout = 0
		}
		r.buckets[t] = newBucket(t, timeout)
	}
	return r
}

func (r *Registry) bucket(t Type) *bucket {
	if t < 0 || t >= numTypes {
		return nil
	}
	return r.buckets[t]
}

// Register adds s. Registering the same session id twice is an error.
func (r *Registry) Register(s Session) error {
	b := r.bucket(s.Type())
	if b == nil {
		return fmt.Errorf("unknown session type %d", s.Type())
	}
	key := registryKey{s.AccountID(), s.SessionID()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byID[s.SessionID()]; exists {
		return fmt.Errorf("session %s already registered", s.SessionID())
	}
	el := b.lru.PushBack(&registryEntry{session: s, lastAccess: r.now()})
	b.byKey[key] = el
	b.byID[s.SessionID()] = el
	b.perAccount[s.AccountID()]++
	return nil
}

// Lookup returns the session and marks it accessed.
func (r *Registry) Lookup(t Type, accountID, sessionID string) (Session, bool) {
	b := r.bucket(t)
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.byKey[registryKey{accountID, sessionID}]
	if !ok {
		return nil, false
	}
	return r.touchLocked(b, el), true
}

// LookupByID finds a session by id alone and marks it accessed.
func (r *Registry) LookupByID(t Type, sessionID string) (Session, bool) {
	b := r.bucket(t)
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.byID[sessionID]
	if !ok {
		return nil, false
	}
	return r.touchLocked(b, el), true
}

func (r *Registry) touchLocked(b *bucket, el *list.Element) Session {
	e := el.Value.(*registryEntry)
	e.lastAccess = r.now()
	b.lru.MoveToBack(el)
	return e.session
}

// Unregister removes a session and runs its cleanup.
func (r *Registry) Unregister(t Type, accountID, sessionID string) (Session, bool) {
	b := r.bucket(t)
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	el, ok := b.byKey[registryKey{accountID, sessionID}]
	var s Session
	if ok {
		s = b.removeLocked(el)
	}
	b.mu.Unlock()

	if s != nil {
		s.cleanup()
	}
	return s, ok
}

func (r *Registry) CountByType(t Type) int {
	b := r.bucket(t)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Len()
}

func (r *Registry) CountForAccount(t Type, accountID string) int {
	b := r.bucket(t)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perAccount[accountID]
}

// Counts returns the number of sessions per type name.
func (r *Registry) Counts() map[string]int {
	counts := make(map[string]int, numTypes)
	for t := Type(0); t < numTypes; t++ {
		counts[t.String()] = r.CountByType(t)
	}
	return counts
}

// Sweep removes every session idle for longer than its type's timeout and
// returns them after running their cleanup.
func (r *Registry) Sweep(now time.Time) []Session {
	var removed []Session
	for _, b := range r.buckets {
		b.mu.Lock()
		swept := b.sweepLocked(now)
		b.mu.Unlock()

		if len(swept) > 0 {
			metrics.SessionsSwept.WithLabelValues(b.typ.String()).Add(float64(len(swept)))
		}
		removed = append(removed, swept...)
	}
	for _, s := range removed {
		logger.Debug("Sweeping idle session", "session", s.SessionID(), "account", s.AccountID(), "type", s.Type().String())
		s.cleanup()
	}
	return removed
}

// Start runs Sweep every interval in the background until ctx is done or
// Stop is called.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info("Session sweeper started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if removed := r.Sweep(r.now()); len(removed) > 0 {
					logger.Info("Swept idle sessions", "count", len(removed))
				}
			}
		}
	}()
}

// Stop halts the background sweeper and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
