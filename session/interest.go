package session

import (
	"sync"
	"sync/atomic"

	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/metrics"
)

// InterestTracker fans mailbox commits out to all-accounts waitsets. The
// union of their interests is recomputed whenever one is added or removed,
// so commits nobody listens for are rejected without locking.
type InterestTracker struct {
	mu    sync.Mutex
	sets  map[*AllAccountsWaitSet]struct{}
	union atomic.Uint32
}

func NewInterestTracker() *InterestTracker {
	return &InterestTracker{sets: make(map[*AllAccountsWaitSet]struct{})}
}

func (t *InterestTracker) Add(ws *AllAccountsWaitSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sets[ws] = struct{}{}
	t.recomputeLocked()
}

func (t *InterestTracker) Remove(ws *AllAccountsWaitSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sets, ws)
	t.recomputeLocked()
}

func (t *InterestTracker) recomputeLocked() {
	var union mailbox.ItemType
	for ws := range t.sets {
		union |= ws.defaultInterest
	}
	t.union.Store(uint32(union))
}

// Union returns the combined interest of all tracked waitsets.
func (t *InterestTracker) Union() mailbox.ItemType {
	return mailbox.ItemType(t.union.Load())
}

func (t *InterestTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sets)
}

func (t *InterestTracker) IsCallbackNecessary(types mailbox.ItemType) bool {
	return t.Union().Intersects(types)
}

// MailboxChangeCommitted dispatches a commit to every tracked waitset. A
// panic in one waitset is logged and does not stop the others.
func (t *InterestTracker) MailboxChangeCommitted(commitID string, accountID string, types mailbox.ItemType) {
	if !t.IsCallbackNecessary(types) {
		return
	}
	t.mu.Lock()
	targets := make([]*AllAccountsWaitSet, 0, len(t.sets))
	for ws := range t.sets {
		targets = append(targets, ws)
	}
	t.mu.Unlock()

	for _, ws := range targets {
		t.dispatch(ws, commitID, accountID, types)
	}
}

func (t *InterestTracker) dispatch(ws *AllAccountsWaitSet, commitID, accountID string, types mailbox.ItemType) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CommitsDispatched.WithLabelValues("panic").Inc()
			logger.Error("Panic while dispatching commit", "waitset", ws.ID(), "account", accountID, "commit", commitID, "panic", r)
		}
	}()
	ws.mailboxChangeCommitted(commitID, accountID, types)
	metrics.CommitsDispatched.WithLabelValues("ok").Inc()
}
