package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/migadu/notifyd/pkg/metrics"
)

// Listener receives the changes of every commit on one mailbox.
type Listener interface {
	AccountID() string
	NotifyPendingChanges(changeID int64, pms *PendingModifications)
}

// LifecycleListener is told when a mailbox is loaded into memory.
type LifecycleListener interface {
	MailboxLoaded(mbox *Mailbox)
}

// CommitHook observes commits across all mailboxes.
type CommitHook interface {
	// IsCallbackNecessary is consulted before MailboxChangeCommitted so that
	// commits nobody listens for are not dispatched.
	IsCallbackNecessary(types ItemType) bool
	MailboxChangeCommitted(commitID string, accountID string, types ItemType)
}

// CommitResult describes a successful commit.
type CommitResult struct {
	ChangeID int64
	CommitID CommitID
	Types    ItemType
}

// Mailbox is the loaded, in-memory state of one account. Change ids are
// drawn from the journal sequence, so they keep increasing across restarts.
type Mailbox struct {
	account Account
	manager *Manager

	mu           sync.Mutex
	lastChangeID int64
	listeners    map[Listener]struct{}
	loaded       bool
}

func newMailbox(account Account, manager *Manager, lastChangeID int64) *Mailbox {
	return &Mailbox{
		account:      account,
		manager:      manager,
		lastChangeID: lastChangeID,
		listeners:    make(map[Listener]struct{}),
		loaded:       true,
	}
}

func (m *Mailbox) AccountID() string { return m.account.ID }

func (m *Mailbox) Account() Account { return m.account }

// LastChangeID returns the change id of the latest commit.
func (m *Mailbox) LastChangeID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChangeID
}

// IsLoaded reports whether the mailbox is still cached by its manager.
func (m *Mailbox) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// AddListener registers l. Listeners added to an unloaded mailbox are ignored.
func (m *Mailbox) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return
	}
	m.listeners[l] = struct{}{}
}

func (m *Mailbox) RemoveListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, l)
}

func (m *Mailbox) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Commit applies changes as one transaction. The commit is appended to the
// journal while the mailbox lock is held; listeners and commit hooks are
// notified after it is released.
func (m *Mailbox) Commit(ctx context.Context, changes ...Change) (CommitResult, error) {
	if len(changes) == 0 {
		return CommitResult{}, ErrNoChanges
	}
	pms := NewPendingModifications(changes...)
	types := pms.ChangedTypes()

	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return CommitResult{}, fmt.Errorf("mailbox %s is not loaded", m.account.ID)
	}
	commitID, err := m.manager.journal.Append(ctx, m.account.ID, types)
	if err != nil {
		m.mu.Unlock()
		metrics.JournalAppends.WithLabelValues("failure").Inc()
		return CommitResult{}, fmt.Errorf("failed to append commit for %s: %w", m.account.ID, err)
	}
	metrics.JournalAppends.WithLabelValues("success").Inc()
	m.lastChangeID = int64(commitID)
	changeID := m.lastChangeID
	listeners := make([]Listener, 0, len(m.listeners))
	for l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l.NotifyPendingChanges(changeID, pms)
	}
	for _, h := range m.manager.commitHooks() {
		if h.IsCallbackNecessary(types) {
			h.MailboxChangeCommitted(commitID.String(), m.account.ID, types)
		}
	}

	return CommitResult{ChangeID: changeID, CommitID: commitID, Types: types}, nil
}

// unload marks the mailbox unloaded and returns the detached listeners.
func (m *Mailbox) unload() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	detached := make([]Listener, 0, len(m.listeners))
	for l := range m.listeners {
		detached = append(detached, l)
	}
	m.listeners = make(map[Listener]struct{})
	return detached
}
