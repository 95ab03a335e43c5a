package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// FetchMode controls whether GetMailboxByAccountID may load a mailbox.
type FetchMode int

const (
	// FetchIfLoaded returns a cached mailbox or nil.
	FetchIfLoaded FetchMode = iota
	// FetchAutoCreate loads the mailbox if it is not cached.
	FetchAutoCreate
)

// Manager caches loaded mailboxes and owns the journal they commit to.
type Manager struct {
	directory AccountDirectory
	journal   Journal
	hostname  string

	mu          sync.RWMutex
	mailboxes   map[string]*Mailbox
	maintenance map[string]bool
	lifecycle   map[LifecycleListener]struct{}
	hooks       []CommitHook
}

func NewManager(directory AccountDirectory, journal Journal, hostname string) *Manager {
	return &Manager{
		directory:   directory,
		journal:     journal,
		hostname:    hostname,
		mailboxes:   make(map[string]*Mailbox),
		maintenance: make(map[string]bool),
		lifecycle:   make(map[LifecycleListener]struct{}),
	}
}

func (mm *Manager) Journal() Journal { return mm.journal }

func (mm *Manager) Hostname() string { return mm.hostname }

// GetMailboxByAccountID returns the mailbox of an account. With FetchIfLoaded
// it returns (nil, nil) when the mailbox is not cached.
func (mm *Manager) GetMailboxByAccountID(ctx context.Context, accountID string, mode FetchMode) (*Mailbox, error) {
	mm.mu.RLock()
	inMaintenance := mm.maintenance[accountID]
	mbox := mm.mailboxes[accountID]
	mm.mu.RUnlock()

	if inMaintenance {
		return nil, ErrMaintenanceMode
	}
	if mbox != nil {
		return mbox, nil
	}

	account, err := mm.directory.LookupAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNoSuchAccount) {
			return nil, ErrNoSuchAccount
		}
		return nil, fmt.Errorf("failed to look up account %s: %w", accountID, err)
	}
	if account.Host != "" && mm.hostname != "" && account.Host != mm.hostname {
		return nil, ErrWrongHost
	}
	if mode == FetchIfLoaded {
		return nil, nil
	}

	latest, err := mm.journal.LatestFor(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last commit of %s: %w", accountID, err)
	}

	mm.mu.Lock()
	if mm.maintenance[accountID] {
		mm.mu.Unlock()
		return nil, ErrMaintenanceMode
	}
	if existing := mm.mailboxes[accountID]; existing != nil {
		mm.mu.Unlock()
		return existing, nil
	}
	mbox = newMailbox(account, mm, int64(latest))
	mm.mailboxes[accountID] = mbox
	listeners := mm.lifecycleListenersLocked()
	mm.mu.Unlock()

	for _, l := range listeners {
		l.MailboxLoaded(mbox)
	}
	return mbox, nil
}

// Unload drops a cached mailbox. Its listeners are detached and will not
// receive further commits.
func (mm *Manager) Unload(accountID string) bool {
	mm.mu.Lock()
	mbox, ok := mm.mailboxes[accountID]
	delete(mm.mailboxes, accountID)
	mm.mu.Unlock()

	if !ok {
		return false
	}
	mbox.unload()
	return true
}

// SetMaintenance toggles maintenance mode. Entering maintenance unloads the
// mailbox.
func (mm *Manager) SetMaintenance(accountID string, on bool) {
	mm.mu.Lock()
	if on {
		mm.maintenance[accountID] = true
	} else {
		delete(mm.maintenance, accountID)
	}
	mm.mu.Unlock()

	if on {
		mm.Unload(accountID)
	}
}

func (mm *Manager) AddLifecycleListener(l LifecycleListener) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.lifecycle[l] = struct{}{}
}

func (mm *Manager) RemoveLifecycleListener(l LifecycleListener) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.lifecycle, l)
}

func (mm *Manager) AddCommitHook(h CommitHook) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.hooks = append(mm.hooks, h)
}

// LoadedAccounts returns the ids of cached mailboxes, sorted.
func (mm *Manager) LoadedAccounts() []string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	ids := make([]string, 0, len(mm.mailboxes))
	for id := range mm.mailboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (mm *Manager) LoadedCount() int {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return len(mm.mailboxes)
}

func (mm *Manager) lifecycleListenersLocked() []LifecycleListener {
	out := make([]LifecycleListener, 0, len(mm.lifecycle))
	for l := range mm.lifecycle {
		out = append(out, l)
	}
	return out
}

func (mm *Manager) commitHooks() []CommitHook {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]CommitHook, len(mm.hooks))
	copy(out, mm.hooks)
	return out
}
