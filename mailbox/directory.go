package mailbox

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNoSuchAccount   = errors.New("no such account")
	ErrWrongHost       = errors.New("account is homed on another host")
	ErrMaintenanceMode = errors.New("mailbox is in maintenance mode")
	ErrNoChanges       = errors.New("commit contains no changes")
)

// Account is the directory record of a mailbox owner.
type Account struct {
	ID   string
	Name string
	// Host is the server the mailbox lives on. Empty means local.
	Host string
}

// AccountDirectory resolves account ids. Implementations return
// ErrNoSuchAccount for unknown ids.
type AccountDirectory interface {
	LookupAccount(ctx context.Context, id string) (Account, error)
}

// StaticDirectory is an in-memory AccountDirectory.
type StaticDirectory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewStaticDirectory(accounts ...Account) *StaticDirectory {
	d := &StaticDirectory{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		d.accounts[a.ID] = a
	}
	return d
}

func (d *StaticDirectory) Put(a Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.ID] = a
}

func (d *StaticDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.accounts, id)
}

func (d *StaticDirectory) LookupAccount(_ context.Context, id string) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	if !ok {
		return Account{}, ErrNoSuchAccount
	}
	return a, nil
}
