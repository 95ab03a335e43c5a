// Package changelog provides Journal implementations for the mailbox
// collaborator: a bounded in-memory ring and a SQLite file.
package changelog

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/notifyd/mailbox"
)

type entry struct {
	id        mailbox.CommitID
	accountID string
	types     mailbox.ItemType
	at        time.Time
}

// MemoryLog keeps the most recent commits in a fixed size ring. Commits
// pushed out of the ring count as pruned, so ChangedSince fails for cursors
// older than the ring.
type MemoryLog struct {
	mu      sync.Mutex
	entries []entry
	start   int
	count   int
	head    mailbox.CommitID
	low     mailbox.CommitID
	now     func() time.Time

	// last commit per account, kept after the entry leaves the ring
	last map[string]mailbox.CommitID
}

func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryLog{
		entries: make([]entry, capacity),
		now:     time.Now,
		last:    make(map[string]mailbox.CommitID),
	}
}

func (l *MemoryLog) at(i int) *entry {
	return &l.entries[(l.start+i)%len(l.entries)]
}

func (l *MemoryLog) dropOldest() {
	l.low = l.entries[l.start].id
	l.entries[l.start] = entry{}
	l.start = (l.start + 1) % len(l.entries)
	l.count--
}

func (l *MemoryLog) Append(_ context.Context, accountID string, types mailbox.ItemType) (mailbox.CommitID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == len(l.entries) {
		l.dropOldest()
	}
	l.head++
	*l.at(l.count) = entry{id: l.head, accountID: accountID, types: types, at: l.now()}
	l.count++
	l.last[accountID] = l.head
	return l.head, nil
}

func (l *MemoryLog) ChangedSince(_ context.Context, since mailbox.CommitID, types mailbox.ItemType) ([]string, mailbox.CommitID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if since > l.head || since < l.low {
		return nil, 0, mailbox.ErrCommitNotFound
	}
	seen := make(map[string]struct{})
	var accounts []string
	for i := 0; i < l.count; i++ {
		e := l.at(i)
		if e.id <= since || !e.types.Intersects(types) {
			continue
		}
		if _, ok := seen[e.accountID]; ok {
			continue
		}
		seen[e.accountID] = struct{}{}
		accounts = append(accounts, e.accountID)
	}
	return accounts, l.head, nil
}

func (l *MemoryLog) Latest(context.Context) (mailbox.CommitID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, nil
}

func (l *MemoryLog) LatestFor(_ context.Context, accountID string) (mailbox.CommitID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[accountID], nil
}

func (l *MemoryLog) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed int64
	for l.count > 0 && l.entries[l.start].at.Before(cutoff) {
		l.dropOldest()
		removed++
	}
	return removed, nil
}

func (l *MemoryLog) Close() error { return nil }

// Len returns the number of retained commits.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
