package mailbox

import (
	"context"
	"errors"
	"time"
)

// ErrCommitNotFound is returned by Journal.ChangedSince when the given commit
// is older than the retained window or newer than the journal head.
var ErrCommitNotFound = errors.New("commit not found in journal")

// Journal is the write-ahead change log. Every committed mailbox transaction
// is appended before listeners are notified.
type Journal interface {
	// Append records a commit and returns its id.
	Append(ctx context.Context, accountID string, types ItemType) (CommitID, error)
	// ChangedSince returns the accounts with commits after since whose types
	// intersect the mask, in order of their first such commit, together with
	// the current head.
	ChangedSince(ctx context.Context, since CommitID, types ItemType) ([]string, CommitID, error)
	// Latest returns the id of the most recent commit, or 0.
	Latest(ctx context.Context) (CommitID, error)
	// LatestFor returns the id of the account's most recent commit, or 0
	// when it has none in the journal.
	LatestFor(ctx context.Context, accountID string) (CommitID, error)
	// PruneBefore drops entries created before cutoff, returning the number removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
