package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/retry"
)

// Database implements mailbox.Journal on the journal table.
var _ mailbox.Journal = (*Database)(nil)

const headQuery = `
	SELECT GREATEST(COALESCE((SELECT MAX(commit_id) FROM journal), 0), m.low_water), m.low_water
	FROM journal_meta m WHERE m.id = 1`

func (db *Database) Append(ctx context.Context, accountID string, types mailbox.ItemType) (mailbox.CommitID, error) {
	var id int64
	err := db.run(ctx, "journal_append", func(ctx context.Context) error {
		return db.Pool.QueryRow(ctx,
			`INSERT INTO journal (account_id, types) VALUES ($1, $2) RETURNING commit_id`,
			accountID, int32(types)).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append journal entry: %w", err)
	}
	return mailbox.CommitID(id), nil
}

func (db *Database) ChangedSince(ctx context.Context, since mailbox.CommitID, types mailbox.ItemType) ([]string, mailbox.CommitID, error) {
	var (
		accounts []string
		head     mailbox.CommitID
	)
	err := db.run(ctx, "journal_changed_since", func(ctx context.Context) error {
		accounts = nil
		tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var h, low int64
		if err := tx.QueryRow(ctx, headQuery).Scan(&h, &low); err != nil {
			return err
		}
		head = mailbox.CommitID(h)
		if since > head || int64(since) < low {
			return retry.Stop(mailbox.ErrCommitNotFound)
		}

		rows, err := tx.Query(ctx, `
			SELECT account_id FROM journal
			WHERE commit_id > $1 AND (types & $2) <> 0
			GROUP BY account_id
			ORDER BY MIN(commit_id)`, int64(since), int32(types))
		if err != nil {
			return err
		}
		accounts, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		if errors.Is(err, mailbox.ErrCommitNotFound) {
			return nil, 0, mailbox.ErrCommitNotFound
		}
		return nil, 0, fmt.Errorf("failed to read journal since %d: %w", since, err)
	}
	return accounts, head, nil
}

func (db *Database) Latest(ctx context.Context) (mailbox.CommitID, error) {
	var head, low int64
	err := db.run(ctx, "journal_latest", func(ctx context.Context) error {
		return db.Pool.QueryRow(ctx, headQuery).Scan(&head, &low)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read journal head: %w", err)
	}
	return mailbox.CommitID(head), nil
}

func (db *Database) LatestFor(ctx context.Context, accountID string) (mailbox.CommitID, error) {
	var last *int64
	err := db.run(ctx, "journal_latest_for", func(ctx context.Context) error {
		return db.Pool.QueryRow(ctx,
			`SELECT MAX(commit_id) FROM journal WHERE account_id = $1`, accountID).Scan(&last)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read last commit of %s: %w", accountID, err)
	}
	if last == nil {
		return 0, nil
	}
	return mailbox.CommitID(*last), nil
}

// PruneBefore deletes entries created before cutoff and raises the low water
// mark to the newest deleted commit.
func (db *Database) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := db.run(ctx, "journal_prune", func(ctx context.Context) error {
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var boundary *int64
		if err := tx.QueryRow(ctx,
			`SELECT MAX(commit_id) FROM journal WHERE created_at < $1`, cutoff.UTC()).Scan(&boundary); err != nil {
			return err
		}
		if boundary == nil {
			removed = 0
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM journal WHERE commit_id <= $1`, *boundary)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		if _, err := tx.Exec(ctx,
			`UPDATE journal_meta SET low_water = $1 WHERE id = 1 AND low_water < $1`, *boundary); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return removed, nil
}
