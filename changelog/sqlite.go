package changelog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/retry"
	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteLog is a Journal stored in a single SQLite file.
type SQLiteLog struct {
	db    *sql.DB
	retry retry.BackoffConfig
}

// OpenSQLite opens or creates the journal database at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal DB: %w", err)
	}
	// A single writer connection serializes appends, which keeps commit ids
	// in append order.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Failed to enable WAL for journal", "path", path, "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("Failed to set busy timeout for journal", "path", path, "error", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal DB ping failed: %w", err)
	}

	return &SQLiteLog{db: db, retry: retry.DefaultBackoffConfig()}, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func (l *SQLiteLog) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, l.retry, func() error {
		err := fn()
		if err != nil && !isBusy(err) {
			return retry.Stop(err)
		}
		return err
	})
}

func (l *SQLiteLog) Append(ctx context.Context, accountID string, types mailbox.ItemType) (mailbox.CommitID, error) {
	var id int64
	err := l.withRetry(ctx, func() error {
		res, err := l.db.ExecContext(ctx,
			`INSERT INTO journal (account_id, types, created_at) VALUES (?, ?, ?)`,
			accountID, int64(types), time.Now().UnixNano())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append journal entry: %w", err)
	}
	return mailbox.CommitID(id), nil
}

func (l *SQLiteLog) head(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (mailbox.CommitID, mailbox.CommitID, error) {
	var head, low int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'journal'), 0),
		       (SELECT low_water FROM journal_meta WHERE id = 1)`).Scan(&head, &low)
	if err != nil {
		return 0, 0, err
	}
	return mailbox.CommitID(head), mailbox.CommitID(low), nil
}

func (l *SQLiteLog) ChangedSince(ctx context.Context, since mailbox.CommitID, types mailbox.ItemType) ([]string, mailbox.CommitID, error) {
	var (
		accounts []string
		head     mailbox.CommitID
	)
	err := l.withRetry(ctx, func() error {
		accounts = nil
		tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var low mailbox.CommitID
		head, low, err = l.head(ctx, tx)
		if err != nil {
			return err
		}
		if since > head || since < low {
			return retry.Stop(mailbox.ErrCommitNotFound)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT account_id FROM journal
			WHERE commit_id > ? AND (types & ?) != 0
			GROUP BY account_id
			ORDER BY MIN(commit_id)`, int64(since), int64(types))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			accounts = append(accounts, id)
		}
		return rows.Err()
	})
	if err != nil {
		if errors.Is(err, mailbox.ErrCommitNotFound) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to read journal since %d: %w", since, err)
	}
	return accounts, head, nil
}

func (l *SQLiteLog) Latest(ctx context.Context) (mailbox.CommitID, error) {
	var head mailbox.CommitID
	err := l.withRetry(ctx, func() error {
		var err error
		head, _, err = l.head(ctx, l.db)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read journal head: %w", err)
	}
	return head, nil
}

func (l *SQLiteLog) LatestFor(ctx context.Context, accountID string) (mailbox.CommitID, error) {
	var last sql.NullInt64
	err := l.withRetry(ctx, func() error {
		return l.db.QueryRowContext(ctx,
			`SELECT MAX(commit_id) FROM journal WHERE account_id = ?`, accountID).Scan(&last)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read last commit of %s: %w", accountID, err)
	}
	return mailbox.CommitID(last.Int64), nil
}

func (l *SQLiteLog) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := l.withRetry(ctx, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var boundary sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(commit_id) FROM journal WHERE created_at < ?`, cutoff.UnixNano()).Scan(&boundary); err != nil {
			return err
		}
		if !boundary.Valid {
			removed = 0
			return nil
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM journal WHERE commit_id <= ?`, boundary.Int64)
		if err != nil {
			return err
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE journal_meta SET low_water = ? WHERE id = 1 AND low_water < ?`, boundary.Int64, boundary.Int64); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return removed, nil
}

func (l *SQLiteLog) Close() error {
	if l.db != nil {
		logger.Info("Closing journal database")
		return l.db.Close()
	}
	return nil
}
