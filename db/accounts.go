package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/notifyd/mailbox"
)

var _ mailbox.AccountDirectory = (*Database)(nil)

// LookupAccount implements mailbox.AccountDirectory on the accounts table.
func (db *Database) LookupAccount(ctx context.Context, id string) (mailbox.Account, error) {
	var a mailbox.Account
	err := db.run(ctx, "account_lookup", func(ctx context.Context) error {
		return db.Pool.QueryRow(ctx,
			`SELECT id, name, host FROM accounts WHERE id = $1`, id).Scan(&a.ID, &a.Name, &a.Host)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mailbox.Account{}, mailbox.ErrNoSuchAccount
		}
		return mailbox.Account{}, fmt.Errorf("failed to look up account %s: %w", id, err)
	}
	return a, nil
}

// UpsertAccount creates an account or updates its name and host.
func (db *Database) UpsertAccount(ctx context.Context, a mailbox.Account) error {
	err := db.run(ctx, "account_upsert", func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, `
			INSERT INTO accounts (id, name, host) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, host = EXCLUDED.host, updated_at = now()`,
			a.ID, a.Name, a.Host)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", a.ID, err)
	}
	return nil
}

// DeleteAccount removes an account. Deleting an unknown account returns
// mailbox.ErrNoSuchAccount.
func (db *Database) DeleteAccount(ctx context.Context, id string) error {
	var affected int64
	err := db.run(ctx, "account_delete", func(ctx context.Context) error {
		tag, err := db.Pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	if affected == 0 {
		return mailbox.ErrNoSuchAccount
	}
	return nil
}

// ListAccounts returns every account ordered by id.
func (db *Database) ListAccounts(ctx context.Context) ([]mailbox.Account, error) {
	var accounts []mailbox.Account
	err := db.run(ctx, "account_list", func(ctx context.Context) error {
		rows, err := db.Pool.Query(ctx, `SELECT id, name, host FROM accounts ORDER BY id`)
		if err != nil {
			return err
		}
		accounts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (mailbox.Account, error) {
			var a mailbox.Account
			err := row.Scan(&a.ID, &a.Name, &a.Host)
			return a, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}
