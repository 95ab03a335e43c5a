package db

import "embed"

// MigrationsFS holds the golang-migrate schema migrations. notifyd-admin
// applies them with the iofs source driver.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
