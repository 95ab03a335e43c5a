package consts

// JournalPruneLockID is the PostgreSQL advisory lock key held while pruning
// the commit journal, so that only one notifyd instance or admin tool prunes
// at a time.
const JournalPruneLockID = 42734582

// MigrationLockID is the advisory lock key held by notifyd-admin while it
// changes the schema.
const MigrationLockID = 42734581
