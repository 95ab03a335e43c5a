package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/migadu/notifyd/changelog"
	"github.com/migadu/notifyd/mailbox"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	journal   *changelog.MemoryLog
	directory *mailbox.StaticDirectory
	mailboxes *mailbox.Manager
	registry  *Registry
	mgr       *Manager
	clock     *fakeClock
}

func newTestEnv(t *testing.T, cfg ManagerConfig) *testEnv {
	return newTestEnvWithJournal(t, cfg, changelog.NewMemoryLog(1024))
}

func newTestEnvWithJournal(t *testing.T, cfg ManagerConfig, journal *changelog.MemoryLog) *testEnv {
	t.Helper()
	directory := mailbox.NewStaticDirectory(
		mailbox.Account{ID: "alice", Name: "alice@example.com"},
		mailbox.Account{ID: "bob", Name: "bob@example.com"},
		mailbox.Account{ID: "carol", Name: "carol@example.com"},
		mailbox.Account{ID: "remote", Name: "remote@example.com", Host: "mbs2.example.com"},
	)
	mailboxes := mailbox.NewManager(directory, journal, "mbs1.example.com")
	clock := newFakeClock()
	registry := NewRegistry(map[Type]time.Duration{TypeClient: time.Hour, TypeAdmin: 2 * time.Hour})
	registry.now = clock.Now
	mgr := NewManager(mailboxes, registry, cfg)
	mgr.now = clock.Now
	t.Cleanup(mgr.Stop)

	return &testEnv{
		journal:   journal,
		directory: directory,
		mailboxes: mailboxes,
		registry:  registry,
		mgr:       mgr,
		clock:     clock,
	}
}

func (e *testEnv) load(t *testing.T, accountID string) *mailbox.Mailbox {
	t.Helper()
	mbox, err := e.mailboxes.GetMailboxByAccountID(context.Background(), accountID, mailbox.FetchAutoCreate)
	require.NoError(t, err)
	require.NotNil(t, mbox)
	return mbox
}

func (e *testEnv) commit(t *testing.T, accountID string, changes ...mailbox.Change) mailbox.CommitResult {
	t.Helper()
	res, err := e.load(t, accountID).Commit(context.Background(), changes...)
	require.NoError(t, err)
	return res
}

func (e *testEnv) createSome(t *testing.T, owner string, accounts ...WaitSetAccount) *SomeAccountsWaitSet {
	t.Helper()
	ws, errs, err := e.mgr.Create(context.Background(), CreateRequest{
		Owner:           owner,
		AllowMultiple:   true,
		DefaultInterest: mailbox.TypeMessage,
		Accounts:        accounts,
	})
	require.NoError(t, err)
	require.Empty(t, errs)
	return ws.(*SomeAccountsWaitSet)
}

func (e *testEnv) createAll(t *testing.T, owner string, interest mailbox.ItemType) *AllAccountsWaitSet {
	t.Helper()
	ws, errs, err := e.mgr.Create(context.Background(), CreateRequest{
		Owner:           owner,
		AllowMultiple:   true,
		DefaultInterest: interest,
		AllAccounts:     true,
	})
	require.NoError(t, err)
	require.Empty(t, errs)
	return ws.(*AllAccountsWaitSet)
}

func message(itemID, folderID int64) mailbox.Change {
	return mailbox.Change{ItemID: itemID, FolderID: folderID, Type: mailbox.TypeMessage, Op: mailbox.OpCreated}
}

func contact(itemID int64) mailbox.Change {
	return mailbox.Change{ItemID: itemID, FolderID: 7, Type: mailbox.TypeContact, Op: mailbox.OpModified}
}

// Deliveries are made synchronously, so a pending one is already buffered.
func requireDelivery(t *testing.T, cb *ChanCallback) Delivery {
	t.Helper()
	select {
	case d := <-cb.C():
		return d
	default:
		t.Fatal("expected a delivery")
		return Delivery{}
	}
}

func requireNoDelivery(t *testing.T, cb *ChanCallback) {
	t.Helper()
	select {
	case d := <-cb.C():
		t.Fatalf("unexpected delivery: %+v", d)
	default:
	}
}

func doWait(t *testing.T, ws WaitSet, seq string) *ChanCallback {
	t.Helper()
	cb := NewChanCallback()
	errs, err := ws.DoWait(context.Background(), cb, seq, nil, nil, nil)
	require.NoError(t, err)
	require.Empty(t, errs)
	return cb
}

// stubJournal serves ChangedSince from fixed values.
type stubJournal struct {
	accounts []string
	head     mailbox.CommitID
	err      error
}

func (j *stubJournal) Append(context.Context, string, mailbox.ItemType) (mailbox.CommitID, error) {
	j.head++
	return j.head, nil
}

func (j *stubJournal) ChangedSince(context.Context, mailbox.CommitID, mailbox.ItemType) ([]string, mailbox.CommitID, error) {
	return j.accounts, j.head, j.err
}

func (j *stubJournal) Latest(context.Context) (mailbox.CommitID, error)      { return j.head, nil }
func (j *stubJournal) LatestFor(context.Context, string) (mailbox.CommitID, error) {
	return 0, nil
}
func (j *stubJournal) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (j *stubJournal) Close() error                                          { return nil }
