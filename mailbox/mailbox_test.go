package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterJournal is a minimal Journal for exercising the manager.
type counterJournal struct {
	mu      sync.Mutex
	head    CommitID
	entries []string
	fail    error
}

func (j *counterJournal) Append(_ context.Context, accountID string, _ ItemType) (CommitID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return 0, j.fail
	}
	j.head++
	j.entries = append(j.entries, accountID)
	return j.head, nil
}

func (j *counterJournal) ChangedSince(context.Context, CommitID, ItemType) ([]string, CommitID, error) {
	return nil, j.head, nil
}

func (j *counterJournal) Latest(context.Context) (CommitID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head, nil
}

func (j *counterJournal) LatestFor(_ context.Context, accountID string) (CommitID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i] == accountID {
			return CommitID(i + 1), nil
		}
	}
	return 0, nil
}

func (j *counterJournal) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (j *counterJournal) Close() error                                          { return nil }

type recordingListener struct {
	account string
	mu      sync.Mutex
	calls   []int64
	types   []ItemType
}

func (l *recordingListener) AccountID() string { return l.account }

func (l *recordingListener) NotifyPendingChanges(changeID int64, pms *PendingModifications) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, changeID)
	l.types = append(l.types, pms.ChangedTypes())
}

type recordingHook struct {
	mask    ItemType
	mu      sync.Mutex
	commits []string
}

func (h *recordingHook) IsCallbackNecessary(types ItemType) bool { return h.mask.Intersects(types) }

func (h *recordingHook) MailboxChangeCommitted(commitID, accountID string, _ ItemType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, accountID+"@"+commitID)
}

type lifecycleRecorder struct {
	mu     sync.Mutex
	loaded []string
}

func (r *lifecycleRecorder) MailboxLoaded(mbox *Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, mbox.AccountID())
}

func newTestManager() (*Manager, *counterJournal) {
	dir := NewStaticDirectory(
		Account{ID: "a1", Name: "alice@example.com"},
		Account{ID: "a2", Name: "bob@example.com", Host: "mx1"},
		Account{ID: "remote", Name: "carol@example.com", Host: "mx2"},
	)
	j := &counterJournal{}
	return NewManager(dir, j, "mx1"), j
}

func TestParseItemTypes(t *testing.T) {
	tests := []struct {
		in      string
		want    ItemType
		wantErr bool
	}{
		{"", TypeNone, false},
		{"m", TypeMessage, false},
		{"m,ct,a", TypeMessage | TypeContact | TypeAppointment, false},
		{" F , TK ", TypeFolder | TypeTask, false},
		{"all", TypeAll, false},
		{"m,x", TypeNone, true},
	}
	for _, tt := range tests {
		got, err := ParseItemTypes(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	assert.Equal(t, "all", TypeAll.String())
	assert.Equal(t, "c,m", (TypeMessage | TypeConversation).String())
}

func TestParseCommitID(t *testing.T) {
	id, err := ParseCommitID("42")
	require.NoError(t, err)
	assert.Equal(t, CommitID(42), id)
	assert.Equal(t, "42", id.String())

	_, err = ParseCommitID("-1")
	assert.Error(t, err)
}

func TestPendingModificationsTouchesFolders(t *testing.T) {
	pms := NewPendingModifications(
		Change{ItemID: 100, FolderID: 2, Type: TypeMessage},
		Change{ItemID: 7, FolderID: 1, Type: TypeFolder, Op: OpModified},
	)
	assert.Equal(t, TypeMessage|TypeFolder, pms.ChangedTypes())
	assert.True(t, pms.TouchesFolders(nil))
	assert.True(t, pms.TouchesFolders(map[int64]struct{}{2: {}}))
	assert.True(t, pms.TouchesFolders(map[int64]struct{}{7: {}}))
	assert.False(t, pms.TouchesFolders(map[int64]struct{}{99: {}}))
}

func TestGetMailboxFetchModes(t *testing.T) {
	mm, _ := newTestManager()
	ctx := context.Background()

	mbox, err := mm.GetMailboxByAccountID(ctx, "a1", FetchIfLoaded)
	require.NoError(t, err)
	assert.Nil(t, mbox, "FetchIfLoaded must not load")

	rec := &lifecycleRecorder{}
	mm.AddLifecycleListener(rec)

	mbox, err = mm.GetMailboxByAccountID(ctx, "a1", FetchAutoCreate)
	require.NoError(t, err)
	require.NotNil(t, mbox)
	assert.Equal(t, []string{"a1"}, rec.loaded)

	again, err := mm.GetMailboxByAccountID(ctx, "a1", FetchIfLoaded)
	require.NoError(t, err)
	assert.Same(t, mbox, again)
	assert.Len(t, rec.loaded, 1, "cached fetch should not fire lifecycle events")
}

func TestGetMailboxErrors(t *testing.T) {
	mm, _ := newTestManager()
	ctx := context.Background()

	_, err := mm.GetMailboxByAccountID(ctx, "nobody", FetchAutoCreate)
	assert.True(t, errors.Is(err, ErrNoSuchAccount))

	_, err = mm.GetMailboxByAccountID(ctx, "remote", FetchAutoCreate)
	assert.True(t, errors.Is(err, ErrWrongHost))

	_, err = mm.GetMailboxByAccountID(ctx, "a2", FetchAutoCreate)
	assert.NoError(t, err, "account homed on this host")

	mm.SetMaintenance("a2", true)
	_, err = mm.GetMailboxByAccountID(ctx, "a2", FetchIfLoaded)
	assert.True(t, errors.Is(err, ErrMaintenanceMode))
	assert.Empty(t, mm.LoadedAccounts(), "maintenance unloads the mailbox")

	mm.SetMaintenance("a2", false)
	_, err = mm.GetMailboxByAccountID(ctx, "a2", FetchAutoCreate)
	assert.NoError(t, err)
}

func TestCommitNotifiesListenersAndHooks(t *testing.T) {
	mm, j := newTestManager()
	ctx := context.Background()

	hook := &recordingHook{mask: TypeMessage}
	mm.AddCommitHook(hook)

	mbox, err := mm.GetMailboxByAccountID(ctx, "a1", FetchAutoCreate)
	require.NoError(t, err)
	l := &recordingListener{account: "a1"}
	mbox.AddListener(l)

	res, err := mbox.Commit(ctx, Change{ItemID: 1, FolderID: 2, Type: TypeMessage})
	require.NoError(t, err)
	assert.Equal(t, CommitID(1), res.CommitID)
	assert.Equal(t, int64(1), mbox.LastChangeID())

	_, err = mbox.Commit(ctx, Change{ItemID: 5, Type: TypeContact})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, l.calls)
	assert.Equal(t, []ItemType{TypeMessage, TypeContact}, l.types)
	assert.Equal(t, []string{"a1@1"}, hook.commits, "hook only sees types it needs")
	assert.Equal(t, []string{"a1", "a1"}, j.entries)

	_, err = mbox.Commit(ctx)
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestCommitJournalFailure(t *testing.T) {
	mm, j := newTestManager()
	ctx := context.Background()
	mbox, err := mm.GetMailboxByAccountID(ctx, "a1", FetchAutoCreate)
	require.NoError(t, err)
	l := &recordingListener{account: "a1"}
	mbox.AddListener(l)

	j.fail = errors.New("disk full")
	_, err = mbox.Commit(ctx, Change{ItemID: 1, Type: TypeMessage})
	require.Error(t, err)
	assert.Empty(t, l.calls, "listeners must not see undurable commits")
}

func TestUnloadDetachesListeners(t *testing.T) {
	mm, _ := newTestManager()
	ctx := context.Background()
	mbox, err := mm.GetMailboxByAccountID(ctx, "a1", FetchAutoCreate)
	require.NoError(t, err)
	mbox.AddListener(&recordingListener{account: "a1"})
	assert.Equal(t, 1, mbox.ListenerCount())

	assert.True(t, mm.Unload("a1"))
	assert.False(t, mbox.IsLoaded())
	assert.Equal(t, 0, mbox.ListenerCount())
	assert.False(t, mm.Unload("a1"))

	_, err = mbox.Commit(ctx, Change{ItemID: 1, Type: TypeMessage})
	assert.Error(t, err)

	reloaded, err := mm.GetMailboxByAccountID(ctx, "a1", FetchAutoCreate)
	require.NoError(t, err)
	assert.NotSame(t, mbox, reloaded)
}

func TestReloadedMailboxStartsFromOwnLastCommit(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a1, err := m.GetMailboxByAccountID(ctx, "a1", FetchAutoCreate)
	if err != nil {
		t.Fatalf("load a1: %v", err)
	}
	res, err := a1.Commit(ctx, Change{ItemID: 1, FolderID: 2, Type: TypeMessage, Op: OpCreated})
	if err != nil {
		t.Fatalf("commit a1: %v", err)
	}

	a2, err := m.GetMailboxByAccountID(ctx, "a2", FetchAutoCreate)
	if err != nil {
		t.Fatalf("load a2: %v", err)
	}
	for i := int64(0); i < 2; i++ {
		if _, err := a2.Commit(ctx, Change{ItemID: 10 + i, FolderID: 2, Type: TypeMessage, Op: OpCreated}); err != nil {
			t.Fatalf("commit a2: %v", err)
		}
	}

	if !m.Unload("a1") {
		t.Fatal("expected a1 to be unloaded")
	}
	reloaded, err := m.GetMailboxByAccountID(ctx, "a1", FetchAutoCreate)
	if err != nil {
		t.Fatalf("reload a1: %v", err)
	}
	if got := reloaded.LastChangeID(); got != res.ChangeID {
		t.Errorf("Expected reloaded change id %d, got %d", res.ChangeID, got)
	}
}
