package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/migadu/notifyd/consts"
	"github.com/migadu/notifyd/mailbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignsPrefixedIDs(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	some := env.createSome(t, "owner")
	all := env.createAll(t, "admin", mailbox.TypeAll)

	assert.True(t, strings.HasPrefix(some.ID(), SomeAccountsPrefix))
	assert.True(t, strings.HasPrefix(all.ID(), AllAccountsPrefix))
	assert.Equal(t, map[string]int{kindSome: 1, kindAll: 1}, env.mgr.Counts())

	_, _, err := env.mgr.Create(context.Background(), CreateRequest{Owner: "owner"})
	assert.ErrorIs(t, err, consts.ErrInvalidInterest)
}

func TestQuotaEvictsLeastRecentlyUsed(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{MaxPerOwner: 2})
	ctx := context.Background()

	create := func() WaitSet {
		ws, errs, err := env.mgr.Create(ctx, CreateRequest{Owner: "owner", DefaultInterest: mailbox.TypeMessage})
		require.NoError(t, err)
		require.Empty(t, errs)
		env.clock.Advance(time.Minute)
		return ws
	}

	first := create()
	second := create()
	pending := doWait(t, second, "0")
	env.clock.Advance(time.Minute)

	_, err := env.mgr.Lookup(first.ID())
	require.NoError(t, err)
	env.clock.Advance(time.Minute)

	third := create()
	assert.Equal(t, 2, env.mgr.CountForOwner("owner"))

	_, err = env.mgr.Lookup(second.ID())
	assert.ErrorIs(t, err, consts.ErrWaitSetNotFound)
	assert.True(t, requireDelivery(t, pending).Cancelled, "evicted waitset must cancel its callback")

	for _, ws := range []WaitSet{first, third} {
		_, err := env.mgr.Lookup(ws.ID())
		assert.NoError(t, err)
	}
}

func TestQuotaIsPerKindAndSkippedWithAllowMultiple(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{MaxPerOwner: 1})
	ctx := context.Background()

	all := env.createAll(t, "owner", mailbox.TypeMessage)
	_, _, err := env.mgr.Create(ctx, CreateRequest{Owner: "owner", DefaultInterest: mailbox.TypeMessage})
	require.NoError(t, err)
	_, err = env.mgr.Lookup(all.ID())
	assert.NoError(t, err, "some-accounts quota must not evict an all-accounts waitset")

	for i := 0; i < 3; i++ {
		env.createSome(t, "owner")
	}
	assert.Equal(t, 5, env.mgr.CountForOwner("owner"))

	_, _, err = env.mgr.Create(ctx, CreateRequest{Owner: "owner", DefaultInterest: mailbox.TypeMessage})
	require.NoError(t, err)
	assert.Equal(t, 2, env.mgr.CountForOwner("owner"))
}

func TestDestroyPermissions(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	mbox := env.load(t, "alice")
	some := env.createSome(t, "alice", WaitSetAccount{AccountID: "alice"})
	all := env.createAll(t, "alice", mailbox.TypeMessage)
	require.Equal(t, 1, mbox.ListenerCount())

	assert.ErrorIs(t, env.mgr.Destroy(AuthContext{AccountID: "bob"}, some.ID()), consts.ErrNotPermitted)
	assert.ErrorIs(t, env.mgr.Destroy(AuthContext{AccountID: "alice"}, all.ID()), consts.ErrNotPermitted)
	assert.ErrorIs(t, env.mgr.Destroy(AuthContext{AccountID: "alice"}, "WaitSet-missing"), consts.ErrWaitSetNotFound)

	pending := doWait(t, some, "0")
	require.NoError(t, env.mgr.Destroy(AuthContext{AccountID: "alice"}, some.ID()))
	assert.True(t, requireDelivery(t, pending).Cancelled)
	assert.Equal(t, 0, mbox.ListenerCount())
	assert.Equal(t, 0, env.registry.CountByType(TypeWaitSet))
	assert.ErrorIs(t, env.mgr.Destroy(AuthContext{AccountID: "alice"}, some.ID()), consts.ErrWaitSetNotFound)

	require.NoError(t, env.mgr.Destroy(AuthContext{IsAdmin: true}, all.ID()))
	assert.Equal(t, map[string]int{kindSome: 0, kindAll: 0}, env.mgr.Counts())
}

func TestDestroyedWaitSetIgnoresLaterLoads(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	ws := env.createSome(t, "owner", WaitSetAccount{AccountID: "carol"})
	require.NoError(t, env.mgr.Destroy(AuthContext{IsAdmin: true}, ws.ID()))

	mbox := env.load(t, "carol")
	assert.Equal(t, 0, mbox.ListenerCount())
}

func TestSweepSkipsPendingCallbacks(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{IdleTimeout: 10 * time.Minute})
	idle := env.createSome(t, "owner")
	waiting := env.createSome(t, "owner")
	cb := doWait(t, waiting, "0")

	env.clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, env.mgr.Sweep(env.clock.Now()))

	env.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, env.mgr.Sweep(env.clock.Now()))
	_, err := env.mgr.Lookup(idle.ID())
	assert.ErrorIs(t, err, consts.ErrWaitSetNotFound)

	env.clock.Advance(time.Hour)
	assert.Equal(t, 0, env.mgr.Sweep(env.clock.Now()), "a waitset with a pending callback is never swept")
	requireNoDelivery(t, cb)

	require.True(t, waiting.DoneWaiting(cb))
	env.clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, env.mgr.Sweep(env.clock.Now()))
	assert.Equal(t, 0, env.mgr.CountForOwner("owner"))
}

func TestBackgroundSweeper(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{IdleTimeout: time.Minute, SweepInterval: 5 * time.Millisecond})
	env.createSome(t, "owner")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.mgr.Start(ctx)

	env.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return env.mgr.CountForOwner("owner") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopCancelsEverything(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	some := env.createSome(t, "owner")
	all := env.createAll(t, "admin", mailbox.TypeMessage)
	cbSome := doWait(t, some, "0")
	cbAll := doWait(t, all, "0")

	env.mgr.Stop()
	assert.True(t, requireDelivery(t, cbSome).Cancelled)
	assert.True(t, requireDelivery(t, cbAll).Cancelled)
	assert.Empty(t, env.mgr.List(""))
	assert.Equal(t, 0, env.mgr.Interest().Len())
}

func TestListAndInfo(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	env.load(t, "alice")
	a := env.createSome(t, "alice", WaitSetAccount{AccountID: "alice", Folders: []int64{2}})
	env.createSome(t, "bob")

	all := env.mgr.List("")
	require.Len(t, all, 2)
	assert.Less(t, all[0].ID, all[1].ID)

	mine := env.mgr.List("alice")
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID(), mine[0].ID)

	info, err := env.mgr.Info(a.ID())
	require.NoError(t, err)
	assert.Equal(t, kindSome, info.Type)
	assert.Equal(t, "m", info.DefaultInterest)
	assert.Equal(t, "0", info.CurrentSeqNo)
	assert.Equal(t, "1", info.NextSeqNo)
	require.Len(t, info.Accounts, 1)
	assert.Equal(t, AccountInfo{AccountID: "alice", Interests: "m", Folders: []int64{2}, HasSession: true}, info.Accounts[0])

	_, err = env.mgr.Info("WaitSet-missing")
	assert.ErrorIs(t, err, consts.ErrWaitSetNotFound)
}

func TestManagerStats(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	env.load(t, "alice")
	env.createSome(t, "owner", WaitSetAccount{AccountID: "alice"})
	env.commit(t, "alice", message(1, 2))

	stats, err := env.mgr.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WaitSets[kindSome])
	assert.Equal(t, 1, stats.Sessions[TypeWaitSet.String()])
	assert.Equal(t, 1, stats.MailboxesLoaded)
	assert.Equal(t, uint64(1), stats.JournalHead)
}
