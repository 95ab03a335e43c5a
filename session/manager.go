package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/notifyd/consts"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/metrics"
	"github.com/migadu/notifyd/server/idgen"
)

const (
	AllAccountsPrefix  = "AllWaitSet-"
	SomeAccountsPrefix = "WaitSet-"
)

// ManagerConfig holds the lifecycle limits of the waitset registry.
type ManagerConfig struct {
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	MaxPerOwner        int
	MaxBufferedCommits int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleTimeout:        20 * time.Minute,
		SweepInterval:      time.Minute,
		MaxPerOwner:        5,
		MaxBufferedCommits: 10000,
	}
}

// AuthContext identifies the caller of an administrative operation.
type AuthContext struct {
	AccountID string
	IsAdmin   bool
}

// Manager is the process-wide directory of live waitsets.
//
// Lock order: the registry lock is held only for map operations and is
// never held while a waitset lock is taken. Session cleanup runs after
// every lock is released.
type Manager struct {
	mailboxes *mailbox.Manager
	sessions  *Registry
	interest  *InterestTracker
	cfg       ManagerConfig
	now       func() time.Time

	mu      sync.RWMutex
	byID    map[string]WaitSet
	byOwner map[string]map[string]WaitSet

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager and installs its interest tracker as a
// commit hook on mailboxes.
func NewManager(mailboxes *mailbox.Manager, sessions *Registry, cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = def.MaxPerOwner
	}
	m := &Manager{
		mailboxes: mailboxes,
		sessions:  sessions,
		interest:  NewInterestTracker(),
		cfg:       cfg,
		now:       time.Now,
		byID:      make(map[string]WaitSet),
		byOwner:   make(map[string]map[string]WaitSet),
		stopCh:    make(chan struct{}),
	}
	mailboxes.AddCommitHook(m.interest)
	return m
}

func (m *Manager) Interest() *InterestTracker { return m.interest }

func (m *Manager) Sessions() *Registry { return m.sessions }

// CreateRequest describes a new waitset.
type CreateRequest struct {
	Owner           string
	AllowMultiple   bool
	DefaultInterest mailbox.ItemType
	AllAccounts     bool
	Accounts        []WaitSetAccount
}

// Create registers a new waitset. Unless AllowMultiple is set, an owner at
// quota first loses its least recently accessed waitset of the same kind.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (WaitSet, []WaitSetError, error) {
	if req.DefaultInterest == mailbox.TypeNone {
		return nil, nil, fmt.Errorf("%w: default interest is empty", consts.ErrInvalidInterest)
	}
	if !req.AllowMultiple {
		m.enforceQuota(req.Owner, req.AllAccounts)
	}

	if req.AllAccounts {
		head, err := m.mailboxes.Journal().Latest(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read journal head: %w", err)
		}
		ws, err := m.createAllAccounts(ctx, idgen.New(AllAccountsPrefix), req.Owner, req.DefaultInterest, head)
		return ws, nil, err
	}

	ws := newSomeAccountsWaitSet(idgen.New(SomeAccountsPrefix), req.Owner, req.DefaultInterest, m.mailboxes, m.sessions, m.now)
	m.mailboxes.AddLifecycleListener(ws)
	m.register(ws)

	errs, err := ws.applyMembership(ctx, req.Accounts, nil, nil)
	if err != nil {
		return nil, errs, err
	}
	logger.Info("WaitSet created", "waitset", ws.ID(), "owner", req.Owner, "accounts", len(req.Accounts),
		"interest", req.DefaultInterest.String())
	return ws, errs, nil
}

// createAllAccounts registers an all-accounts waitset and resynchronizes it
// from lastKnown. On failure the waitset is torn down and unregistered.
func (m *Manager) createAllAccounts(ctx context.Context, id, owner string, interest mailbox.ItemType, lastKnown mailbox.CommitID) (WaitSet, error) {
	ws := newAllAccountsWaitSet(id, owner, interest, m.cfg.MaxBufferedCommits, m.now)

	if existing := m.registerIfAbsent(ws); existing != nil {
		return existing, nil
	}
	m.interest.Add(ws)

	if err := ws.resync(ctx, m.mailboxes.Journal(), lastKnown); err != nil {
		metrics.WaitSetResyncs.WithLabelValues("failure").Inc()
		logger.Warn("WaitSet resync failed", "waitset", id, "owner", owner, "seq", lastKnown.String(), "error", err)
		m.remove(ws, "resync_failed", nil)
		return nil, err
	}
	metrics.WaitSetResyncs.WithLabelValues("success").Inc()
	logger.Info("WaitSet created", "waitset", id, "owner", owner, "type", kindAll,
		"interest", interest.String(), "seq", lastKnown.String())
	return ws, nil
}

func (m *Manager) register(ws WaitSet) {
	m.registerIfAbsent(ws)
}

// registerIfAbsent adds ws to both indexes, returning the waitset already
// registered under the same id if there is one.
func (m *Manager) registerIfAbsent(ws WaitSet) WaitSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byID[ws.ID()]; ok {
		return existing
	}
	m.byID[ws.ID()] = ws
	owned := m.byOwner[ws.Owner()]
	if owned == nil {
		owned = make(map[string]WaitSet)
		m.byOwner[ws.Owner()] = owned
	}
	owned[ws.ID()] = ws
	metrics.WaitSetsCreated.WithLabelValues(kindOf(ws)).Inc()
	return nil
}

func (m *Manager) enforceQuota(owner string, allAccounts bool) {
	for {
		m.mu.RLock()
		var candidates []WaitSet
		for _, ws := range m.byOwner[owner] {
			if ws.IsAllAccounts() == allAccounts {
				candidates = append(candidates, ws)
			}
		}
		m.mu.RUnlock()

		if len(candidates) < m.cfg.MaxPerOwner {
			return
		}
		oldest := candidates[0]
		oldestAt := oldest.LastAccessed()
		for _, ws := range candidates[1:] {
			if at := ws.LastAccessed(); at.Before(oldestAt) {
				oldest, oldestAt = ws, at
			}
		}
		logger.Info("WaitSet quota reached, evicting least recently used", "owner", owner, "waitset", oldest.ID(),
			"max", m.cfg.MaxPerOwner)
		if !m.remove(oldest, "evicted", nil) {
			m.unlink(oldest)
		}
	}
}

// Destroy removes a waitset on behalf of auth. All-accounts waitsets
// require an administrator; others require the owner or an administrator.
func (m *Manager) Destroy(auth AuthContext, id string) error {
	m.mu.RLock()
	ws, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return consts.ErrWaitSetNotFound
	}
	if !auth.IsAdmin && (ws.IsAllAccounts() || auth.AccountID != ws.Owner()) {
		return consts.ErrNotPermitted
	}
	if !m.remove(ws, "destroyed", nil) {
		return consts.ErrWaitSetNotFound
	}
	logger.Info("WaitSet destroyed", "waitset", id, "by", auth.AccountID, "admin", auth.IsAdmin)
	return nil
}

// remove tombstones ws under its own lock, unlinks it under the registry
// lock and runs cleanup after both are released.
func (m *Manager) remove(ws WaitSet, reason string, cond func(b *waitSetBase) bool) bool {
	cleanups, ok := ws.destroyIf(cond)
	if !ok {
		return false
	}
	m.unlink(ws)
	if all, isAll := ws.(*AllAccountsWaitSet); isAll {
		m.interest.Remove(all)
	}
	for _, fn := range cleanups {
		fn()
	}
	metrics.WaitSetsDestroyed.WithLabelValues(kindOf(ws), reason).Inc()
	return true
}

func (m *Manager) unlink(ws WaitSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[ws.ID()] == ws {
		delete(m.byID, ws.ID())
	}
	if owned := m.byOwner[ws.Owner()]; owned != nil {
		if owned[ws.ID()] == ws {
			delete(owned, ws.ID())
		}
		if len(owned) == 0 {
			delete(m.byOwner, ws.Owner())
		}
	}
}

// Lookup returns a live waitset and marks it accessed.
func (m *Manager) Lookup(id string) (WaitSet, error) {
	m.mu.RLock()
	ws, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, consts.ErrWaitSetNotFound
	}
	ws.base().touch()
	return ws, nil
}

// LookupOrCreateForAllAccounts returns the all-accounts waitset id, or
// recreates it from lastKnownSeqNo when it is no longer registered.
func (m *Manager) LookupOrCreateForAllAccounts(ctx context.Context, owner, id string, interest mailbox.ItemType, lastKnownSeqNo string) (WaitSet, error) {
	ws, err := m.Lookup(id)
	if err == nil {
		if !ws.IsAllAccounts() {
			return nil, consts.ErrNotAllAccounts
		}
		return ws, nil
	}
	if !strings.HasPrefix(id, AllAccountsPrefix) {
		return nil, consts.ErrWaitSetNotFound
	}
	if interest == mailbox.TypeNone {
		return nil, fmt.Errorf("%w: default interest is empty", consts.ErrInvalidInterest)
	}
	if lastKnownSeqNo == "" {
		lastKnownSeqNo = "0"
	}
	lastKnown, err := mailbox.ParseCommitID(lastKnownSeqNo)
	if err != nil {
		return nil, err
	}
	logger.Info("Recreating all-accounts waitset", "waitset", id, "owner", owner, "seq", lastKnownSeqNo)
	return m.createAllAccounts(ctx, id, owner, interest, lastKnown)
}

// Sweep destroys waitsets idle for longer than the idle timeout. Waitsets
// with a pending callback are never swept.
func (m *Manager) Sweep(now time.Time) int {
	start := time.Now()
	defer func() { metrics.WaitSetSweepDuration.Observe(time.Since(start).Seconds()) }()

	m.mu.RLock()
	all := make([]WaitSet, 0, len(m.byID))
	for _, ws := range m.byID {
		all = append(all, ws)
	}
	m.mu.RUnlock()

	timeout := m.cfg.IdleTimeout
	swept := 0
	for _, ws := range all {
		if m.sweepOne(ws, now, timeout) {
			swept++
		}
	}
	return swept
}

func (m *Manager) sweepOne(ws WaitSet, now time.Time, timeout time.Duration) (swept bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while sweeping waitset", "waitset", ws.ID(), "owner", ws.Owner(), "panic", r)
			swept = false
		}
	}()
	swept = m.remove(ws, "idle", func(b *waitSetBase) bool { return b.idleFor(now, timeout) })
	if swept {
		logger.Info("WaitSet swept", "waitset", ws.ID(), "owner", ws.Owner(), "idle_timeout", timeout)
	}
	return swept
}

// Start runs the idle sweep in the background until ctx is done or Stop is
// called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		logger.Info("WaitSet sweeper started", "interval", m.cfg.SweepInterval, "idle_timeout", m.cfg.IdleTimeout)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.Sweep(m.now()); n > 0 {
					logger.Info("Swept idle waitsets", "count", n)
				}
			}
		}
	}()
}

// Stop halts the sweeper and destroys every waitset, cancelling pending
// callbacks.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.RLock()
	all := make([]WaitSet, 0, len(m.byID))
	for _, ws := range m.byID {
		all = append(all, ws)
	}
	m.mu.RUnlock()
	for _, ws := range all {
		m.remove(ws, "shutdown", nil)
	}
}

// Info returns diagnostics for one waitset.
func (m *Manager) Info(id string) (Info, error) {
	m.mu.RLock()
	ws, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return Info{}, consts.ErrWaitSetNotFound
	}
	return ws.Info(), nil
}

// List returns diagnostics for every waitset, ordered by id. An empty owner
// lists all owners.
func (m *Manager) List(owner string) []Info {
	m.mu.RLock()
	var sets []WaitSet
	if owner == "" {
		sets = make([]WaitSet, 0, len(m.byID))
		for _, ws := range m.byID {
			sets = append(sets, ws)
		}
	} else {
		for _, ws := range m.byOwner[owner] {
			sets = append(sets, ws)
		}
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sets))
	for _, ws := range sets {
		infos = append(infos, ws.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Counts returns the number of waitsets per kind.
func (m *Manager) Counts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[string]int{kindSome: 0, kindAll: 0}
	for _, ws := range m.byID {
		counts[kindOf(ws)]++
	}
	return counts
}

func (m *Manager) CountForOwner(owner string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byOwner[owner])
}

// Stats implements metrics.StatsProvider.
func (m *Manager) Stats(ctx context.Context) (metrics.Stats, error) {
	head, err := m.mailboxes.Journal().Latest(ctx)
	if err != nil {
		return metrics.Stats{}, err
	}
	return metrics.Stats{
		WaitSets:        m.Counts(),
		Sessions:        m.sessions.Counts(),
		MailboxesLoaded: m.mailboxes.LoadedCount(),
		JournalHead:     uint64(head),
	}, nil
}

func kindOf(ws WaitSet) string {
	if ws.IsAllAccounts() {
		return kindAll
	}
	return kindSome
}
