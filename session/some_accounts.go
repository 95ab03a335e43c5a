package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/migadu/notifyd/consts"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/server/idgen"
)

const waitSetSessionPrefix = "WaitSetSession-"

// WaitSetAccount is the membership record of one account in a
// SomeAccountsWaitSet. The session is a cache of "actively listening" that
// may vanish at any time; it is re-derived from the record on demand.
type WaitSetAccount struct {
	AccountID string
	// Interests of zero means the waitset's default interest.
	Interests mailbox.ItemType
	// Folders narrows signals to changes in these folder ids.
	Folders []int64
	// SyncToken is the last change id the client has seen. Zero means none.
	SyncToken int64

	session *WaitSetSession
}

// Session returns the live session, or nil when it was cleaned up or its
// mailbox was unloaded.
func (a *WaitSetAccount) Session() *WaitSetSession {
	if a.session == nil || !a.session.isLive() {
		return nil
	}
	return a.session
}

// SomeAccountsWaitSet listens on an explicit, client managed set of accounts
// through one WaitSetSession per account.
type SomeAccountsWaitSet struct {
	waitSetBase

	mailboxes *mailbox.Manager
	registry  *Registry

	// guarded by waitSetBase.mu
	accounts     map[string]*WaitSetAccount
	currentSeqNo int64
	cbSeq        int64
}

func newSomeAccountsWaitSet(id, owner string, interest mailbox.ItemType, mailboxes *mailbox.Manager, registry *Registry, now func() time.Time) *SomeAccountsWaitSet {
	ws := &SomeAccountsWaitSet{
		mailboxes: mailboxes,
		registry:  registry,
		accounts:  make(map[string]*WaitSetAccount),
	}
	ws.init(ws, ws, id, owner, kindSome, interest, now)
	return ws
}

func (ws *SomeAccountsWaitSet) IsAllAccounts() bool { return false }

func (ws *SomeAccountsWaitSet) isCallbackCurrent() bool {
	return ws.cbSeq == ws.currentSeqNo
}

func (ws *SomeAccountsWaitSet) advanceSequence() string {
	ws.currentSeqNo++
	return strconv.FormatInt(ws.currentSeqNo, 10)
}

// CurrentSeqNo returns the sequence of the last delivery.
func (ws *SomeAccountsWaitSet) CurrentSeqNo() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return strconv.FormatInt(ws.currentSeqNo, 10)
}

func (ws *SomeAccountsWaitSet) withDefaults(a WaitSetAccount) WaitSetAccount {
	if a.Interests == mailbox.TypeNone {
		a.Interests = ws.defaultInterest
	}
	a.session = nil
	return a
}

func (ws *SomeAccountsWaitSet) DoWait(ctx context.Context, cb Callback, lastKnownSeqNo string, add, update []WaitSetAccount, remove []string) ([]WaitSetError, error) {
	seqNo, err := parseSeqNo(lastKnownSeqNo)
	if err != nil || seqNo < 0 {
		return nil, consts.ErrInvalidSequence
	}

	errs, err := ws.applyMembership(ctx, add, update, remove)
	if err != nil {
		return errs, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.destroyed {
		return errs, consts.ErrWaitSetDestroyed
	}
	if cb == nil {
		ws.cancelCallbackLocked()
		ws.lastAccessed = ws.now()
		return errs, nil
	}
	// Recorded before setCallbackLocked so isCallbackCurrent sees it.
	ws.cbSeq = seqNo
	ws.setCallbackLocked(cb, strconv.FormatInt(seqNo, 10))
	return errs, nil
}

// applyMembership records adds, updates and removes, then performs all
// mailbox work after releasing the waitset lock.
func (ws *SomeAccountsWaitSet) applyMembership(ctx context.Context, add, update []WaitSetAccount, remove []string) ([]WaitSetError, error) {
	var (
		errs    []WaitSetError
		added   []WaitSetAccount
		updated []*WaitSetSession
		removed []*WaitSetSession
	)

	ws.mu.Lock()
	if ws.destroyed {
		ws.mu.Unlock()
		return nil, consts.ErrWaitSetDestroyed
	}
	ws.lastAccessed = ws.now()

	for _, a := range add {
		if _, exists := ws.accounts[a.AccountID]; exists {
			errs = append(errs, WaitSetError{AccountID: a.AccountID, Code: CodeAlreadyInSetDuringAdd})
			continue
		}
		a = ws.withDefaults(a)
		ws.accounts[a.AccountID] = &a
		added = append(added, a)
	}
	for _, u := range update {
		member, ok := ws.accounts[u.AccountID]
		if !ok {
			errs = append(errs, WaitSetError{AccountID: u.AccountID, Code: CodeNotInSetDuringUpdate})
			continue
		}
		u = ws.withDefaults(u)
		member.Interests = u.Interests
		member.Folders = u.Folders
		member.SyncToken = u.SyncToken
		if s := member.Session(); s != nil {
			updated = append(updated, s)
		}
	}
	for _, id := range remove {
		member, ok := ws.accounts[id]
		if !ok {
			errs = append(errs, WaitSetError{AccountID: id, Code: CodeNotInSetDuringRemove})
			continue
		}
		delete(ws.accounts, id)
		delete(ws.signalled, id)
		delete(ws.sent, id)
		if member.session != nil {
			removed = append(removed, member.session)
		}
	}
	snapshot := make(map[*WaitSetSession]WaitSetAccount, len(updated))
	for _, s := range updated {
		snapshot[s] = *ws.accounts[s.AccountID()]
	}
	ws.mu.Unlock()

	for _, s := range removed {
		ws.releaseSession(s)
	}
	for _, s := range updated {
		s.update(snapshot[s])
	}
	for _, a := range added {
		if e := ws.initAccount(ctx, a); e != nil {
			errs = append(errs, *e)
		}
	}
	return errs, nil
}

// initAccount resolves the member's mailbox and starts listening. Clients
// without a sync token do not force a mailbox load.
func (ws *SomeAccountsWaitSet) initAccount(ctx context.Context, a WaitSetAccount) *WaitSetError {
	mode := mailbox.FetchIfLoaded
	if a.SyncToken > 0 {
		mode = mailbox.FetchAutoCreate
	}
	mbox, err := ws.mailboxes.GetMailboxByAccountID(ctx, a.AccountID, mode)
	if err != nil {
		code := CodeErrorLoadingMailbox
		permanent := false
		switch {
		case errors.Is(err, mailbox.ErrNoSuchAccount):
			code, permanent = CodeNoSuchAccount, true
		case errors.Is(err, mailbox.ErrWrongHost):
			code, permanent = CodeWrongHostForAccount, true
		case errors.Is(err, mailbox.ErrMaintenanceMode):
			code = CodeMaintenanceMode
		default:
			logger.Warn("Failed to load mailbox for waitset", "waitset", ws.id, "account", a.AccountID, "error", err)
		}
		if permanent {
			ws.mu.Lock()
			delete(ws.accounts, a.AccountID)
			ws.mu.Unlock()
		}
		return &WaitSetError{AccountID: a.AccountID, Code: code}
	}
	if mbox != nil {
		ws.attachSession(mbox)
	}
	return nil
}

// attachSession creates a session for the member owning mbox unless it
// already has a live one.
func (ws *SomeAccountsWaitSet) attachSession(mbox *mailbox.Mailbox) {
	accountID := mbox.AccountID()

	ws.mu.Lock()
	member, ok := ws.accounts[accountID]
	if ws.destroyed || !ok || member.Session() != nil {
		ws.mu.Unlock()
		return
	}
	acct := *member
	ws.mu.Unlock()

	s := newWaitSetSession(idgen.New(waitSetSessionPrefix), ws, mbox, acct)
	mbox.AddListener(s)
	if ws.registry != nil {
		if err := ws.registry.Register(s); err != nil {
			logger.Warn("Failed to register waitset session", "waitset", ws.id, "account", accountID, "error", err)
		}
	}

	ws.mu.Lock()
	member, ok = ws.accounts[accountID]
	if ws.destroyed || !ok || member.Session() != nil {
		ws.mu.Unlock()
		ws.releaseSession(s)
		return
	}
	stale := member.session
	member.session = s
	acct = *member
	ws.mu.Unlock()

	if stale != nil {
		ws.releaseSession(stale)
	}
	s.set(acct)
	s.checkConsistency()
}

// MailboxLoaded re-creates the session of a member whose mailbox was loaded.
func (ws *SomeAccountsWaitSet) MailboxLoaded(mbox *mailbox.Mailbox) {
	ws.attachSession(mbox)
}

func (ws *SomeAccountsWaitSet) signal(accountID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.destroyed {
		return
	}
	if _, ok := ws.accounts[accountID]; !ok {
		return
	}
	ws.signalLocked(accountID)
}

func (ws *SomeAccountsWaitSet) unsignal(accountID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.unsignalLocked(accountID)
}

func (ws *SomeAccountsWaitSet) releaseSession(s *WaitSetSession) {
	if ws.registry != nil {
		if _, ok := ws.registry.Unregister(TypeWaitSet, s.AccountID(), s.SessionID()); ok {
			return
		}
	}
	s.cleanup()
}

func (ws *SomeAccountsWaitSet) destroyIf(cond func(b *waitSetBase) bool) ([]func(), bool) {
	ws.mu.Lock()
	if ws.destroyed || (cond != nil && !cond(&ws.waitSetBase)) {
		ws.mu.Unlock()
		return nil, false
	}
	ws.destroyed = true
	ws.cancelCallbackLocked()
	var sessions []*WaitSetSession
	for _, member := range ws.accounts {
		if member.session != nil {
			sessions = append(sessions, member.session)
		}
	}
	ws.accounts = make(map[string]*WaitSetAccount)
	ws.mu.Unlock()

	cleanups := make([]func(), 0, len(sessions)+1)
	cleanups = append(cleanups, func() { ws.mailboxes.RemoveLifecycleListener(ws) })
	for _, s := range sessions {
		cleanups = append(cleanups, func() { ws.releaseSession(s) })
	}
	return cleanups, true
}

// Accounts returns a copy of the membership records.
func (ws *SomeAccountsWaitSet) Accounts() []WaitSetAccount {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]WaitSetAccount, 0, len(ws.accounts))
	for _, a := range ws.accounts {
		c := *a
		c.session = nil
		out = append(out, c)
	}
	return out
}

func (ws *SomeAccountsWaitSet) Info() Info {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	info := ws.baseInfoLocked()
	info.CurrentSeqNo = strconv.FormatInt(ws.currentSeqNo, 10)
	info.NextSeqNo = strconv.FormatInt(ws.currentSeqNo+1, 10)
	for _, a := range ws.accounts {
		info.Accounts = append(info.Accounts, AccountInfo{
			AccountID:  a.AccountID,
			Interests:  a.Interests.String(),
			Folders:    a.Folders,
			SyncToken:  a.SyncToken,
			HasSession: a.Session() != nil,
		})
	}
	sortAccountInfo(info.Accounts)
	return info
}
