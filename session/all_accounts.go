package session

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/notifyd/consts"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
)

// BufferedCommit is a commit observed while a resync was in progress.
type BufferedCommit struct {
	AccountID string           `json:"account_id"`
	CommitID  mailbox.CommitID `json:"commit_id"`
}

// AllAccountsWaitSet listens on every account of the server. It is driven
// by the commit hook rather than per-account sessions, and its sequence
// numbers are journal commit ids.
type AllAccountsWaitSet struct {
	waitSetBase

	maxBuffered int

	// guarded by waitSetBase.mu
	currentSeqNo string
	nextSeqNo    mailbox.CommitID
	buffering    bool
	buffer       []BufferedCommit
	overflowed   bool
}

// newAllAccountsWaitSet returns a waitset that buffers matching commits
// until resync completes.
func newAllAccountsWaitSet(id, owner string, interest mailbox.ItemType, maxBuffered int, now func() time.Time) *AllAccountsWaitSet {
	ws := &AllAccountsWaitSet{
		maxBuffered: maxBuffered,
		buffering:   true,
	}
	ws.init(ws, ws, id, owner, kindAll, interest, now)
	return ws
}

func (ws *AllAccountsWaitSet) IsAllAccounts() bool { return true }

func (ws *AllAccountsWaitSet) isCallbackCurrent() bool {
	return ws.waitSetBase.cbSeqNo == ws.currentSeqNo
}

func (ws *AllAccountsWaitSet) advanceSequence() string {
	ws.currentSeqNo = ws.nextSeqNo.String()
	return ws.currentSeqNo
}

// CurrentSeqNo returns the commit id of the last delivery.
func (ws *AllAccountsWaitSet) CurrentSeqNo() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.currentSeqNo
}

func (ws *AllAccountsWaitSet) DoWait(_ context.Context, cb Callback, lastKnownSeqNo string, _, _ []WaitSetAccount, _ []string) ([]WaitSetError, error) {
	if lastKnownSeqNo == "" {
		lastKnownSeqNo = "0"
	}
	lastKnown, err := mailbox.ParseCommitID(lastKnownSeqNo)
	if err != nil {
		return nil, consts.ErrInvalidSequence
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.destroyed {
		return nil, consts.ErrWaitSetDestroyed
	}
	if cb == nil {
		ws.cancelCallbackLocked()
		ws.lastAccessed = ws.now()
		return nil, nil
	}
	// nextSeqNo is at least the journal head seen by resync, so no delivered
	// or resynced sequence can be ahead of it.
	if !ws.buffering && lastKnown > ws.nextSeqNo {
		return nil, fmt.Errorf("%w: %s is ahead of %s", consts.ErrInvalidSequence, lastKnown, ws.nextSeqNo)
	}
	ws.setCallbackLocked(cb, lastKnown.String())
	return nil, nil
}

// mailboxChangeCommitted receives one committed transaction.
func (ws *AllAccountsWaitSet) mailboxChangeCommitted(commitID string, accountID string, types mailbox.ItemType) {
	if !types.Intersects(ws.defaultInterest) {
		return
	}
	id, err := mailbox.ParseCommitID(commitID)
	if err != nil {
		logger.Warn("Ignoring commit with invalid id", "waitset", ws.id, "account", accountID, "commit", commitID)
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.destroyed {
		return
	}
	if ws.buffering {
		if ws.maxBuffered > 0 && len(ws.buffer) >= ws.maxBuffered {
			ws.overflowed = true
			return
		}
		ws.buffer = append(ws.buffer, BufferedCommit{AccountID: accountID, CommitID: id})
		return
	}
	ws.signalDataReadyLocked(accountID, id)
}

// signalDataReadyLocked records id as the pending sequence and signals the
// account. The pending sequence never moves backwards, so deliveries follow
// journal order even when hooks race.
func (ws *AllAccountsWaitSet) signalDataReadyLocked(accountID string, id mailbox.CommitID) {
	if id > ws.nextSeqNo {
		ws.nextSeqNo = id
	}
	ws.signalLocked(accountID)
}

// resync resolves lastKnown through the journal, merges the changed
// accounts and the commits buffered meanwhile, and stops buffering.
func (ws *AllAccountsWaitSet) resync(ctx context.Context, journal mailbox.Journal, lastKnown mailbox.CommitID) error {
	accounts, head, err := journal.ChangedSince(ctx, lastKnown, ws.defaultInterest)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if err != nil {
		ws.buffering = false
		ws.buffer = nil
		return fmt.Errorf("%w: cannot resolve commit %s: %v", consts.ErrResyncFailed, lastKnown, err)
	}
	if ws.overflowed {
		ws.buffering = false
		ws.buffer = nil
		return fmt.Errorf("%w: more than %d commits during resync", consts.ErrResyncBufferOverflow, ws.maxBuffered)
	}

	ws.currentSeqNo = lastKnown.String()
	ws.nextSeqNo = head
	for _, a := range accounts {
		ws.signalled[a] = struct{}{}
	}
	for _, c := range ws.buffer {
		if c.CommitID <= lastKnown {
			continue
		}
		if c.CommitID > ws.nextSeqNo {
			ws.nextSeqNo = c.CommitID
		}
		ws.signalled[c.AccountID] = struct{}{}
	}
	ws.buffer = nil
	ws.buffering = false
	ws.trySendDataLocked()
	return nil
}

func (ws *AllAccountsWaitSet) destroyIf(cond func(b *waitSetBase) bool) ([]func(), bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.destroyed || (cond != nil && !cond(&ws.waitSetBase)) {
		return nil, false
	}
	ws.destroyed = true
	ws.cancelCallbackLocked()
	ws.buffer = nil
	ws.buffering = false
	return nil, true
}

func (ws *AllAccountsWaitSet) Info() Info {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	info := ws.baseInfoLocked()
	info.CurrentSeqNo = ws.currentSeqNo
	info.NextSeqNo = ws.nextSeqNo.String()
	info.Buffering = ws.buffering
	if len(ws.buffer) > 0 {
		info.Buffered = append([]BufferedCommit(nil), ws.buffer...)
	}
	return info
}
