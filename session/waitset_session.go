package session

import (
	"sync"
	"sync/atomic"

	"github.com/migadu/notifyd/mailbox"
)

// WaitSetSession listens on one mailbox on behalf of a SomeAccountsWaitSet
// member and signals the waitset for changes matching the member's interest.
type WaitSetSession struct {
	id   string
	ws   *SomeAccountsWaitSet
	mbox *mailbox.Mailbox

	mu        sync.Mutex
	interests mailbox.ItemType
	folders   map[int64]struct{}
	syncToken int64

	closed atomic.Bool
}

func newWaitSetSession(id string, ws *SomeAccountsWaitSet, mbox *mailbox.Mailbox, acct WaitSetAccount) *WaitSetSession {
	s := &WaitSetSession{id: id, ws: ws, mbox: mbox}
	s.set(acct)
	return s
}

func (s *WaitSetSession) SessionID() string { return s.id }
func (s *WaitSetSession) AccountID() string { return s.mbox.AccountID() }
func (s *WaitSetSession) Type() Type        { return TypeWaitSet }

// WaitSetID is the id of the owning waitset.
func (s *WaitSetSession) WaitSetID() string { return s.ws.ID() }

func (s *WaitSetSession) set(acct WaitSetAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interests = acct.Interests
	s.syncToken = acct.SyncToken
	s.folders = folderSet(acct.Folders)
}

// NotifyPendingChanges suppresses changes already covered by the member's
// sync token and signals the waitset when the changed types intersect the
// member's interest.
func (s *WaitSetSession) NotifyPendingChanges(changeID int64, pms *mailbox.PendingModifications) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	interests, token, folders := s.interests, s.syncToken, s.folders
	s.mu.Unlock()

	if token > 0 && token >= changeID {
		return
	}
	if !pms.ChangedTypes().Intersects(interests) || !pms.TouchesFolders(folders) {
		return
	}
	s.ws.signal(s.AccountID())
}

// update applies new interests and sync token, then reconciles the
// waitset's signalled state with the mailbox position.
func (s *WaitSetSession) update(acct WaitSetAccount) {
	s.set(acct)
	s.checkConsistency()
}

// checkConsistency signals when the mailbox has moved past the sync token
// and unsignals when the token already covers every change.
func (s *WaitSetSession) checkConsistency() {
	s.mu.Lock()
	token := s.syncToken
	s.mu.Unlock()
	if token <= 0 || s.closed.Load() {
		return
	}
	if s.mbox.LastChangeID() > token {
		s.ws.signal(s.AccountID())
	} else {
		s.ws.unsignal(s.AccountID())
	}
}

func (s *WaitSetSession) isLive() bool {
	return !s.closed.Load() && s.mbox.IsLoaded()
}

func (s *WaitSetSession) cleanup() {
	if s.closed.Swap(true) {
		return
	}
	s.mbox.RemoveListener(s)
}

func folderSet(ids []int64) map[int64]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
