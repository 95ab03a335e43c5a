package session

import (
	"sync"

	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/metrics"
)

// maxSentBatches bounds the unacknowledged batches kept for a client that
// never acknowledges.
const maxSentBatches = 20

// Notification is one batch of changes delivered under a sequence number.
type Notification struct {
	Sequence     int              `json:"seq"`
	LastChangeID int64            `json:"change_id"`
	Changes      []mailbox.Change `json:"changes"`
}

// NotificationsResult is returned by NotificationSession.Notifications.
type NotificationsResult struct {
	// Sequence is the highest sequence in Batches, or the last sequence
	// handed out when nothing is pending.
	Sequence int `json:"seq"`
	// Refresh is set when queued changes were discarded and the client must
	// reload its view of the mailbox.
	Refresh      bool           `json:"refresh"`
	LastChangeID int64          `json:"change_id"`
	Batches      []Notification `json:"notifications"`
}

type queuedNotifications struct {
	sequence     int
	lastChangeID int64
	changes      *mailbox.PendingModifications
}

func (q *queuedNotifications) count() int { return q.changes.Count() }

func (q *queuedNotifications) hasNotifications() bool { return q.changes.HasNotifications() }

func (q *queuedNotifications) clear() { q.changes = mailbox.NewPendingModifications() }

// NotificationSession queues the changes of one mailbox for a polling
// client. Batches stay queued until the client acknowledges their sequence.
type NotificationSession struct {
	id        string
	accountID string
	typ       Type
	mbox      *mailbox.Mailbox
	maxQueued int

	mu           sync.Mutex
	pending      *queuedNotifications
	sent         []*queuedNotifications
	forceRefresh int
	changed      chan struct{}
}

// NewNotificationSession creates a session listening on mbox. The caller
// registers it with a Registry. maxQueued of zero disables overflow handling.
func NewNotificationSession(id string, typ Type, mbox *mailbox.Mailbox, maxQueued int) *NotificationSession {
	s := &NotificationSession{
		id:        id,
		accountID: mbox.AccountID(),
		typ:       typ,
		mbox:      mbox,
		maxQueued: maxQueued,
		pending:   &queuedNotifications{sequence: 1, changes: mailbox.NewPendingModifications()},
		changed:   make(chan struct{}, 1),
	}
	mbox.AddListener(s)
	return s
}

func (s *NotificationSession) SessionID() string { return s.id }
func (s *NotificationSession) AccountID() string { return s.accountID }
func (s *NotificationSession) Type() Type        { return s.typ }

// Changed is signalled, without blocking, whenever changes are queued.
func (s *NotificationSession) Changed() <-chan struct{} { return s.changed }

func (s *NotificationSession) NotifyPendingChanges(changeID int64, pms *mailbox.PendingModifications) {
	if !pms.HasNotifications() {
		return
	}
	s.mu.Lock()
	if !s.skipNotificationsLocked(pms.Count()) {
		s.pending.changes.Merge(pms)
		s.pending.lastChangeID = changeID
	}
	s.mu.Unlock()

	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// skipNotificationsLocked discards queued batches that would overflow the
// limit and reports whether the incoming changes should be dropped because
// a refresh is already due.
func (s *NotificationSession) skipNotificationsLocked(incoming int) bool {
	current := s.pending.sequence
	if s.forceRefresh == current {
		return true
	}
	if s.maxQueued <= 0 {
		return false
	}

	count := incoming + s.pending.count()
	if count > s.maxQueued {
		s.pending.clear()
		s.forceRefresh = current
		metrics.NotificationOverflows.Inc()
		logger.Debug("Notification queue overflow", "session", s.id, "account", s.accountID, "seq", current)
	}
	for _, q := range s.sent {
		count += q.count()
		if count > s.maxQueued {
			q.clear()
			s.forceRefresh = max(s.forceRefresh, q.sequence)
		}
	}
	return s.forceRefresh == current
}

func (s *NotificationSession) requiresRefreshLocked(lastSequence int) bool {
	current := s.pending.sequence
	if lastSequence <= 0 {
		return s.forceRefresh == current
	}
	return s.forceRefresh > min(lastSequence, current)
}

func (s *NotificationSession) acknowledgeLocked(sequence int) {
	if sequence <= 0 {
		s.sent = nil
		return
	}
	i := 0
	for i < len(s.sent) && s.sent[i].sequence <= sequence {
		i++
	}
	s.sent = s.sent[i:]
}

// Notifications acknowledges every batch up to lastSequence, moves pending
// changes into a new batch and returns all unacknowledged batches.
func (s *NotificationSession) Notifications(lastSequence int) NotificationsResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acknowledgeLocked(lastSequence)
	if len(s.sent) > maxSentBatches {
		logger.Warn("Clearing abnormally long notification list", "session", s.id, "account", s.accountID, "batches", len(s.sent))
		s.sent = nil
	}

	refresh := s.requiresRefreshLocked(lastSequence)
	if s.pending.hasNotifications() || refresh {
		s.sent = append(s.sent, s.pending)
		s.pending = &queuedNotifications{sequence: s.pending.sequence + 1, changes: mailbox.NewPendingModifications()}
	}

	res := NotificationsResult{
		Sequence:     s.pending.sequence - 1,
		Refresh:      refresh,
		LastChangeID: s.mbox.LastChangeID(),
	}
	for i, q := range s.sent {
		if q.hasNotifications() || i == len(s.sent)-1 {
			res.Batches = append(res.Batches, Notification{
				Sequence:     q.sequence,
				LastChangeID: q.lastChangeID,
				Changes:      q.changes.Changes(),
			})
		}
	}
	return res
}

func (s *NotificationSession) cleanup() {
	s.mbox.RemoveListener(s)
}
