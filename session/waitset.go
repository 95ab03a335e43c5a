package session

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/metrics"
)

// Callback receives waitset deliveries. DataReady is called with the waitset
// lock held, so it must not block or call back into the waitset.
type Callback interface {
	DataReady(ws WaitSet, seq string, cancelled bool, accounts []string)
}

// Delivery is a callback invocation captured by ChanCallback.
type Delivery struct {
	Seq       string
	Cancelled bool
	Accounts  []string
}

// ChanCallback forwards its single delivery to a buffered channel.
type ChanCallback struct {
	ch chan Delivery
}

func NewChanCallback() *ChanCallback {
	return &ChanCallback{ch: make(chan Delivery, 1)}
}

func (c *ChanCallback) DataReady(_ WaitSet, seq string, cancelled bool, accounts []string) {
	select {
	case c.ch <- Delivery{Seq: seq, Cancelled: cancelled, Accounts: accounts}:
	default:
	}
}

func (c *ChanCallback) C() <-chan Delivery { return c.ch }

// ErrorCode classifies per-account membership failures.
type ErrorCode string

const (
	CodeAlreadyInSetDuringAdd ErrorCode = "ALREADY_IN_SET_DURING_ADD"
	CodeNotInSetDuringUpdate  ErrorCode = "NOT_IN_SET_DURING_UPDATE"
	CodeNotInSetDuringRemove  ErrorCode = "NOT_IN_SET_DURING_REMOVE"
	CodeNoSuchAccount         ErrorCode = "NO_SUCH_ACCOUNT"
	CodeWrongHostForAccount   ErrorCode = "WRONG_HOST_FOR_ACCOUNT"
	CodeErrorLoadingMailbox   ErrorCode = "ERROR_LOADING_MAILBOX"
	CodeMaintenanceMode       ErrorCode = "MAINTENANCE_MODE"
	CodePermissionDenied      ErrorCode = "PERMISSION_DENIED"
)

// WaitSetError reports a failure affecting a single account. It never
// aborts the surrounding call.
type WaitSetError struct {
	AccountID string    `json:"account_id"`
	Code      ErrorCode `json:"code"`
}

func (e WaitSetError) Error() string {
	return string(e.Code) + ": " + e.AccountID
}

// WaitSet is a long-poll subscription over one or more accounts.
type WaitSet interface {
	ID() string
	Owner() string
	DefaultInterest() mailbox.ItemType
	IsAllAccounts() bool
	LastAccessed() time.Time

	// DoWait applies membership changes, cancels any pending callback and
	// registers cb, delivering immediately when data is ready. Membership
	// lists are ignored by all-accounts waitsets.
	DoWait(ctx context.Context, cb Callback, lastKnownSeqNo string, add, update []WaitSetAccount, remove []string) ([]WaitSetError, error)
	// DoneWaiting drops cb if it is still pending and reports whether it was.
	DoneWaiting(cb Callback) bool
	Info() Info

	base() *waitSetBase
	// destroyIf tombstones the waitset when cond holds under its lock and
	// returns the cleanup work to run after every lock is released.
	destroyIf(cond func(b *waitSetBase) bool) ([]func(), bool)
}

// sequencer abstracts the numbering scheme of a waitset variant. Both
// methods are called with the waitset lock held.
type sequencer interface {
	isCallbackCurrent() bool
	advanceSequence() string
}

// waitSetBase is the delivery state machine shared by both variants.
type waitSetBase struct {
	id              string
	owner           string
	defaultInterest mailbox.ItemType
	kind            string
	self            WaitSet
	seq             sequencer
	now             func() time.Time

	mu           sync.Mutex
	cb           Callback
	cbSeqNo      string
	signalled    map[string]struct{}
	sent         map[string]struct{}
	lastAccessed time.Time
	destroyed    bool
}

func (b *waitSetBase) init(self WaitSet, seq sequencer, id, owner, kind string, interest mailbox.ItemType, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	b.self = self
	b.seq = seq
	b.id = id
	b.owner = owner
	b.kind = kind
	b.defaultInterest = interest
	b.now = now
	b.signalled = make(map[string]struct{})
	b.sent = make(map[string]struct{})
	b.lastAccessed = now()
}

func (b *waitSetBase) ID() string                        { return b.id }
func (b *waitSetBase) Owner() string                     { return b.owner }
func (b *waitSetBase) DefaultInterest() mailbox.ItemType { return b.defaultInterest }
func (b *waitSetBase) base() *waitSetBase                { return b }

func (b *waitSetBase) LastAccessed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccessed
}

func (b *waitSetBase) touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccessed = b.now()
}

func (b *waitSetBase) hasPendingCallback() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb != nil
}

// idleFor reports whether the waitset has no pending callback and has not
// been accessed since now-timeout. Called with the lock held.
func (b *waitSetBase) idleFor(now time.Time, timeout time.Duration) bool {
	return b.cb == nil && now.Sub(b.lastAccessed) >= timeout
}

func (b *waitSetBase) DoneWaiting(cb Callback) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cb == nil || b.cb != cb {
		return false
	}
	b.cb = nil
	b.cbSeqNo = ""
	b.lastAccessed = b.now()
	return true
}

// cancelCallbackLocked resolves the pending callback as cancelled.
func (b *waitSetBase) cancelCallbackLocked() {
	if b.cb == nil {
		return
	}
	cb := b.cb
	seq := b.cbSeqNo
	b.cb = nil
	b.cbSeqNo = ""
	metrics.WaitSetDeliveries.WithLabelValues(b.kind, "true").Inc()
	cb.DataReady(b.self, seq, true, nil)
}

// setCallbackLocked replaces the pending callback and attempts delivery.
func (b *waitSetBase) setCallbackLocked(cb Callback, seqNo string) {
	b.cancelCallbackLocked()
	b.cb = cb
	b.cbSeqNo = seqNo
	b.lastAccessed = b.now()
	b.trySendDataLocked()
}

// trySendDataLocked delivers when there are new signals, or when the
// client's cursor is stale and unacknowledged data exists.
func (b *waitSetBase) trySendDataLocked() {
	if b.cb == nil {
		return
	}

	cbCurrent := b.seq.isCallbackCurrent()
	if cbCurrent {
		clear(b.sent)
	}
	if len(b.signalled) == 0 && (cbCurrent || len(b.sent) == 0) {
		return
	}

	if len(b.sent) == 0 {
		b.sent, b.signalled = b.signalled, b.sent
	} else {
		for a := range b.signalled {
			b.sent[a] = struct{}{}
		}
		clear(b.signalled)
	}

	seq := b.seq.advanceSequence()
	accounts := sortedKeys(b.sent)
	cb := b.cb
	b.cb = nil
	b.cbSeqNo = ""
	b.lastAccessed = b.now()

	metrics.WaitSetDeliveries.WithLabelValues(b.kind, "false").Inc()
	metrics.WaitSetDeliveredAccounts.Observe(float64(len(accounts)))
	cb.DataReady(b.self, seq, false, accounts)
}

func (b *waitSetBase) signalLocked(accountID string) {
	b.signalled[accountID] = struct{}{}
	b.trySendDataLocked()
}

func (b *waitSetBase) unsignalLocked(accountID string) {
	delete(b.signalled, accountID)
}

func (b *waitSetBase) baseInfoLocked() Info {
	return Info{
		ID:              b.id,
		Owner:           b.owner,
		Type:            b.kind,
		DefaultInterest: b.defaultInterest.String(),
		HasCallback:     b.cb != nil,
		CallbackSeqNo:   b.cbSeqNo,
		LastAccessed:    b.lastAccessed,
		Signalled:       sortedKeys(b.signalled),
		Sent:            sortedKeys(b.sent),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseSeqNo parses an integer sequence. Empty means 0.
func parseSeqNo(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
