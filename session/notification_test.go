package session

import (
	"context"
	"testing"
	"time"

	"github.com/migadu/notifyd/mailbox"
)

func TestNotificationSessionQueuesUntilAcknowledged(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	mbox := env.load(t, "alice")
	s := NewNotificationSession("Session-1", TypeClient, mbox, 0)
	if err := env.registry.Register(s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	res := s.Notifications(0)
	if res.Sequence != 0 || len(res.Batches) != 0 {
		t.Errorf("Expected empty result at sequence 0, got %+v", res)
	}

	env.commit(t, "alice", message(1, 2), message(2, 2))
	select {
	case <-s.Changed():
	default:
		t.Fatal("expected change signal")
	}

	res = s.Notifications(0)
	if res.Sequence != 1 || res.Refresh {
		t.Errorf("Expected sequence 1 without refresh, got %d refresh=%v", res.Sequence, res.Refresh)
	}
	if len(res.Batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(res.Batches))
	}
	if n := len(res.Batches[0].Changes); n != 2 {
		t.Errorf("Expected 2 changes, got %d", n)
	}
	if id := res.Batches[0].LastChangeID; id != 1 {
		t.Errorf("Expected batch change id 1, got %d", id)
	}

	env.commit(t, "alice", message(3, 2))
	res = s.Notifications(1)
	if len(res.Batches) != 1 {
		t.Fatalf("Expected 1 batch after ack, got %d", len(res.Batches))
	}
	if seq := res.Batches[0].Sequence; seq != 2 {
		t.Errorf("Expected batch sequence 2, got %d", seq)
	}

	// The response was lost; the client asks again from the same point.
	env.commit(t, "alice", contact(4))
	res = s.Notifications(1)
	if res.Sequence != 3 {
		t.Errorf("Expected sequence 3, got %d", res.Sequence)
	}
	if len(res.Batches) != 2 {
		t.Fatalf("Expected 2 batches on retry, got %d", len(res.Batches))
	}
	if res.Batches[0].Sequence != 2 || res.Batches[1].Sequence != 3 {
		t.Errorf("Expected batch sequences 2 and 3, got %d and %d", res.Batches[0].Sequence, res.Batches[1].Sequence)
	}
	if typ := res.Batches[1].Changes[0].Type; typ != mailbox.TypeContact {
		t.Errorf("Expected contact change, got %v", typ)
	}
	if res.LastChangeID != mbox.LastChangeID() {
		t.Errorf("Expected last change id %d, got %d", mbox.LastChangeID(), res.LastChangeID)
	}

	res = s.Notifications(3)
	if len(res.Batches) != 0 || res.Sequence != 3 {
		t.Errorf("Expected nothing pending at sequence 3, got %+v", res)
	}

	if _, ok := env.registry.Unregister(TypeClient, "alice", "Session-1"); !ok {
		t.Fatal("Unregister failed")
	}
	if n := mbox.ListenerCount(); n != 0 {
		t.Errorf("Expected listener detached, %d left", n)
	}
}

func TestNotificationSessionOverflowRequiresRefresh(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	mbox := env.load(t, "alice")
	s := NewNotificationSession("Session-2", TypeClient, mbox, 3)

	env.commit(t, "alice", message(1, 2), message(2, 2))
	env.commit(t, "alice", message(3, 2), message(4, 2))
	env.commit(t, "alice", message(5, 2))

	res := s.Notifications(0)
	if !res.Refresh || res.Sequence != 1 {
		t.Errorf("Expected refresh at sequence 1, got refresh=%v sequence=%d", res.Refresh, res.Sequence)
	}
	if len(res.Batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(res.Batches))
	}
	if n := len(res.Batches[0].Changes); n != 0 {
		t.Errorf("Expected refresh batch without changes, got %d", n)
	}

	env.commit(t, "alice", message(6, 2))
	res = s.Notifications(1)
	if res.Refresh {
		t.Error("Refresh still required after acknowledgement")
	}
	if len(res.Batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(res.Batches))
	}
	if res.Batches[0].Sequence != 2 || len(res.Batches[0].Changes) != 1 {
		t.Errorf("Expected one change at sequence 2, got %+v", res.Batches[0])
	}
}

func TestNotificationSessionSweptDetachesListener(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	mbox := env.load(t, "alice")
	s := NewNotificationSession("Session-3", TypeClient, mbox, 0)
	if err := env.registry.Register(s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if n := mbox.ListenerCount(); n != 1 {
		t.Fatalf("Expected 1 listener, got %d", n)
	}

	env.clock.Advance(2 * time.Hour)
	if removed := env.registry.Sweep(env.clock.Now()); len(removed) != 1 {
		t.Fatalf("Expected 1 session swept, got %d", len(removed))
	}
	if n := mbox.ListenerCount(); n != 0 {
		t.Errorf("Expected listener detached, %d left", n)
	}

	if _, err := mbox.Commit(context.Background(), message(1, 2)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if n := len(s.Notifications(0).Batches); n != 0 {
		t.Errorf("Swept session still received %d batches", n)
	}
}
