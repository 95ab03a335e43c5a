package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type mockStatsProvider struct {
	stats Stats
	err   error
}

func (m *mockStatsProvider) Stats(context.Context) (Stats, error) {
	if m.err != nil {
		return Stats{}, m.err
	}
	return m.stats, nil
}

func TestCollectorUpdatesGauges(t *testing.T) {
	WaitSetsCurrent.Reset()
	SessionsCurrent.Reset()

	provider := &mockStatsProvider{stats: Stats{
		WaitSets:        map[string]int{"some": 3, "all": 1},
		Sessions:        map[string]int{"waitset": 7, "client": 2},
		MailboxesLoaded: 4,
		JournalHead:     99,
	}}

	collector := NewCollector(provider, time.Hour)
	collector.collect(context.Background())

	if got := testutil.ToFloat64(WaitSetsCurrent.WithLabelValues("some")); got != 3 {
		t.Errorf("Expected 3 some-accounts waitsets, got %v", got)
	}
	if got := testutil.ToFloat64(SessionsCurrent.WithLabelValues("waitset")); got != 7 {
		t.Errorf("Expected 7 waitset sessions, got %v", got)
	}
	if got := testutil.ToFloat64(MailboxesLoaded); got != 4 {
		t.Errorf("Expected 4 loaded mailboxes, got %v", got)
	}
	if got := testutil.ToFloat64(JournalHead); got != 99 {
		t.Errorf("Expected journal head 99, got %v", got)
	}
}

func TestCollectorStopsOnContext(t *testing.T) {
	provider := &mockStatsProvider{err: context.DeadlineExceeded}
	collector := NewCollector(provider, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Collector did not stop after context cancellation")
	}
}

func TestCollectorStop(t *testing.T) {
	collector := NewCollector(&mockStatsProvider{}, time.Hour)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()
	collector.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Collector did not stop after Stop")
	}
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	c := NewCollector(&mockStatsProvider{}, 0)
	if c.interval != 15*time.Second {
		t.Errorf("Expected default interval 15s, got %v", c.interval)
	}
}
