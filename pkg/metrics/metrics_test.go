package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWaitSetMetrics(t *testing.T) {
	WaitSetsCreated.Reset()
	WaitSetsDestroyed.Reset()
	WaitSetDeliveries.Reset()

	WaitSetsCreated.WithLabelValues("some").Inc()
	WaitSetsCreated.WithLabelValues("some").Inc()
	WaitSetsDestroyed.WithLabelValues("some", "idle").Inc()
	WaitSetDeliveries.WithLabelValues("all", "true").Inc()

	if got := testutil.ToFloat64(WaitSetsCreated.WithLabelValues("some")); got != 2 {
		t.Errorf("Expected 2 created, got %v", got)
	}
	if got := testutil.ToFloat64(WaitSetsDestroyed.WithLabelValues("some", "idle")); got != 1 {
		t.Errorf("Expected 1 destroyed, got %v", got)
	}
	if got := testutil.CollectAndCount(WaitSetDeliveries); got != 1 {
		t.Errorf("Expected 1 delivery series, got %d", got)
	}
}

func TestMetricNamesArePrefixed(t *testing.T) {
	expected := `
# HELP notifyd_journal_pruned_total Total number of journal entries removed by retention
# TYPE notifyd_journal_pruned_total counter
notifyd_journal_pruned_total 0
`
	if err := testutil.CollectAndCompare(JournalPruned, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric output: %v", err)
	}
}
