package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusHTTPHandler(t *testing.T) {
	t.Run("metrics_endpoint", func(t *testing.T) {
		WaitSetsCreated.Reset()
		WaitSetsCreated.WithLabelValues("all").Add(3)

		server := httptest.NewServer(promhttp.Handler())
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}
		bodyStr := string(body)

		if !strings.Contains(bodyStr, "# TYPE notifyd_waitsets_created_total counter") {
			t.Error("Expected TYPE comment for notifyd_waitsets_created_total")
		}
		if !strings.Contains(bodyStr, `notifyd_waitsets_created_total{type="all"} 3`) {
			t.Error("Expected all-accounts created total to be 3")
		}
	})

	t.Run("histogram_format", func(t *testing.T) {
		HTTPRequestDuration.Reset()
		HTTPRequestDuration.WithLabelValues("wait").Observe(0.1)
		HTTPRequestDuration.WithLabelValues("wait").Observe(30)

		server := httptest.NewServer(promhttp.Handler())
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		bodyStr := string(body)

		if !strings.Contains(bodyStr, `notifyd_http_request_duration_seconds_count{route="wait"} 2`) {
			t.Error("Expected histogram count to be 2")
		}
		if !strings.Contains(bodyStr, "notifyd_http_request_duration_seconds_bucket{") {
			t.Error("Expected histogram bucket metrics")
		}
	})
}

func TestGatheredMetricFamilies(t *testing.T) {
	WaitSetResyncs.Reset()
	WaitSetResyncs.WithLabelValues("success").Inc()
	WaitSetResyncs.WithLabelValues("failure").Add(2)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	var resyncs *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "notifyd_waitset_resyncs_total" {
			resyncs = mf
			break
		}
	}
	if resyncs == nil {
		t.Fatal("notifyd_waitset_resyncs_total not registered")
	}
	if resyncs.GetType() != dto.MetricType_COUNTER {
		t.Errorf("Expected counter type, got %v", resyncs.GetType())
	}

	values := map[string]float64{}
	for _, m := range resyncs.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "result" {
				values[lp.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	if values["success"] != 1 || values["failure"] != 2 {
		t.Errorf("Unexpected resync values: %v", values)
	}
}
