package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// ---------------------------------------------------------------------------
// Registration is checked via Describe(): Gather() omits *Vec metrics that
// have no observed label combinations yet.
// ---------------------------------------------------------------------------

func TestMetrics_AllRegistered(t *testing.T) {
	type describer interface {
		Describe(chan<- *prometheus.Desc)
	}

	cases := []struct {
		name string
		c    describer
	}{
		{"http_requests_total", HTTPRequestsTotal},
		{"http_request_duration_seconds", HTTPRequestDuration},
		{"pack_publishes_total", PackPublishesTotal},
		{"pack_downloads_total", PackDownloadsTotal},
		{"rate_limit_rejections_total", RateLimitRejectionsTotal},
		{"mcp_tool_calls_total", MCPToolCallsTotal},
		{"storage_breaker_open_total", StorageBreakerOpenTotal},
		{"storage_orphaned_blobs_total", OrphanedBlobsTotal},
		{"db_open_connections", DBOpenConnections},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 10)
			tc.c.Describe(ch)
			close(ch)
			for desc := range ch {
				if strings.Contains(desc.String(), `"`+tc.name+`"`) {
					return
				}
			}
			t.Errorf("metric %q: Describe() returned no descriptor with this fqName", tc.name)
		})
	}
}

func TestMetrics_HTTPRequestsTotal_CanBeIncremented(t *testing.T) {
	before := counterValue(t, HTTPRequestsTotal, prometheus.Labels{
		"method": "GET", "path": "/test", "status": "200",
	})
	HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()
	after := counterValue(t, HTTPRequestsTotal, prometheus.Labels{
		"method": "GET", "path": "/test", "status": "200",
	})
	if after-before < 1 {
		t.Errorf("HTTPRequestsTotal.Inc() did not increase counter (before=%.0f after=%.0f)", before, after)
	}
}

func TestMetrics_PackPublishesTotal_CanBeIncremented(t *testing.T) {
	labels := prometheus.Labels{"result": "duplicate"}
	before := counterValue(t, PackPublishesTotal, labels)
	PackPublishesTotal.WithLabelValues("duplicate").Inc()
	after := counterValue(t, PackPublishesTotal, labels)
	if after-before < 1 {
		t.Errorf("PackPublishesTotal.Inc() did not increase counter")
	}
}

func TestMetrics_RateLimitRejections_CanBeIncremented(t *testing.T) {
	labels := prometheus.Labels{"limiter": "publish"}
	before := counterValue(t, RateLimitRejectionsTotal, labels)
	RateLimitRejectionsTotal.WithLabelValues("publish").Inc()
	after := counterValue(t, RateLimitRejectionsTotal, labels)
	if after-before < 1 {
		t.Errorf("RateLimitRejectionsTotal.Inc() did not increase counter")
	}
}

func TestMetrics_MCPToolCalls_CanBeIncremented(t *testing.T) {
	MCPToolCallsTotal.WithLabelValues("search_packs").Inc()
}

func TestMetrics_PlainCounters_CanBeIncremented(t *testing.T) {
	for name, c := range map[string]prometheus.Counter{
		"pack_downloads_total":         PackDownloadsTotal,
		"storage_breaker_open_total":   StorageBreakerOpenTotal,
		"storage_orphaned_blobs_total": OrphanedBlobsTotal,
	} {
		before := plainCounterValue(t, c)
		c.Inc()
		if after := plainCounterValue(t, c); after-before < 1 {
			t.Errorf("%s.Inc() did not increase counter", name)
		}
	}
}

func TestMetrics_DBOpenConnections_CanBeSet(t *testing.T) {
	DBOpenConnections.Set(5)
	DBOpenConnections.Set(0)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// counterValue reads the current value of a CounterVec for the given label set.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels prometheus.Labels) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 20)
	cv.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		if labelsMatch(dm.GetLabel(), labels) {
			return dm.GetCounter().GetValue()
		}
	}
	return 0
}

// plainCounterValue reads the value of a plain (non-vec) Counter.
func plainCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		return dm.GetCounter().GetValue()
	}
	return 0
}

// labelsMatch returns true when all entries in want appear in got.
func labelsMatch(got []*dto.LabelPair, want prometheus.Labels) bool {
	for k, v := range want {
		found := false
		for _, lp := range got {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
