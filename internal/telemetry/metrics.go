package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	ItemsCreated     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workitems_created_total", Help: "Work items created for a downstream stage"}, []string{"stage"})
	ItemsDone        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workitems_done_total", Help: "Work items marked done"}, []string{"stage"})
	ItemsFailed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workitems_failed_total", Help: "Work items marked failed"}, []string{"stage", "kind", "code"})
	ItemsReleased    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workitems_released_total", Help: "Work items handed back to their inbox"}, []string{"stage"})
	HistoryPages     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "history_pages_fetched_total", Help: "Run history pages fetched"}, []string{"resource"})
	HistoryErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "history_fetch_errors_total", Help: "Run history page fetches that failed after retries"})
	ReportsRendered  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reports_rendered_total", Help: "Run reports rendered"}, []string{"strategy"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	InboxDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "workitems_inbox_depth", Help: "Unclaimed items in a stage inbox at invocation start"}, []string{"stage"})
)

func register() {
	once.Do(func() {
		registry.MustRegister(
			ItemsCreated,
			ItemsDone,
			ItemsFailed,
			ItemsReleased,
			HistoryPages,
			HistoryErrors,
			ReportsRendered,
			RateLimitRejects,
			InboxDepthGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Push sends the current values to a Pushgateway; short-lived stage invocations use it instead of being scraped.
func Push(ctx context.Context, url, job string, groupings map[string]string) error {
	register()
	p := push.New(url, job).Gatherer(registry)
	for k, v := range groupings {
		p = p.Grouping(k, v)
	}
	return p.PushContext(ctx)
}
