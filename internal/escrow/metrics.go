package escrow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/freightmesh/securetrade/internal/gateway"
)

var (
	tradesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "securetrade",
		Subsystem: "escrow",
		Name:      "trades_created_total",
		Help:      "Total trades opened.",
	})

	tradesFunded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "securetrade",
		Subsystem: "escrow",
		Name:      "trades_funded_total",
		Help:      "Total escrows funded by buyer payment.",
	})

	releases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "securetrade",
		Subsystem: "escrow",
		Name:      "releases_total",
		Help:      "Total payout legs released to sellers.",
	})

	refunds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "securetrade",
		Subsystem: "escrow",
		Name:      "refunds_total",
		Help:      "Total escrows refunded to buyers.",
	})

	duplicateWebhooks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "securetrade",
		Subsystem: "escrow",
		Name:      "duplicate_webhooks_total",
		Help:      "Processor webhooks recognized as already applied.",
	})

	gatewayErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securetrade",
		Subsystem: "escrow",
		Name:      "gateway_errors_total",
		Help:      "Payment processor failures by class.",
	}, []string{"class"})

	releaseFraction = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "securetrade",
		Subsystem: "escrow",
		Name:      "release_fraction",
		Help:      "Cumulative release fraction at each payout leg.",
		Buckets:   []float64{0.1, 0.25, 0.5, 0.7, 0.9, 1.0},
	})

	staleDrafts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "securetrade",
		Subsystem: "escrow",
		Name:      "stale_drafts",
		Help:      "Drafts whose funding hold was opened but never funded.",
	})
)

func init() {
	prometheus.MustRegister(tradesCreated, tradesFunded, releases, refunds,
		duplicateWebhooks, gatewayErrors, releaseFraction, staleDrafts)
}

// errClass labels a gateway failure for metrics.
func errClass(err error) string {
	if gateway.IsTransient(err) {
		return "transient"
	}
	var pe *gateway.PermanentError
	if errors.As(err, &pe) {
		return "permanent"
	}
	return "other"
}
