package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "ctxsync"

// Collector holds the Prometheus series for one engine. Series are
// registered on the Registerer passed to NewCollector; a nil Registerer
// leaves them unregistered.
type Collector struct {
	syncTotal         *prometheus.CounterVec
	syncDuration      prometheus.Histogram
	conflictsDetected prometheus.Counter
	conflictsResolved prometheus.Counter
	rollbackTotal     *prometheus.CounterVec
}

func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Collector{
		syncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Context sync attempts by resulting status",
		}, []string{"status"}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Context sync duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~330ms
		}),
		conflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Conflicts detected across all sync attempts",
		}),
		conflictsResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts settled by the resolution engine",
		}),
		rollbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_total",
			Help:      "Rollback attempts by outcome",
		}, []string{"success"}),
	}
}

func (c *Collector) observeSync(status string, elapsed time.Duration, detected, resolved int) {
	c.syncTotal.WithLabelValues(status).Inc()
	c.syncDuration.Observe(elapsed.Seconds())
	c.conflictsDetected.Add(float64(detected))
	c.conflictsResolved.Add(float64(resolved))
}

func (c *Collector) observeRollback(success bool) {
	c.rollbackTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}
