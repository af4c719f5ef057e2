package services

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	incrementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitcounter_increments_total",
		Help: "Successful counter increments served from the cache",
	})
	flushRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitcounter_flush_runs_total",
		Help: "Cache to database flush runs by namespace and result",
	}, []string{"namespace", "result"})
	flushItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitcounter_flush_items_total",
		Help: "Cached entries visited by flush runs, by outcome",
	}, []string{"namespace", "outcome"})
	flushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visitcounter_flush_duration_seconds",
		Help:    "Wall time of a flush run including inter-batch pauses",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"namespace"})
)

func init() {
	prometheus.MustRegister(incrementsTotal, flushRunsTotal, flushItemsTotal, flushDuration)
}

func observeFlush(rep FlushReport, err error) {
	result := "ok"
	switch {
	case rep.Interrupted:
		result = "interrupted"
	case errors.Is(err, ErrFlushIncomplete):
		result = "incomplete"
	case err != nil:
		result = "error"
	}
	flushRunsTotal.WithLabelValues(rep.Namespace, result).Inc()
	flushItemsTotal.WithLabelValues(rep.Namespace, "flushed").Add(float64(rep.Flushed))
	flushItemsTotal.WithLabelValues(rep.Namespace, "skipped").Add(float64(rep.Skipped))
	flushItemsTotal.WithLabelValues(rep.Namespace, "failed").Add(float64(rep.Failed))
	flushDuration.WithLabelValues(rep.Namespace).Observe(rep.Duration.Seconds())
}
