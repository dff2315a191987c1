// Package metrics records Prometheus counters for every ingestion path of
// the sync core. A nil *Recorder is a no-op so library users can opt out.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder struct {
	mergesTotal     *prometheus.CounterVec
	pushEventsTotal *prometheus.CounterVec
	pollTicksTotal  prometheus.Counter
	sendsTotal      *prometheus.CounterVec
	persistDuration prometheus.Histogram
	evictionsTotal  prometheus.Counter
}

func NewRecorder() *Recorder {
	return &Recorder{
		mergesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_merges_total",
				Help: "Messages passed through merge, by outcome and source",
			},
			[]string{"outcome", "source"},
		),
		pushEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_push_events_total",
				Help: "Push channel deliveries by event kind",
			},
			[]string{"kind"},
		),
		pollTicksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_poll_ticks_total",
				Help: "Polling fallback refreshes while the push channel was down",
			},
		),
		sendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_sends_total",
				Help: "Send pipeline outcomes",
			},
			[]string{"status"},
		),
		persistDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatsync_persist_duration_seconds",
				Help:    "Latency of user-message persistence writes",
				Buckets: prometheus.DefBuckets,
			},
		),
		evictionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_cache_evictions_total",
				Help: "Conversations garbage-collected from the cache",
			},
		),
	}
}

func (r *Recorder) ObserveMerge(outcome, source string) {
	if r == nil {
		return
	}
	r.mergesTotal.WithLabelValues(outcome, source).Inc()
}

func (r *Recorder) ObservePushEvent(kind string) {
	if r == nil {
		return
	}
	r.pushEventsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObservePollTick() {
	if r == nil {
		return
	}
	r.pollTicksTotal.Inc()
}

func (r *Recorder) ObserveSend(status string) {
	if r == nil {
		return
	}
	r.sendsTotal.WithLabelValues(status).Inc()
}

func (r *Recorder) ObservePersist(d time.Duration) {
	if r == nil {
		return
	}
	r.persistDuration.Observe(d.Seconds())
}

func (r *Recorder) ObserveEvictions(n int) {
	if r == nil {
		return
	}
	r.evictionsTotal.Add(float64(n))
}
