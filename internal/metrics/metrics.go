// Package metrics provides Prometheus metrics for vtrt. Components
// that want to be observed hold an optional *Metrics set via their own
// SetMetrics method, not a constructor parameter, so every component
// already built keeps working with metrics disabled (a nil *Metrics
// behaves as a no-op).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vtrt-project/vtrt/internal/build"
)

// Metrics holds every Prometheus collector vtrt exposes. All methods
// are safe to call on a nil *Metrics: every component that accepts a
// *Metrics via SetMetrics treats "no metrics wired" as the default,
// so a nil receiver here just means the call is a no-op rather than a
// guard every caller has to repeat.
type Metrics struct {
	buildInfoGauge *prometheus.GaugeVec

	activeMessagesSent     prometheus.Counter
	activeMessagesReceived prometheus.Counter
	broadcastFanoutTotal   prometheus.Counter
	putDataBytesTotal      prometheus.Counter

	epochWavesTotal        *prometheus.CounterVec
	epochsOutstandingGauge prometheus.Gauge

	schedulerQueueDepthGauge     prometheus.Gauge
	schedulerIdleTransitions     prometheus.Counter
	schedulerWorkUnitRunDuration prometheus.Summary

	locationCacheHitsTotal   prometheus.Counter
	locationCacheMissesTotal prometheus.Counter
	locationRouteHopsTotal   prometheus.Counter

	virtualConstructsTotal *prometheus.CounterVec
	virtualMigratesTotal   prometheus.Counter
}

const (
	BuildInfoGauge = "vtrt_build_info"

	ActiveMessagesSentTotal     = "vtrt_active_messages_sent_total"
	ActiveMessagesReceivedTotal = "vtrt_active_messages_received_total"
	BroadcastFanoutTotal        = "vtrt_broadcast_fanout_total"
	PutDataBytesTotal           = "vtrt_put_data_bytes_total"

	EpochWavesTotal        = "vtrt_epoch_waves_total"
	EpochsOutstandingGauge = "vtrt_epochs_outstanding"

	SchedulerQueueDepthGauge        = "vtrt_scheduler_queue_depth"
	SchedulerIdleTransitionsTotal   = "vtrt_scheduler_idle_transitions_total"
	SchedulerWorkUnitRunDurationSec = "vtrt_scheduler_work_unit_run_duration_seconds"

	LocationCacheHitsTotal   = "vtrt_location_cache_hits_total"
	LocationCacheMissesTotal = "vtrt_location_cache_misses_total"
	LocationRouteHopsTotal   = "vtrt_location_route_hops_total"

	VirtualConstructsTotal = "vtrt_virtual_constructs_total"
	VirtualMigratesTotal   = "vtrt_virtual_migrates_total"
)

// NewMetrics creates the full set of collectors and registers them
// with registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		buildInfoGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: BuildInfoGauge,
				Help: "Build information for vtrt. Labels include the branch, git SHA and version vtrt was built from.",
			},
			[]string{"branch", "revision", "version"},
		),
		activeMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ActiveMessagesSentTotal,
			Help: "Total number of point-to-point active messages sent by this rank; broadcast fan-out hops are counted separately.",
		}),
		activeMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ActiveMessagesReceivedTotal,
			Help: "Total number of active messages delivered to a registered handler on this rank.",
		}),
		broadcastFanoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: BroadcastFanoutTotal,
			Help: "Total number of binomial-tree fan-out hops sent by this rank for BroadcastMsg.",
		}),
		putDataBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: PutDataBytesTotal,
			Help: "Total bytes sent by this rank as raw Put data transfers.",
		}),
		epochWavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: EpochWavesTotal,
				Help: "Total number of termination-detection reduction waves run, by epoch kind.",
			},
			[]string{"kind"},
		),
		epochsOutstandingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: EpochsOutstandingGauge,
			Help: "Number of epochs this rank currently has open (created but not yet terminated).",
		}),
		schedulerQueueDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: SchedulerQueueDepthGauge,
			Help: "Number of work units currently queued on this rank's scheduler.",
		}),
		schedulerIdleTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: SchedulerIdleTransitionsTotal,
			Help: "Total number of times this rank's scheduler transitioned into the idle state.",
		}),
		schedulerWorkUnitRunDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       SchedulerWorkUnitRunDurationSec,
			Help:       "Summary of the runtime of a single scheduled work unit.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		locationCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: LocationCacheHitsTotal,
			Help: "Total number of GetLocation calls resolved from the opportunistic cache.",
		}),
		locationCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: LocationCacheMissesTotal,
			Help: "Total number of GetLocation calls that required a round trip to the home node.",
		}),
		locationRouteHopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: LocationRouteHopsTotal,
			Help: "Total number of routed-message hops sent to a cached or directory location, including forwards of a message that arrived at a rank it no longer lives on.",
		}),
		virtualConstructsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: VirtualConstructsTotal,
				Help: "Total number of virtual context entities constructed on this rank, by placement.",
			},
			[]string{"placement"},
		),
		virtualMigratesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: VirtualMigratesTotal,
			Help: "Total number of virtual context entities migrated away from this rank.",
		}),
	}
	m.buildInfoGauge.WithLabelValues(build.Branch, build.Sha, build.Version).Set(1)
	m.register(registry)
	return m
}

func (m *Metrics) register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.buildInfoGauge,
		m.activeMessagesSent,
		m.activeMessagesReceived,
		m.broadcastFanoutTotal,
		m.putDataBytesTotal,
		m.epochWavesTotal,
		m.epochsOutstandingGauge,
		m.schedulerQueueDepthGauge,
		m.schedulerIdleTransitions,
		m.schedulerWorkUnitRunDuration,
		m.locationCacheHitsTotal,
		m.locationCacheMissesTotal,
		m.locationRouteHopsTotal,
		m.virtualConstructsTotal,
		m.virtualMigratesTotal,
	)
}

// Handler returns an http.Handler for a metrics exposition endpoint.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncActiveMessageSent() {
	if m == nil {
		return
	}
	m.activeMessagesSent.Inc()
}

func (m *Metrics) IncActiveMessageReceived() {
	if m == nil {
		return
	}
	m.activeMessagesReceived.Inc()
}

func (m *Metrics) IncBroadcastFanout() {
	if m == nil {
		return
	}
	m.broadcastFanoutTotal.Inc()
}

func (m *Metrics) AddPutDataBytes(n int) {
	if m == nil {
		return
	}
	m.putDataBytesTotal.Add(float64(n))
}

func (m *Metrics) IncEpochWave(kind string) {
	if m == nil {
		return
	}
	m.epochWavesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetEpochsOutstanding(n int) {
	if m == nil {
		return
	}
	m.epochsOutstandingGauge.Set(float64(n))
}

func (m *Metrics) SetSchedulerQueueDepth(n int) {
	if m == nil {
		return
	}
	m.schedulerQueueDepthGauge.Set(float64(n))
}

func (m *Metrics) IncSchedulerIdleTransition() {
	if m == nil {
		return
	}
	m.schedulerIdleTransitions.Inc()
}

func (m *Metrics) ObserveSchedulerWorkUnitDuration(seconds float64) {
	if m == nil {
		return
	}
	m.schedulerWorkUnitRunDuration.Observe(seconds)
}

func (m *Metrics) IncLocationCacheHit() {
	if m == nil {
		return
	}
	m.locationCacheHitsTotal.Inc()
}

func (m *Metrics) IncLocationCacheMiss() {
	if m == nil {
		return
	}
	m.locationCacheMissesTotal.Inc()
}

func (m *Metrics) IncLocationRouteHop() {
	if m == nil {
		return
	}
	m.locationRouteHopsTotal.Inc()
}

func (m *Metrics) IncVirtualConstruct(placement string) {
	if m == nil {
		return
	}
	m.virtualConstructsTotal.WithLabelValues(placement).Inc()
}

func (m *Metrics) IncVirtualMigrate() {
	if m == nil {
		return
	}
	m.virtualMigratesTotal.Inc()
}
