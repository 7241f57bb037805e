package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cycles      *prometheus.CounterVec
	cycleTime   *prometheus.HistogramVec
	riskScore   *prometheus.GaugeVec
	coordIndex  *prometheus.GaugeVec
	icpStatus   *prometheus.CounterVec
	vmmStatus   *prometheus.CounterVec
	vmmIters    prometheus.Histogram
	layerStatus *prometheus.CounterVec
	degraded    *prometheus.GaugeVec
	errorsTotal *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	ingested    *prometheus.CounterVec
}

// New creates a recorder registered with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordscope_cycles_total",
				Help: "Monitoring cycles by market and status",
			},
			[]string{"market", "status"},
		),
		cycleTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordscope_cycle_duration_seconds",
				Help:    "Wall-clock duration of a monitoring cycle",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 12, 20},
			},
			[]string{"market"},
		),
		riskScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordscope_risk_score",
				Help: "Latest risk score per partition",
			},
			[]string{"partition"},
		),
		coordIndex: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordscope_coordination_index",
				Help: "Latest coordination index per partition",
			},
			[]string{"partition"},
		),
		icpStatus: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordscope_icp_results_total",
				Help: "Invariance test outcomes",
			},
			[]string{"status"},
		),
		vmmStatus: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordscope_vmm_updates_total",
				Help: "Variational estimator update outcomes",
			},
			[]string{"status"},
		),
		vmmIters: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordscope_vmm_iterations",
				Help:    "Optimizer iterations per update",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
		),
		layerStatus: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordscope_validation_layers_total",
				Help: "Validation layer outcomes",
			},
			[]string{"layer", "status"},
		),
		degraded: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordscope_degraded_factor",
				Help: "Current threshold multiplier per partition (1 = normal)",
			},
			[]string{"partition"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordscope_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordscope_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ingested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordscope_observations_ingested_total",
				Help: "Observations written to the observation store",
			},
			[]string{"market"},
		),
	}
}

// RecordCycle records one finished cycle.
func (r *Recorder) RecordCycle(market, status string, seconds float64) {
	r.cycles.WithLabelValues(market, status).Inc()
	r.cycleTime.WithLabelValues(market).Observe(seconds)
}

// RecordRisk publishes the latest score and coordination index of a partition.
func (r *Recorder) RecordRisk(partition string, score int, ci float64) {
	r.riskScore.WithLabelValues(partition).Set(float64(score))
	r.coordIndex.WithLabelValues(partition).Set(ci)
}

func (r *Recorder) RecordICP(status string) {
	r.icpStatus.WithLabelValues(status).Inc()
}

func (r *Recorder) RecordVMM(status string, iterations int) {
	r.vmmStatus.WithLabelValues(status).Inc()
	r.vmmIters.Observe(float64(iterations))
}

func (r *Recorder) RecordLayer(layer, status string) {
	r.layerStatus.WithLabelValues(layer, status).Inc()
}

func (r *Recorder) RecordDegraded(partition string, factor float64) {
	r.degraded.WithLabelValues(partition).Set(factor)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordIngested(market string, n int) {
	r.ingested.WithLabelValues(market).Add(float64(n))
}

// StatusClass buckets an HTTP status code for low-cardinality labels.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
