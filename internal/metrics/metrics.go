package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the detection service
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	EventsInvalidTotal *prometheus.CounterVec
	ThreatsTotal       *prometheus.CounterVec
	DuplicateThreats   prometheus.Counter
	ForwardErrors      *prometheus.CounterVec
	DetectorDuration   *prometheus.HistogramVec
	DetectorErrors     *prometheus.CounterVec
	TrainingRuns       *prometheus.CounterVec
	ModelReady         *prometheus.GaugeVec
}

// NewMetrics registers all metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatflux_events_total",
			Help: "Total number of raw events ingested",
		}, []string{"kind"}),
		EventsInvalidTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatflux_events_invalid_total",
			Help: "Total number of payloads rejected by validation",
		}, []string{"kind"}),
		ThreatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatflux_threats_total",
			Help: "Total number of threats stored",
		}, []string{"source_type", "severity"}),
		DuplicateThreats: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatflux_threats_duplicate_total",
			Help: "Total number of pre-classified threats rejected as duplicates",
		}),
		ForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatflux_forward_errors_total",
			Help: "Total number of failed verdict forwards",
		}, []string{"sink"}),
		DetectorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatflux_detector_duration_seconds",
			Help:    "Time spent in each detector",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"detector"}),
		DetectorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatflux_detector_errors_total",
			Help: "Total number of detector failures",
		}, []string{"detector"}),
		TrainingRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatflux_training_runs_total",
			Help: "Total number of model training runs",
		}, []string{"model", "result"}),
		ModelReady: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "threatflux_model_ready",
			Help: "Whether a trained model is loaded (1) or not (0)",
		}, []string{"model"}),
	}
}

// ObserveDetector records one detector run
func (m *Metrics) ObserveDetector(name string, elapsed time.Duration, _ int, err error) {
	m.DetectorDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		m.DetectorErrors.WithLabelValues(name).Inc()
	}
}

// IncrementEvents counts an ingested event
func (m *Metrics) IncrementEvents(kind string) {
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// IncrementEventsInvalid counts a rejected payload
func (m *Metrics) IncrementEventsInvalid(kind string) {
	m.EventsInvalidTotal.WithLabelValues(kind).Inc()
}

// IncrementThreats counts a stored threat
func (m *Metrics) IncrementThreats(sourceType, severity string) {
	m.ThreatsTotal.WithLabelValues(sourceType, severity).Inc()
}

// IncrementDuplicateThreats counts a duplicate pre-classified threat
func (m *Metrics) IncrementDuplicateThreats() {
	m.DuplicateThreats.Inc()
}

// IncrementForwardErrors counts a failed forward
func (m *Metrics) IncrementForwardErrors(sink string) {
	m.ForwardErrors.WithLabelValues(sink).Inc()
}

// RecordTraining counts a training run and updates readiness
func (m *Metrics) RecordTraining(model string, err error) {
	if err != nil {
		m.TrainingRuns.WithLabelValues(model, "error").Inc()
		return
	}
	m.TrainingRuns.WithLabelValues(model, "ok").Inc()
	m.ModelReady.WithLabelValues(model).Set(1)
}

// SetModelReady sets the readiness gauge for model
func (m *Metrics) SetModelReady(model string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	m.ModelReady.WithLabelValues(model).Set(v)
}
