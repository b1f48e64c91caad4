// Package metrics exposes loop telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/sonicup/pkg/sensor"
)

// Upload outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeConnect  = "connect_failed"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds the collectors of one loop.
type Metrics struct {
	Readings       prometheus.Counter
	Distance       prometheus.Gauge
	Acceleration   prometheus.Gauge
	Uploads        *prometheus.CounterVec
	UploadDuration prometheus.Histogram
	SensorErrors   *prometheus.CounterVec
	MirrorErrors   *prometheus.CounterVec
	State          *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Readings: f.NewCounter(prometheus.CounterOpts{
			Name: "sonicup_readings_total",
			Help: "The total number of complete sensor readings",
		}),
		Distance: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonicup_distance_cm",
			Help: "Last measured distance (units: cm)",
		}),
		Acceleration: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonicup_acceleration_raw",
			Help: "Last raw accelerometer sample (units: ADC counts)",
		}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sonicup_uploads_total",
			Help: "Upload attempts by outcome",
		}, []string{"outcome"}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sonicup_upload_duration_seconds",
			Help:    "Time from connect to connection close",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		SensorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sonicup_sensor_errors_total",
			Help: "Failed measurements by kind",
		}, []string{"kind"}),
		MirrorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sonicup_mirror_errors_total",
			Help: "Failed mirror publishes by sink",
		}, []string{"sink"}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sonicup_loop_state",
			Help: "1 for the current loop state, 0 otherwise",
		}, []string{"state"}),
	}
}

// ObserveReading records a complete reading.
func (m *Metrics) ObserveReading(r sensor.Reading) {
	m.Readings.Inc()
	m.Distance.Set(float64(r.Distance))
	m.Acceleration.Set(float64(r.Acceleration))
}

// ObserveUpload records one upload attempt.
func (m *Metrics) ObserveUpload(outcome string, took time.Duration) {
	m.Uploads.WithLabelValues(outcome).Inc()
	m.UploadDuration.Observe(took.Seconds())
}

// ObserveSensorError records a failed measurement.
func (m *Metrics) ObserveSensorError(kind string) {
	m.SensorErrors.WithLabelValues(kind).Inc()
}

// ObserveMirrorError records a failed mirror publish.
func (m *Metrics) ObserveMirrorError(sink string) {
	m.MirrorErrors.WithLabelValues(sink).Inc()
}

// SetState marks state as current and clears prev.
func (m *Metrics) SetState(prev, state string) {
	if prev != "" {
		m.State.WithLabelValues(prev).Set(0)
	}
	m.State.WithLabelValues(state).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		// Opt into OpenMetrics to support exemplars.
		EnableOpenMetrics: true,
	})
}
