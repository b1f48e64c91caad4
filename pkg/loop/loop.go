// Package loop runs the measure, upload and sleep cycle.
package loop

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itohio/sonicup/pkg/metrics"
	"github.com/itohio/sonicup/pkg/network"
	"github.com/itohio/sonicup/pkg/sensor"
	"github.com/itohio/sonicup/pkg/sink"
	"github.com/itohio/sonicup/pkg/upload"
)

// State of the loop.
type State string

const (
	StateIdle       State = ""
	StateConnecting State = "connecting"
	StateMeasuring  State = "measuring"
	StateUploading  State = "uploading"
	StateSleeping   State = "sleeping"
	StateSuspended  State = "suspended"
)

// ErrSuspended is returned by Run after the device entered its low-power halt.
var ErrSuspended = errors.New("device suspended")

// Uploader sends one reading to the primary endpoint.
type Uploader interface {
	Upload(ctx context.Context, r sensor.Reading) error
}

// Recorder receives loop telemetry. *metrics.Metrics implements it.
type Recorder interface {
	ObserveReading(r sensor.Reading)
	ObserveUpload(outcome string, took time.Duration)
	ObserveSensorError(kind string)
	ObserveMirrorError(sink string)
	SetState(prev, state string)
}

var _ Recorder = (*metrics.Metrics)(nil)

// Config contains loop parameters.
type Config struct {
	Interval       time.Duration
	SuspendBelowCM int
	Network        network.Policy
}

// Loop is the single-threaded sensor upload loop.
type Loop struct {
	cfg      Config
	device   sensor.Device
	prober   network.Prober
	uploader Uploader
	mirrors  []sink.Sink
	rec      Recorder
	log      logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	state State
}

// Option customizes a Loop.
type Option func(*Loop)

// WithMirrors adds secondary sinks that receive every uploaded reading.
func WithMirrors(mirrors ...sink.Sink) Option {
	return func(l *Loop) { l.mirrors = append(l.mirrors, mirrors...) }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(rec Recorder) Option {
	return func(l *Loop) { l.rec = rec }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Loop) { l.log = log }
}

// New creates a Loop. prober may be nil to skip network bring-up.
func New(cfg Config, device sensor.Device, prober network.Prober, uploader Uploader, opts ...Option) *Loop {
	l := &Loop{
		cfg:      cfg,
		device:   device,
		prober:   prober,
		uploader: uploader,
		rec:      nopRecorder{},
		log:      logrus.StandardLogger(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current state. Not safe for use while Run is active
// on another goroutine; the loop itself is single-threaded.
func (l *Loop) State() State {
	return l.state
}

// Run brings the network up and cycles until ctx ends or the device
// suspends. It returns ErrSuspended after a suspend and ctx.Err() on
// cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if l.prober != nil {
		l.setState(StateConnecting)
		if _, err := network.Establish(ctx, l.prober, l.cfg.Network, l.log); err != nil {
			return err
		}
	}

	for {
		suspended, err := l.Step(ctx)
		if err != nil {
			return err
		}
		if suspended {
			return ErrSuspended
		}

		l.setState(StateSleeping)
		if err := l.sleep(ctx, l.cfg.Interval); err != nil {
			return err
		}
	}
}

// Step runs one measure and upload cycle without the trailing sleep.
// It reports whether the device was suspended. Errors are returned only
// for ctx cancellation or a failed suspend; everything else is logged.
func (l *Loop) Step(ctx context.Context) (bool, error) {
	l.setState(StateMeasuring)

	r, err := sensor.Measure(ctx, l.device, l.now)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		l.rec.ObserveSensorError(sensorErrorKind(err))
		l.log.WithError(err).Warn("Measurement failed, skipping upload")
		return false, nil
	}

	l.rec.ObserveReading(r)
	l.log.Infof("Distance: %d cm", r.Distance)
	l.log.Infof("Acceleration: %d", r.Acceleration)

	if r.Distance < l.cfg.SuspendBelowCM {
		return true, l.suspend(ctx)
	}

	l.setState(StateUploading)
	l.upload(ctx, r)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	l.mirror(ctx, r)

	return false, nil
}

func (l *Loop) suspend(ctx context.Context) error {
	l.log.Info("Going to deep sleep...")
	l.setState(StateSuspended)
	if err := l.device.Suspend(ctx); err != nil {
		l.log.WithError(err).Error("Suspend failed")
		return err
	}
	return nil
}

func (l *Loop) upload(ctx context.Context, r sensor.Reading) {
	start := l.now()
	err := l.uploader.Upload(ctx, r)
	took := l.now().Sub(start)

	outcome := uploadOutcome(err)
	l.rec.ObserveUpload(outcome, took)
	if err != nil {
		l.log.WithError(err).WithField("outcome", outcome).Warn("Failed to send data")
	}
}

func (l *Loop) mirror(ctx context.Context, r sensor.Reading) {
	for _, s := range l.mirrors {
		if err := s.Publish(ctx, r); err != nil {
			l.rec.ObserveMirrorError(s.Name())
			l.log.WithError(err).WithField("sink", s.Name()).Warn("Mirror publish failed")
		}
	}
}

func (l *Loop) setState(s State) {
	if s == l.state {
		return
	}
	l.rec.SetState(string(l.state), string(s))
	l.log.WithField("state", s).Debug("State change")
	l.state = s
}

func uploadOutcome(err error) string {
	var (
		connErr  *upload.ConnectError
		rejected *upload.RejectedError
	)
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &connErr):
		return metrics.OutcomeConnect
	case errors.As(err, &rejected):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func sensorErrorKind(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, sensor.ErrNoEcho):
		return "no_echo"
	case errors.Is(err, sensor.ErrTimeout), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, sensor.ErrNotConnected):
		return "not_connected"
	default:
		return "io"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveReading(sensor.Reading)       {}
func (nopRecorder) ObserveUpload(string, time.Duration) {}
func (nopRecorder) ObserveSensorError(string)           {}
func (nopRecorder) ObserveMirrorError(string)           {}
func (nopRecorder) SetState(string, string)             {}
