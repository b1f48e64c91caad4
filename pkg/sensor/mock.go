package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/sonicup/pkg/config"
)

// Mock simulates the sensor front-end for testing and development.
// The simulated target swings between cfg.NearCM and cfg.FarCM over
// cfg.Period; the accelerometer follows the target velocity.
type Mock struct {
	cfg *config.MockConfig

	mu        sync.Mutex
	connected bool
	suspended bool
	startTime time.Time
	pulses    int

	now func() time.Time
}

// NewMock creates a new mocked device instance.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			NearCM:         5,
			FarCM:          120,
			Period:         30 * time.Second,
			AccelCenter:    512,
			AccelAmplitude: 40,
		}
	}

	return &Mock{
		cfg: cfg,
		now: time.Now,
	}
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.connected = true
	m.suspended = false
	m.startTime = m.now()
	m.pulses = 0

	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Suspended reports whether Suspend was called.
func (m *Mock) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// Echo returns the echo width for the simulated target position.
func (m *Mock) Echo(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ready(ctx); err != nil {
		return 0, err
	}

	m.pulses++
	if m.cfg.DropEvery > 0 && m.pulses%m.cfg.DropEvery == 0 {
		return 0, ErrNoEcho
	}

	return EchoFor(float64(m.distance())), nil
}

// Acceleration returns a raw sample tracking the target velocity.
func (m *Mock) Acceleration(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ready(ctx); err != nil {
		return 0, err
	}

	phase := m.phase()
	value := float32(m.cfg.AccelCenter) + float32(m.cfg.AccelAmplitude)*math32.Cos(phase)
	value = math32.Round(value)

	if value < 0 {
		value = 0
	} else if value > MaxADC {
		value = MaxADC
	}
	return int(value), nil
}

// Suspend marks the mock as halted; further reads fail.
func (m *Mock) Suspend(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ready(ctx); err != nil {
		return err
	}
	m.suspended = true
	return nil
}

// ready checks the device can serve a request. Callers hold m.mu.
func (m *Mock) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.connected || m.suspended {
		return ErrNotConnected
	}
	return nil
}

// phase returns the oscillation phase in radians. Callers hold m.mu.
func (m *Mock) phase() float32 {
	if m.cfg.Period <= 0 {
		return 0
	}
	elapsed := m.now().Sub(m.startTime)
	cycles := float32(elapsed%m.cfg.Period) / float32(m.cfg.Period)
	return 2 * math32.Pi * cycles
}

// distance returns the simulated target distance in cm. Callers hold m.mu.
func (m *Mock) distance() float32 {
	near := float32(m.cfg.NearCM)
	far := float32(m.cfg.FarCM)
	mid := (near + far) / 2
	amp := (far - near) / 2
	return mid + amp*math32.Sin(m.phase())
}
