package sensor

import (
	"context"
	"time"
)

// Ranger times the echo of one ultrasonic trigger pulse.
type Ranger interface {
	Echo(ctx context.Context) (time.Duration, error)
}

// Accelerometer takes one raw sample of the analog acceleration channel.
type Accelerometer interface {
	Acceleration(ctx context.Context) (int, error)
}

// Device defines the interface for sensor front-ends (real or mocked).
type Device interface {
	Ranger
	Accelerometer
	Connect() error
	Close() error
	// Suspend puts the front-end into its low-power halt. There is no wake path.
	Suspend(ctx context.Context) error
	IsConnected() bool
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)
