// Package sensor reads the ultrasonic ranger and the analog accelerometer.
package sensor

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// MaxADC is the largest raw accelerometer sample (10-bit converter).
const MaxADC = 1023

var (
	// ErrNoEcho is returned when the echo pulse never arrives.
	ErrNoEcho = errors.New("no echo received")
	// ErrTimeout is returned when the front-end does not answer in time.
	ErrTimeout = errors.New("sensor reply timed out")
	// ErrNotConnected is returned by operations on a closed device.
	ErrNotConnected = errors.New("not connected")
)

// Reading is one measurement cycle. It is passed by value from
// measurement to upload and is never reused.
type Reading struct {
	Timestamp    time.Time
	Echo         time.Duration
	Distance     int // cm
	Acceleration int // raw ADC count
}

// DistanceCM converts a round-trip echo duration to centimeters:
// floor(us * 0.034 / 2), with sound at 0.034 cm/us.
// Integer form us*17/1000 gives the same result without float rounding.
func DistanceCM(echo time.Duration) int {
	if echo <= 0 {
		return 0
	}
	return int(echo.Microseconds() * 17 / 1000)
}

// EchoFor returns the echo duration, in whole microseconds, an object at
// cm centimeters would produce. DistanceCM(EchoFor(c)) == floor(c).
func EchoFor(cm float64) time.Duration {
	if cm <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(cm*1000/17)) * time.Microsecond
}

// MeasureDistance fires one ranging cycle and converts the echo to cm.
func MeasureDistance(ctx context.Context, r Ranger) (time.Duration, int, error) {
	echo, err := r.Echo(ctx)
	if err != nil {
		return 0, 0, err
	}
	if echo <= 0 {
		return 0, 0, ErrNoEcho
	}
	return echo, DistanceCM(echo), nil
}

// Measure takes a full reading: distance first, then acceleration.
func Measure(ctx context.Context, dev Device, now func() time.Time) (Reading, error) {
	echo, distance, err := MeasureDistance(ctx, dev)
	if err != nil {
		return Reading{}, errors.Wrap(err, "measure distance")
	}

	accel, err := dev.Acceleration(ctx)
	if err != nil {
		return Reading{}, errors.Wrap(err, "sample acceleration")
	}

	return Reading{
		Timestamp:    now(),
		Echo:         echo,
		Distance:     distance,
		Acceleration: accel,
	}, nil
}
