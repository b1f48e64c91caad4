package sensor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceCM(t *testing.T) {
	tests := []struct {
		name string
		echo time.Duration
		want int
	}{
		{name: "zero", echo: 0, want: 0},
		{name: "negative", echo: -time.Millisecond, want: 0},
		{name: "below one cm", echo: 58 * time.Microsecond, want: 0},
		{name: "exactly one cm", echo: 59 * time.Microsecond, want: 1},
		{name: "suspend boundary", echo: 117 * time.Microsecond, want: 1},
		{name: "two cm", echo: 118 * time.Microsecond, want: 2},
		{name: "exact multiple of 1000us", echo: 1000 * time.Microsecond, want: 17},
		{name: "fifteen cm", echo: 883 * time.Microsecond, want: 15},
		{name: "sub microsecond is dropped", echo: 999*time.Microsecond + 999*time.Nanosecond, want: 16},
		{name: "four meters", echo: 23530 * time.Microsecond, want: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DistanceCM(tt.echo))
		})
	}
}

// The integer form must agree with floor(us * 0.034 / 2) in float64.
func TestDistanceCM_MatchesFloatFormula(t *testing.T) {
	for us := int64(0); us <= 40000; us++ {
		want := int(math.Floor(float64(us) * 0.034 / 2))
		got := DistanceCM(time.Duration(us) * time.Microsecond)
		if got != want {
			t.Fatalf("echo %dus: got %d, want %d", us, got, want)
		}
	}
}

func TestEchoFor_RoundTrip(t *testing.T) {
	for cm := 1; cm <= 500; cm++ {
		assert.Equal(t, cm, DistanceCM(EchoFor(float64(cm))), "cm=%d", cm)
	}
	assert.Equal(t, time.Duration(0), EchoFor(0))
}

type scriptedDevice struct {
	echo    time.Duration
	echoErr error
	accel   int
	accErr  error
}

func (s *scriptedDevice) Echo(context.Context) (time.Duration, error) { return s.echo, s.echoErr }
func (s *scriptedDevice) Acceleration(context.Context) (int, error)   { return s.accel, s.accErr }
func (s *scriptedDevice) Connect() error                              { return nil }
func (s *scriptedDevice) Close() error                                { return nil }
func (s *scriptedDevice) Suspend(context.Context) error               { return nil }
func (s *scriptedDevice) IsConnected() bool                           { return true }

func TestMeasure(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return at }

	t.Run("success", func(t *testing.T) {
		dev := &scriptedDevice{echo: 883 * time.Microsecond, accel: 512}

		r, err := Measure(context.Background(), dev, now)
		require.NoError(t, err)
		assert.Equal(t, Reading{Timestamp: at, Echo: 883 * time.Microsecond, Distance: 15, Acceleration: 512}, r)
	})

	t.Run("zero echo is an explicit error", func(t *testing.T) {
		dev := &scriptedDevice{echo: 0, accel: 512}

		_, err := Measure(context.Background(), dev, now)
		assert.ErrorIs(t, err, ErrNoEcho)
	})

	t.Run("echo error", func(t *testing.T) {
		dev := &scriptedDevice{echoErr: ErrTimeout}

		_, err := Measure(context.Background(), dev, now)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Contains(t, err.Error(), "measure distance")
	})

	t.Run("acceleration error", func(t *testing.T) {
		boom := errors.New("adc busy")
		dev := &scriptedDevice{echo: time.Millisecond, accErr: boom}

		_, err := Measure(context.Background(), dev, now)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "sample acceleration")
	})
}
