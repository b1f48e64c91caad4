// Package sink mirrors readings to secondary destinations.
package sink

import (
	"context"
	"encoding/json"

	"github.com/itohio/sonicup/pkg/sensor"
)

// Sink receives every reading after the primary upload.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r sensor.Reading) error
	Close() error
}

// Record is the mirrored form of a reading.
type Record struct {
	Device string `json:"device"`
	// Unix milliseconds
	Timestamp    int64 `json:"timestamp"`
	DistanceCM   int   `json:"distance_cm"`
	Acceleration int   `json:"acceleration"`
	EchoUS       int64 `json:"echo_us"`
}

// NewRecord converts a reading taken on device.
func NewRecord(device string, r sensor.Reading) Record {
	return Record{
		Device:       device,
		Timestamp:    r.Timestamp.UnixMilli(),
		DistanceCM:   r.Distance,
		Acceleration: r.Acceleration,
		EchoUS:       r.Echo.Microseconds(),
	}
}

// Marshal encodes the record as JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
