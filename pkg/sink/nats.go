package sink

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"

	"github.com/itohio/sonicup/pkg/sensor"
)

// NATSOptions configures the JetStream mirror.
type NATSOptions struct {
	URL        string
	Stream     string
	Subject    string // Readings go to <Subject>.<Device>
	Device     string
	TLSEnabled bool
	ClientCert string
	ClientKey  string
	RootCA     string
}

type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes readings to a JetStream stream.
type NATS struct {
	nc      *nats.Conn
	js      jetStreamPublisher
	subject string
	device  string
}

// NATSConnect connects and makes sure the stream exists.
func NATSConnect(ctx context.Context, cfg NATSOptions) (*NATS, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := []nats.Option{nats.Name("sonicup-" + cfg.Device)}
	if cfg.TLSEnabled {
		if cfg.RootCA != "" {
			opts = append(opts, nats.RootCAs(cfg.RootCA))
		}
		if cfg.ClientCert != "" {
			opts = append(opts, nats.ClientCert(cfg.ClientCert, cfg.ClientKey))
		}
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", cfg.URL)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "jetstream")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Retention: jetstream.LimitsPolicy,
		Subjects:  []string{cfg.Subject + ".>"},
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, errors.Wrapf(err, "create stream %s", cfg.Stream)
	}

	return newNATS(nc, js, cfg.Subject, cfg.Device), nil
}

func newNATS(nc *nats.Conn, js jetStreamPublisher, subject, device string) *NATS {
	return &NATS{
		nc:      nc,
		js:      js,
		subject: subject + "." + device,
		device:  device,
	}
}

// Name implements Sink.
func (p *NATS) Name() string { return "nats" }

// Publish implements Sink.
func (p *NATS) Publish(ctx context.Context, r sensor.Reading) error {
	payload, err := NewRecord(p.device, r).Marshal()
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(ctx, p.subject, payload); err != nil {
		return errors.Wrapf(err, "publish %s", p.subject)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATS) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
