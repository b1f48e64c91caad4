package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/itohio/sonicup/pkg/config"
	"github.com/itohio/sonicup/pkg/loop"
	"github.com/itohio/sonicup/pkg/metrics"
	"github.com/itohio/sonicup/pkg/network"
	"github.com/itohio/sonicup/pkg/sensor"
	"github.com/itohio/sonicup/pkg/sink"
	"github.com/itohio/sonicup/pkg/upload"
)

// App holds everything Build wired together.
type App struct {
	Loop    *loop.Loop
	Device  sensor.Device
	Mirrors []sink.Sink
	Metrics *metrics.Metrics

	server *http.Server
	log    logrus.FieldLogger
	closed bool
}

// Build creates the device, uploader, mirrors and loop from cfg.
func Build(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	app := &App{log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewBuildInfoCollector())
	app.Metrics = metrics.New(reg)

	if cfg.Metrics.ListenAddress != "" {
		app.serveMetrics(cfg.Metrics.ListenAddress, reg)
	}

	app.Device = newDevice(cfg, log)
	if err := app.Device.Connect(); err != nil {
		app.Close()
		return nil, err
	}

	mirrors, err := newMirrors(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Mirrors = mirrors

	uploader := upload.New(upload.Endpoint{
		Host:      cfg.Endpoint.Host,
		Port:      cfg.Endpoint.Port,
		ScriptID:  cfg.Endpoint.ScriptID,
		UserAgent: cfg.Endpoint.UserAgent,
		Timeout:   cfg.Endpoint.Timeout,
		Insecure:  cfg.Endpoint.Insecure,
	}, log)

	app.Loop = loop.New(loop.Config{
		Interval:       cfg.Loop.Interval,
		SuspendBelowCM: cfg.Loop.SuspendBelowCM,
		Network: network.Policy{
			MaxAttempts: cfg.Network.MaxAttempts,
			Backoff:     network.NewBackoff(cfg.Network.RetryDelay, cfg.Network.MaxRetryDelay),
		},
	}, app.Device, newProber(cfg), uploader,
		loop.WithMirrors(app.Mirrors...),
		loop.WithRecorder(app.Metrics),
		loop.WithLogger(log),
	)

	return app, nil
}

// Close releases the device, mirrors and metrics server.
func (a *App) Close() {
	if a.closed {
		return
	}
	a.closed = true

	for _, m := range a.Mirrors {
		if err := m.Close(); err != nil {
			a.log.WithError(err).WithField("sink", m.Name()).Warn("Failed to close mirror")
		}
	}
	if a.Device != nil {
		if err := a.Device.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close device")
		}
	}
	if a.server != nil {
		_ = a.server.Close()
	}
}

func (a *App) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	a.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		a.log.Infof("Prometheus metrics available at %s/metrics", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Metrics server failed")
		}
	}()
}

func newDevice(cfg *config.Config, log logrus.FieldLogger) sensor.Device {
	if cfg.Device.Kind == config.DeviceMock {
		log.Info("Using mocked sensor front-end")
		return sensor.NewMock(&cfg.Mock)
	}
	return sensor.New(cfg.Device.Port, cfg.Device.BaudRate, cfg.Device.Timeout, log)
}

// newProber waits for the wireless interface when one is named and for
// the endpoint host to resolve otherwise.
func newProber(cfg *config.Config) network.Prober {
	if cfg.Network.Interface != "" {
		return network.InterfaceProber{Name: cfg.Network.Interface}
	}
	return network.ResolveProber{Host: cfg.Endpoint.Host}
}

func newMirrors(ctx context.Context, cfg *config.Config) ([]sink.Sink, error) {
	var mirrors []sink.Sink

	if cfg.NATS.URL != "" {
		n, err := sink.NATSConnect(ctx, sink.NATSOptions{
			URL:        cfg.NATS.URL,
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			Device:     cfg.Device.Name,
			TLSEnabled: cfg.NATS.TLSEnabled,
			ClientCert: cfg.NATS.ClientCert,
			ClientKey:  cfg.NATS.ClientKey,
			RootCA:     cfg.NATS.RootCA,
		})
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, n)
	}

	if cfg.Dynamo.Table != "" {
		d, err := sink.NewDynamo(cfg.Dynamo.Region, cfg.Dynamo.Table, cfg.Device.Name)
		if err != nil {
			for _, m := range mirrors {
				_ = m.Close()
			}
			return nil, err
		}
		mirrors = append(mirrors, d)
	}

	return mirrors, nil
}
