// Command sonicup measures distance and acceleration through the sensor
// front-end and uploads every reading to the configured script endpoint.
//
// Usage example: sonicup -config config.yaml -p /dev/ttyACM0
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/sonicup/pkg/config"
	"github.com/itohio/sonicup/pkg/loop"
	"github.com/itohio/sonicup/pkg/sensor"
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	var (
		configFlag   = flag.String("config", "config.yaml", "Configuration file path")
		portFlag     = flag.String("p", "", "Serial port override (e.g., /dev/ttyACM0)")
		mockFlag     = flag.Bool("mock", false, "Use mocked sensor front-end instead of serial port")
		insecureFlag = flag.Bool("insecure", false, "Skip TLS certificate verification of the endpoint")
		listFlag     = flag.Bool("list-ports", false, "List serial ports and exit")
		saveFlag     = flag.String("save-config", "", "Write the effective configuration to this file and exit")
	)
	flag.Parse()

	if *listFlag {
		listPorts()
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *portFlag != "" {
		cfg.Device.Port = *portFlag
	}
	if *mockFlag {
		cfg.Device.Kind = config.DeviceMock
	}
	if *insecureFlag {
		cfg.Endpoint.Insecure = true
	}

	if *saveFlag != "" {
		if err := cfg.Save(*saveFlag); err != nil {
			log.Fatalf("Failed to save configuration: %v", err)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Logging.Level, err)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := Build(ctx, cfg, log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer app.Close()

	err = app.Loop.Run(ctx)
	switch {
	case errors.Is(err, loop.ErrSuspended):
		if cfg.Loop.HaltOnSuspend {
			log.Info("Suspended; waiting for a signal to exit")
			<-ctx.Done()
		}
	case errors.Is(err, context.Canceled):
		log.Info("Shutting down")
	case err != nil:
		log.Errorf("Loop stopped: %v", err)
		app.Close()
		os.Exit(1)
	}
}

func listPorts() {
	ports, err := sensor.Ports()
	if err != nil {
		log.Fatalf("Failed to list ports: %v", err)
	}
	for _, p := range ports {
		fmt.Println(p.Name)
	}
}
