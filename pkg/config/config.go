package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Device kinds.
const (
	DeviceSerial = "serial"
	DeviceMock   = "mock"
)

// EnvPrefix is the prefix of environment variables that override file values.
const EnvPrefix = "SONICUP"

// Config represents the application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Mock     MockConfig     `yaml:"mock"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Network  NetworkConfig  `yaml:"network"`
	Loop     LoopConfig     `yaml:"loop"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	NATS     NATSConfig     `yaml:"nats"`
	Dynamo   DynamoConfig   `yaml:"dynamo"`
}

// DeviceConfig selects and configures the sensor front-end.
type DeviceConfig struct {
	Kind     string        `yaml:"kind"` // "serial" or "mock"
	Name     string        `yaml:"name"` // Device name used in mirrored records
	Port     string        `yaml:"port"`
	BaudRate int           `yaml:"baud_rate"`
	Timeout  time.Duration `yaml:"timeout"` // Per-command reply timeout
}

// MockConfig contains simulated sensor parameters.
type MockConfig struct {
	NearCM         float64       `yaml:"near_cm"`         // Closest simulated target distance
	FarCM          float64       `yaml:"far_cm"`          // Farthest simulated target distance
	Period         time.Duration `yaml:"period"`          // Target oscillation period
	AccelCenter    float64       `yaml:"accel_center"`    // ADC count at rest
	AccelAmplitude float64       `yaml:"accel_amplitude"` // ADC counts of swing
	DropEvery      int           `yaml:"drop_every"`      // Simulate a missing echo every N pulses (0 = never)
}

// EndpointConfig describes the remote script endpoint.
type EndpointConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	ScriptID  string        `yaml:"script_id"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	// Insecure disables TLS certificate verification. Off unless set explicitly.
	Insecure bool `yaml:"insecure"`
}

// NetworkConfig controls network bring-up before the loop starts.
type NetworkConfig struct {
	Interface     string        `yaml:"interface"` // Empty: probe by resolving the endpoint host
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"` // Equal to RetryDelay for a constant backoff
}

// LoopConfig contains main loop parameters.
type LoopConfig struct {
	Interval       time.Duration `yaml:"interval"`
	SuspendBelowCM int           `yaml:"suspend_below_cm"`
	HaltOnSuspend  bool          `yaml:"halt_on_suspend"` // Block until signalled instead of exiting
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"` // Empty disables the endpoint
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// NATSConfig configures the optional JetStream mirror.
type NATSConfig struct {
	URL        string `yaml:"url"` // Empty disables the mirror
	Stream     string `yaml:"stream"`
	Subject    string `yaml:"subject"`
	TLSEnabled bool   `yaml:"tls_enabled"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	RootCA     string `yaml:"root_ca"`
}

// DynamoConfig configures the optional DynamoDB mirror.
type DynamoConfig struct {
	Table  string `yaml:"table"` // Empty disables the mirror
	Region string `yaml:"region"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Kind:     DeviceSerial,
			Name:     "sonicup",
			Port:     "/dev/ttyUSB0",
			BaudRate: 115200,
			Timeout:  2 * time.Second,
		},
		Mock: MockConfig{
			NearCM:         5,
			FarCM:          120,
			Period:         30 * time.Second,
			AccelCenter:    512,
			AccelAmplitude: 40,
		},
		Endpoint: EndpointConfig{
			Host:      "script.google.com",
			Port:      443,
			UserAgent: "sonicup",
			Timeout:   15 * time.Second,
		},
		Network: NetworkConfig{
			MaxAttempts:   60,
			RetryDelay:    500 * time.Millisecond,
			MaxRetryDelay: 500 * time.Millisecond,
		},
		Loop: LoopConfig{
			Interval:       time.Second,
			SuspendBelowCM: 2,
			HaltOnSuspend:  true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		NATS: NATSConfig{
			Stream:  "SONICUP_READINGS",
			Subject: "sonicup.readings",
		},
		Dynamo: DynamoConfig{
			Region: "eu-west-1",
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist or fields are missing, it uses
// default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// File doesn't exist, keep defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.ensureDefaults()
	cfg.applyEnv(newEnv())

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports configuration values the program cannot run with.
func (c *Config) Validate() error {
	switch c.Device.Kind {
	case DeviceSerial:
		if c.Device.Port == "" {
			return fmt.Errorf("device.port must be set for a serial device")
		}
	case DeviceMock:
	default:
		return fmt.Errorf("unknown device kind %q", c.Device.Kind)
	}

	if c.Endpoint.Host == "" {
		return fmt.Errorf("endpoint.host must be set")
	}
	if c.Endpoint.Port <= 0 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("endpoint.port out of range: %d", c.Endpoint.Port)
	}
	if c.Endpoint.ScriptID == "" {
		return fmt.Errorf("endpoint.script_id must be set")
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be positive")
	}
	if c.Network.MaxAttempts <= 0 {
		return fmt.Errorf("network.max_attempts must be positive")
	}
	if c.Mock.FarCM < c.Mock.NearCM {
		return fmt.Errorf("mock.far_cm (%v) is below mock.near_cm (%v)", c.Mock.FarCM, c.Mock.NearCM)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Device.Kind == "" {
		c.Device.Kind = def.Device.Kind
	}
	if c.Device.Name == "" {
		c.Device.Name = def.Device.Name
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = def.Device.BaudRate
	}
	if c.Device.Timeout == 0 {
		c.Device.Timeout = def.Device.Timeout
	}

	if c.Mock.Period == 0 {
		c.Mock.Period = def.Mock.Period
	}
	if c.Mock.FarCM == 0 && c.Mock.NearCM == 0 {
		c.Mock.NearCM = def.Mock.NearCM
		c.Mock.FarCM = def.Mock.FarCM
	}
	if c.Mock.AccelCenter == 0 {
		c.Mock.AccelCenter = def.Mock.AccelCenter
	}

	if c.Endpoint.Host == "" {
		c.Endpoint.Host = def.Endpoint.Host
	}
	if c.Endpoint.Port == 0 {
		c.Endpoint.Port = def.Endpoint.Port
	}
	if c.Endpoint.UserAgent == "" {
		c.Endpoint.UserAgent = def.Endpoint.UserAgent
	}
	if c.Endpoint.Timeout == 0 {
		c.Endpoint.Timeout = def.Endpoint.Timeout
	}

	if c.Network.MaxAttempts == 0 {
		c.Network.MaxAttempts = def.Network.MaxAttempts
	}
	if c.Network.RetryDelay == 0 {
		c.Network.RetryDelay = def.Network.RetryDelay
	}
	if c.Network.MaxRetryDelay < c.Network.RetryDelay {
		c.Network.MaxRetryDelay = c.Network.RetryDelay
	}

	if c.Loop.Interval == 0 {
		c.Loop.Interval = def.Loop.Interval
	}
	if c.Loop.SuspendBelowCM == 0 {
		c.Loop.SuspendBelowCM = def.Loop.SuspendBelowCM
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}

	if c.NATS.Stream == "" {
		c.NATS.Stream = def.NATS.Stream
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = def.NATS.Subject
	}

	if c.Dynamo.Region == "" {
		c.Dynamo.Region = def.Dynamo.Region
	}
}

// envKeys lists the settings that may be overridden from the environment,
// e.g. endpoint.script_id from SONICUP_ENDPOINT_SCRIPT_ID.
var envKeys = []string{
	"endpoint.host",
	"endpoint.script_id",
	"device.port",
	"network.interface",
	"nats.url",
	"dynamo.table",
	"dynamo.region",
	"logging.level",
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// applyEnv copies non-empty environment overrides into the config.
func (c *Config) applyEnv(v *viper.Viper) {
	targets := map[string]*string{
		"endpoint.host":      &c.Endpoint.Host,
		"endpoint.script_id": &c.Endpoint.ScriptID,
		"device.port":        &c.Device.Port,
		"network.interface":  &c.Network.Interface,
		"nats.url":           &c.NATS.URL,
		"dynamo.table":       &c.Dynamo.Table,
		"dynamo.region":      &c.Dynamo.Region,
		"logging.level":      &c.Logging.Level,
	}

	for _, key := range envKeys {
		if value := v.GetString(key); value != "" {
			*targets[key] = value
		}
	}
}
