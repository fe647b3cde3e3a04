package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/sensor/goble"
	"github.com/srg/sensorlink/internal/sink"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     logrus.Level  `yaml:"log_level" default:"4"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" default:"10s"`
	OutputFormat string        `yaml:"output_format" default:"table"`

	Sensor SensorConfig `yaml:"sensor"`

	MQTT       MQTTSink   `yaml:"mqtt"`
	InfluxDB   InfluxSink `yaml:"influxdb"`
	RecordPath string     `yaml:"record_path"`
}

// SensorConfig covers the GATT profile and the session timings.
type SensorConfig struct {
	CommandTimeout  time.Duration `yaml:"command_timeout" default:"50s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"20s"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout" default:"30s"`
	SampleBatchSize int           `yaml:"sample_batch_size" default:"10"`
	BatteryRefresh  time.Duration `yaml:"battery_refresh" default:"60s"`

	ServiceUUID string `yaml:"service_uuid" default:"f000ffd0-0451-4000-b000-000000000000"`
	CommandUUID string `yaml:"command_uuid" default:"f000ffd1-0451-4000-b000-000000000000"`
	DataUUID    string `yaml:"data_uuid" default:"f000ffd2-0451-4000-b000-000000000000"`
}

type MQTTSink struct {
	Enabled bool `yaml:"enabled"`

	sink.MQTTConfig `yaml:",inline"`
}

type InfluxSink struct {
	Enabled bool `yaml:"enabled"`

	sink.InfluxConfig `yaml:",inline"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file
// keep their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format %q: must be table or json", c.OutputFormat)
	}
	if c.Sensor.SampleBatchSize <= 0 {
		return fmt.Errorf("sensor.sample_batch_size must be positive, got %d", c.Sensor.SampleBatchSize)
	}
	if c.Sensor.CommandTimeout <= 0 {
		return fmt.Errorf("sensor.command_timeout must be positive")
	}
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt.qos %d: must be 0, 1 or 2", c.MQTT.QoS)
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb.url is required when influxdb is enabled")
	}
	return nil
}

// GatewayOptions maps the sensor settings onto the go-ble gateway.
func (c *Config) GatewayOptions() *goble.Options {
	opts := goble.DefaultOptions()
	opts.CommandTimeout = c.Sensor.CommandTimeout
	opts.ConnectTimeout = c.Sensor.ConnectTimeout
	opts.ServiceUUID = c.Sensor.ServiceUUID
	opts.CommandUUID = c.Sensor.CommandUUID
	opts.DataUUID = c.Sensor.DataUUID
	return opts
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
