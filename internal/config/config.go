package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sensors "airwatch-ingest/internal/sensors/domain"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config is the process configuration.
type Config struct {
	HTTPAddr     string `yaml:"http_addr"`
	DatabaseURL  string `yaml:"database_url"`
	SharedSecret string `yaml:"shared_secret"`
	JWTSecret    string `yaml:"jwt_secret"`
	LogLevel     string `yaml:"log_level"`

	MQTT      MQTTConfig      `yaml:"mqtt"`
	NATS      NATSConfig      `yaml:"nats"`
	Ingest    IngestConfig    `yaml:"ingest"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Buffer    BufferConfig    `yaml:"metrics_buffer"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Tables    TableConfig     `yaml:"tables"`

	// Sensors are upserted into the sensor store at startup, in either
	// storage mode. Liveness of an existing sensor is kept.
	Sensors []SensorSeed `yaml:"sensors"`
}

// MQTTConfig controls the broker listener. An empty BrokerURL disables it.
type MQTTConfig struct {
	BrokerURL            string        `yaml:"broker_url"`
	ClientID             string        `yaml:"client_id"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	StatusTopic          string        `yaml:"status_topic"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	InboundRateLimit     float64       `yaml:"inbound_rate_limit"`
	InboundBurst         int           `yaml:"inbound_burst"`
}

// NATSConfig controls the fan-out bridge. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type IngestConfig struct {
	MaxFutureSkew     time.Duration `yaml:"max_future_skew"`
	RelativeThreshold int64         `yaml:"relative_threshold"`
}

type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

type BufferConfig struct {
	FlushSize     int           `yaml:"flush_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffered   int           `yaml:"max_buffered"`
}

type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type FanoutConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// TableConfig names the Postgres tables shared by the stores and the DB gauges.
type TableConfig struct {
	Sensors  string `yaml:"sensors"`
	Readings string `yaml:"readings"`
}

// SensorSeed is a provisioned sensor for in-memory mode.
type SensorSeed struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	FrequencyMinutes int    `yaml:"frequency_minutes"`
}

// Load reads configuration from the environment, then overlays the YAML file
// named by INGEST_CONFIG when set.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:     getenvDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:  getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		SharedSecret: os.Getenv("INGEST_SHARED_SECRET"),
		JWTSecret:    os.Getenv("AUTH_JWT_SECRET"),
		LogLevel:     getenvDefault("LOG_LEVEL", "info"),
		MQTT: MQTTConfig{
			BrokerURL:            os.Getenv("MQTT_BROKER_URL"),
			ClientID:             getenvDefault("MQTT_CLIENT_ID", "airwatch-ingest"),
			Username:             os.Getenv("MQTT_USERNAME"),
			Password:             os.Getenv("MQTT_PASSWORD"),
			StatusTopic:          getenvDefault("MQTT_STATUS_TOPIC", "system/ingest/status"),
			ReconnectInterval:    getenvDuration("MQTT_RECONNECT_INTERVAL", time.Second),
			MaxReconnectInterval: getenvDuration("MQTT_MAX_RECONNECT_INTERVAL", time.Minute),
			MaxReconnectAttempts: getenvIntDefault("MQTT_MAX_RECONNECT_ATTEMPTS", 10),
			HeartbeatInterval:    getenvDuration("MQTT_HEARTBEAT_INTERVAL", 30*time.Second),
			InboundRateLimit:     getenvFloatDefault("MQTT_INBOUND_RATE_LIMIT", 0),
			InboundBurst:         getenvIntDefault("MQTT_INBOUND_BURST", 0),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "telemetry.readings"),
		},
		Ingest: IngestConfig{
			MaxFutureSkew:     getenvDuration("INGEST_MAX_FUTURE_SKEW", 5*time.Minute),
			RelativeThreshold: int64(getenvIntDefault("INGEST_RELATIVE_TS_THRESHOLD", 10_000_000_000)),
		},
		RateLimit: RateLimitConfig{
			Window: getenvDuration("RATE_LIMIT_WINDOW", time.Minute),
			Max:    getenvIntDefault("RATE_LIMIT_MAX", 120),
		},
		Buffer: BufferConfig{
			FlushSize:     getenvIntDefault("METRICS_FLUSH_SIZE", 100),
			FlushInterval: getenvDuration("METRICS_FLUSH_INTERVAL", 30*time.Second),
			MaxBuffered:   getenvIntDefault("METRICS_MAX_BUFFERED", 1000),
		},
		Sweep: SweepConfig{
			Interval: getenvDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
		Fanout: FanoutConfig{
			SubscriberBuffer: getenvIntDefault("FANOUT_SUBSCRIBER_BUFFER", 64),
		},
		Tables: TableConfig{
			Sensors:  getenvDefault("DB_SENSORS_TABLE", "sensors"),
			Readings: getenvDefault("DB_READINGS_TABLE", "readings"),
		},
	}

	if path := os.Getenv("INGEST_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks required settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SharedSecret) == "" {
		return errors.New("config: INGEST_SHARED_SECRET is required")
	}
	if c.HTTPAddr == "" {
		return errors.New("config: empty http addr")
	}
	// Table names are interpolated into SQL.
	for _, table := range []string{c.Tables.Sensors, c.Tables.Readings} {
		if !tableName.MatchString(table) {
			return fmt.Errorf("config: invalid table name %q", table)
		}
	}
	for _, seed := range c.Sensors {
		if _, err := seed.Sensor(); err != nil {
			return fmt.Errorf("config: sensor seed %q: %w", seed.ID, err)
		}
	}
	return nil
}

// Sensor converts a seed into a never-seen sensor.
func (s SensorSeed) Sensor() (sensors.Sensor, error) {
	sensor := sensors.Sensor{
		ID:               s.ID,
		Name:             s.Name,
		FrequencyMinutes: s.FrequencyMinutes,
		Status:           sensors.StatusDead,
	}
	return sensor, sensor.Validate()
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
