package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Poll and startup bounds, in seconds.
const (
	DefaultPollInterval = 60
	MinPollInterval     = 10
	MaxPollInterval     = 3600
	MaxStartupDelay     = 300
)

// Config holds all application configuration.
type Config struct {
	Neakasa  NeakasaConfig  `yaml:"neakasa"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	HomeKit  HomeKitConfig  `yaml:"homekit"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// NeakasaConfig holds the vendor cloud account and polling configuration.
type NeakasaConfig struct {
	APIBase           string         `yaml:"api_base"`
	Username          string         `yaml:"username"`
	Password          string         `yaml:"password"`
	PollInterval      int            `yaml:"poll_interval"`
	StartupBehavior   string         `yaml:"startup_behavior"`
	StartupDelay      int            `yaml:"startup_delay"`
	DiscoveryInterval int            `yaml:"discovery_interval"`
	Devices           []DeviceConfig `yaml:"devices"`
}

// DeviceConfig overrides settings for one device, selected by iot_id or
// device_name.
type DeviceConfig struct {
	IotID        string          `yaml:"iot_id"`
	DeviceName   string          `yaml:"device_name"`
	Name         string          `yaml:"name"`
	PollInterval int             `yaml:"poll_interval"`
	Hidden       bool            `yaml:"hidden"`
	Features     map[string]bool `yaml:"features"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// HomeKitConfig holds the HomeKit bridge configuration.
type HomeKitConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BridgeName  string `yaml:"bridge_name"`
	Pin         string `yaml:"pin"`
	Port        string `yaml:"port"`
	StoragePath string `yaml:"storage_path"`
}

// InfluxDBConfig holds the telemetry export configuration.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Neakasa: NeakasaConfig{
			PollInterval:    DefaultPollInterval,
			StartupBehavior: "immediate",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		MQTT: MQTTConfig{
			ClientID:        "neakasad",
			TopicPrefix:     "neakasa",
			DiscoveryPrefix: "homeassistant",
		},
		HomeKit: HomeKitConfig{
			BridgeName:  "Neakasa Bridge",
			Pin:         "00102003",
			StoragePath: "/data/homekit",
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "neakasa",
			BatchSize:     100,
			FlushInterval: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	setString(&cfg.Neakasa.APIBase, "NEAKASA_API_BASE")
	setString(&cfg.Neakasa.Username, "NEAKASA_USERNAME")
	setString(&cfg.Neakasa.Password, "NEAKASA_PASSWORD")
	setInt(&cfg.Neakasa.PollInterval, "NEAKASA_POLL_INTERVAL")
	setString(&cfg.Neakasa.StartupBehavior, "NEAKASA_STARTUP_BEHAVIOR")
	setInt(&cfg.Neakasa.StartupDelay, "NEAKASA_STARTUP_DELAY")
	setInt(&cfg.Neakasa.DiscoveryInterval, "NEAKASA_DISCOVERY_INTERVAL")

	setBool(&cfg.HTTP.Enabled, "NEAKASA_HTTP_ENABLED")
	setString(&cfg.HTTP.Addr, "NEAKASA_HTTP_ADDR")
	setBool(&cfg.HTTP.CORSAll, "NEAKASA_CORS_ALLOW_ALL")

	setBool(&cfg.MQTT.Enabled, "NEAKASA_MQTT_ENABLED")
	setString(&cfg.MQTT.Broker, "NEAKASA_MQTT_BROKER")
	setString(&cfg.MQTT.Username, "NEAKASA_MQTT_USERNAME")
	setString(&cfg.MQTT.Password, "NEAKASA_MQTT_PASSWORD")
	setString(&cfg.MQTT.TopicPrefix, "NEAKASA_MQTT_TOPIC_PREFIX")
	setString(&cfg.MQTT.DiscoveryPrefix, "NEAKASA_MQTT_DISCOVERY_PREFIX")

	setBool(&cfg.HomeKit.Enabled, "NEAKASA_HOMEKIT_ENABLED")
	setString(&cfg.HomeKit.Pin, "NEAKASA_HOMEKIT_PIN")
	setString(&cfg.HomeKit.Port, "NEAKASA_HOMEKIT_PORT")
	setString(&cfg.HomeKit.StoragePath, "NEAKASA_HOMEKIT_STORAGE_PATH")

	setBool(&cfg.InfluxDB.Enabled, "NEAKASA_INFLUXDB_ENABLED")
	setString(&cfg.InfluxDB.URL, "NEAKASA_INFLUXDB_URL")
	setString(&cfg.InfluxDB.Token, "NEAKASA_INFLUXDB_TOKEN")
	setString(&cfg.InfluxDB.Org, "NEAKASA_INFLUXDB_ORG")
	setString(&cfg.InfluxDB.Bucket, "NEAKASA_INFLUXDB_BUCKET")

	setBool(&cfg.Metrics.Enabled, "NEAKASA_METRICS_ENABLED")

	setString(&cfg.Log.Level, "NEAKASA_LOG_LEVEL")
	setString(&cfg.Log.Format, "NEAKASA_LOG_FORMAT")
	setString(&cfg.Log.Output, "NEAKASA_LOG_OUTPUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = parseBool(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

// Sanitize clamps out-of-range values and drops unusable device overrides.
// It returns one warning per adjustment.
func (c *Config) Sanitize() []string {
	var warnings []string

	n := &c.Neakasa
	if n.PollInterval == 0 {
		n.PollInterval = DefaultPollInterval
	}
	if v := clamp(n.PollInterval, MinPollInterval, MaxPollInterval); v != n.PollInterval {
		warnings = append(warnings, fmt.Sprintf("neakasa.poll_interval %d out of range, using %d", n.PollInterval, v))
		n.PollInterval = v
	}

	switch strings.ToLower(strings.TrimSpace(n.StartupBehavior)) {
	case "", "immediate":
		n.StartupBehavior = "immediate"
	case "delayed":
		n.StartupBehavior = "delayed"
	default:
		warnings = append(warnings, fmt.Sprintf("neakasa.startup_behavior %q unknown, using immediate", n.StartupBehavior))
		n.StartupBehavior = "immediate"
	}
	if v := clamp(n.StartupDelay, 0, MaxStartupDelay); v != n.StartupDelay {
		warnings = append(warnings, fmt.Sprintf("neakasa.startup_delay %d out of range, using %d", n.StartupDelay, v))
		n.StartupDelay = v
	}
	if n.DiscoveryInterval < 0 {
		warnings = append(warnings, "neakasa.discovery_interval negative, discovering once")
		n.DiscoveryInterval = 0
	}

	devices := n.Devices[:0]
	for i, d := range n.Devices {
		if d.IotID == "" && d.DeviceName == "" {
			warnings = append(warnings, fmt.Sprintf("neakasa.devices[%d] has neither iot_id nor device_name, ignored", i))
			continue
		}
		if d.PollInterval != 0 {
			if v := clamp(d.PollInterval, MinPollInterval, MaxPollInterval); v != d.PollInterval {
				warnings = append(warnings, fmt.Sprintf("neakasa.devices[%d].poll_interval %d out of range, using %d", i, d.PollInterval, v))
				d.PollInterval = v
			}
		}
		devices = append(devices, d)
	}
	n.Devices = devices

	return warnings
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Neakasa.Username == "" {
		errs = append(errs, "neakasa.username is required")
	}
	if c.Neakasa.Password == "" {
		errs = append(errs, "neakasa.password is required")
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required when http is enabled")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}

	if c.HomeKit.Enabled {
		if len(c.HomeKit.Pin) != 8 || strings.Trim(c.HomeKit.Pin, "0123456789") != "" {
			errs = append(errs, "homekit.pin must be 8 digits")
		}
		if c.HomeKit.StoragePath == "" {
			errs = append(errs, "homekit.storage_path is required when homekit is enabled")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be text or json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PollIntervalDuration returns the default poll interval.
func (n NeakasaConfig) PollIntervalDuration() time.Duration {
	return time.Duration(n.PollInterval) * time.Second
}

// StartupDelayDuration returns the startup delay.
func (n NeakasaConfig) StartupDelayDuration() time.Duration {
	return time.Duration(n.StartupDelay) * time.Second
}

// DiscoveryIntervalDuration returns the rediscovery interval, zero for none.
func (n NeakasaConfig) DiscoveryIntervalDuration() time.Duration {
	return time.Duration(n.DiscoveryInterval) * time.Second
}

// FlushIntervalDuration returns the InfluxDB flush interval.
func (i InfluxDBConfig) FlushIntervalDuration() time.Duration {
	return time.Duration(i.FlushInterval) * time.Millisecond
}
