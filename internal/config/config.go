package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Ufanet UfanetConfig `yaml:"ufanet"`
	HTTP   HTTPConfig   `yaml:"http"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Log    LogConfig    `yaml:"log"`
}

// UfanetConfig holds the backend account and polling configuration.
type UfanetConfig struct {
	APIBase        string        `yaml:"api_base"`
	Contract       string        `yaml:"contract"`
	Password       string        `yaml:"password"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TokenSkew      time.Duration `yaml:"token_skew"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Ufanet: UfanetConfig{
			APIBase:        "https://dom.ufanet.ru/",
			PollInterval:   60 * time.Second,
			RequestTimeout: 15 * time.Second,
			TokenSkew:      30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "ufanet",
			DeviceID:    "ufanet_intercom",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
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

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every problem that would prevent the daemon from running.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Ufanet.Contract) == "" {
		errs = append(errs, errors.New("ufanet.contract is required"))
	}
	if c.Ufanet.Password == "" {
		errs = append(errs, errors.New("ufanet.password is required"))
	}
	if u, err := url.Parse(c.Ufanet.APIBase); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("ufanet.api_base %q is not an absolute url", c.Ufanet.APIBase))
	}
	if c.Ufanet.PollInterval <= 0 {
		errs = append(errs, errors.New("ufanet.poll_interval must be positive"))
	}
	if c.Ufanet.RequestTimeout <= 0 {
		errs = append(errs, errors.New("ufanet.request_timeout must be positive"))
	}
	if c.Ufanet.TokenSkew < 0 {
		errs = append(errs, errors.New("ufanet.token_skew must not be negative"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("UFANET_API_BASE"); v != "" {
		cfg.Ufanet.APIBase = v
	}
	if v := os.Getenv("UFANET_CONTRACT"); v != "" {
		cfg.Ufanet.Contract = v
	}
	if v := os.Getenv("UFANET_PASSWORD"); v != "" {
		cfg.Ufanet.Password = v
	}
	for name, dst := range map[string]*time.Duration{
		"UFANET_POLL_INTERVAL":   &cfg.Ufanet.PollInterval,
		"UFANET_REQUEST_TIMEOUT": &cfg.Ufanet.RequestTimeout,
		"UFANET_TOKEN_SKEW":      &cfg.Ufanet.TokenSkew,
	} {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("UFANET_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("UFANET_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("UFANET_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("UFANET_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("UFANET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("UFANET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("UFANET_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("UFANET_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("UFANET_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("UFANET_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
