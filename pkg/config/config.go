// Package config loads the watcher configuration from YAML, with environment
// variables filling in anything the file leaves out. Credentials in
// particular are usually supplied through the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full configuration document.
type Config struct {
	IMAP       IMAPConfig       `yaml:"imap"`
	Idle       IdleConfig       `yaml:"imap_idle"`
	Filters    FilterConfig     `yaml:"filters"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Processing ProcessingConfig `yaml:"processing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"`
	UseSSL   *bool  `yaml:"use_ssl"`
}

type IdleConfig struct {
	IdleTimeoutSeconds         int     `yaml:"idle_timeout_seconds"`
	PollIntervalSeconds        int     `yaml:"poll_interval_seconds"`
	MaxReconnectAttempts       int     `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelayMs       int     `yaml:"reconnect_base_delay_ms"`
	ReconnectBackoffMultiplier float64 `yaml:"reconnect_backoff_multiplier"`
}

type FilterConfig struct {
	SearchKeywords []string `yaml:"search_keywords"`
	FromDomains    []string `yaml:"from_domains"`
}

type MQTTConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	UseTLS    *bool  `yaml:"use_tls"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Topic     string `yaml:"topic"`
	ClientID  string `yaml:"client_id"`
	QoS       *int   `yaml:"qos"`
	KeepAlive int    `yaml:"keepalive_seconds"`
}

type ProcessingConfig struct {
	BodyLimit int `yaml:"body_limit_bytes"`
}

type LoggingConfig struct {
	Level                 string `yaml:"level"`
	Sanitize              bool   `yaml:"sanitize"`
	PseudonymSecret       string `yaml:"pseudonym_secret"`
	StatusIntervalSeconds *int   `yaml:"status_interval_seconds"`
}

// Load reads the file at path (skipped when path is empty or missing), layers
// environment variables on top, applies defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.IMAP.Host, "IMAP_HOST")
	envInt(&c.IMAP.Port, "IMAP_PORT")
	envStr(&c.IMAP.User, "IMAP_USER")
	envStr(&c.IMAP.Password, "IMAP_PASSWORD")
	envStr(&c.IMAP.Folder, "IMAP_FOLDER")

	envStr(&c.MQTT.Host, "MQTT_HOST")
	envInt(&c.MQTT.Port, "MQTT_PORT")
	envStr(&c.MQTT.Username, "MQTT_USERNAME")
	envStr(&c.MQTT.Password, "MQTT_PASSWORD")
	envStr(&c.MQTT.Topic, "MQTT_TOPIC")

	envList(&c.Filters.SearchKeywords, "SEARCH_KEYWORDS")
	envList(&c.Filters.FromDomains, "FROM_DOMAINS")

	envStr(&c.Logging.Level, "LOG_LEVEL")
	envStr(&c.Logging.PseudonymSecret, "PSEUDONYM_SECRET")
}

func (c *Config) applyDefaults() {
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.Idle.IdleTimeoutSeconds <= 0 {
		c.Idle.IdleTimeoutSeconds = 300
	}
	if c.Idle.PollIntervalSeconds <= 0 {
		c.Idle.PollIntervalSeconds = 30
	}
	if c.Idle.MaxReconnectAttempts <= 0 {
		c.Idle.MaxReconnectAttempts = 10
	}
	if c.Idle.ReconnectBaseDelayMs <= 0 {
		c.Idle.ReconnectBaseDelayMs = 5000
	}
	if c.Idle.ReconnectBackoffMultiplier <= 0 {
		c.Idle.ReconnectBackoffMultiplier = 1.5
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 8883
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "mailwatch/alerts"
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = 60
	}
	if c.Processing.BodyLimit <= 0 {
		c.Processing.BodyLimit = 4000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.IMAP.Host == "" {
		return fmt.Errorf("imap host is required (imap.host or IMAP_HOST)")
	}
	if c.IMAP.User == "" {
		return fmt.Errorf("imap user is required (imap.user or IMAP_USER)")
	}
	if c.IMAP.Password == "" {
		return fmt.Errorf("imap password is required (imap.password or IMAP_PASSWORD)")
	}
	if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt qos must be 0, 1, or 2, got %d", *c.MQTT.QoS)
	}
	return nil
}

// IMAPUseSSL reports whether the IMAP connection uses TLS. Defaults on.
func (c *Config) IMAPUseSSL() bool {
	return c.IMAP.UseSSL == nil || *c.IMAP.UseSSL
}

// MQTTUseTLS reports whether the broker connection uses TLS. Defaults on.
func (c *Config) MQTTUseTLS() bool {
	return c.MQTT.UseTLS == nil || *c.MQTT.UseTLS
}

// MQTTQoS returns the publish QoS level. Defaults to 1 (at least once).
func (c *Config) MQTTQoS() byte {
	if c.MQTT.QoS == nil {
		return 1
	}
	return byte(*c.MQTT.QoS)
}

// MQTTEnabled reports whether publishing is configured at all. An empty
// broker host means log-only operation.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Host != ""
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Idle.IdleTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Idle.PollIntervalSeconds) * time.Second
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.Idle.ReconnectBaseDelayMs) * time.Millisecond
}

// StatusInterval returns the spacing of periodic status reports. Defaults to
// 5 minutes; an explicit zero (or negative) disables them.
func (c *Config) StatusInterval() time.Duration {
	if c.Logging.StatusIntervalSeconds == nil {
		return 5 * time.Minute
	}
	if *c.Logging.StatusIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(*c.Logging.StatusIntervalSeconds) * time.Second
}

func (c *Config) MQTTKeepAlive() time.Duration {
	return time.Duration(c.MQTT.KeepAlive) * time.Second
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
