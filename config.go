package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr           string
	TLSCert        string
	TLSKey         string
	MaxMessageSize int64
	SendBuffer     int
	RateLimitPerIP float64
	MetricsAddr    string

	LogLevel  string
	LogFormat string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	TransferIdleTimeout   time.Duration
	TransferMaxLifetime   time.Duration
	TransferSweepInterval time.Duration

	ScreenDataInterval time.Duration
	ScreenThrottleSize int

	// FlatRooms disables the device:/subject: prefixes on room ids.
	FlatRooms bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8443")
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("max_message_size", 100*1024*1024)
	v.SetDefault("send_buffer", 256)
	v.SetDefault("rate_limit_per_ip", 100)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("heartbeat_timeout", "60s")
	v.SetDefault("transfer_idle_timeout", "5m")
	v.SetDefault("transfer_max_lifetime", "30m")
	v.SetDefault("transfer_sweep_interval", "60s")
	v.SetDefault("screen_data_interval", "100ms")
	v.SetDefault("screen_throttle_size", 4096)
	v.SetDefault("flat_rooms", false)
}

// LoadConfig reads relay.yaml from the working directory when present and
// applies RELAY_* environment overrides on top of the defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Addr:                  v.GetString("addr"),
		TLSCert:               v.GetString("tls_cert"),
		TLSKey:                v.GetString("tls_key"),
		MaxMessageSize:        v.GetInt64("max_message_size"),
		SendBuffer:            v.GetInt("send_buffer"),
		RateLimitPerIP:        v.GetFloat64("rate_limit_per_ip"),
		MetricsAddr:           v.GetString("metrics_addr"),
		LogLevel:              v.GetString("log_level"),
		LogFormat:             v.GetString("log_format"),
		HeartbeatInterval:     v.GetDuration("heartbeat_interval"),
		HeartbeatTimeout:      v.GetDuration("heartbeat_timeout"),
		TransferIdleTimeout:   v.GetDuration("transfer_idle_timeout"),
		TransferMaxLifetime:   v.GetDuration("transfer_max_lifetime"),
		TransferSweepInterval: v.GetDuration("transfer_sweep_interval"),
		ScreenDataInterval:    v.GetDuration("screen_data_interval"),
		ScreenThrottleSize:    v.GetInt("screen_throttle_size"),
		FlatRooms:             v.GetBool("flat_rooms"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints LoadConfig cannot express as
// defaults.
func (c *Config) Validate() error {
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size: must be positive, got %d", c.MaxMessageSize)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer: must be positive, got %d", c.SendBuffer)
	}
	if c.RateLimitPerIP <= 0 {
		return fmt.Errorf("rate_limit_per_ip: must be positive, got %v", c.RateLimitPerIP)
	}
	if c.ScreenThrottleSize <= 0 {
		return fmt.Errorf("screen_throttle_size: must be positive, got %d", c.ScreenThrottleSize)
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval},
		{"heartbeat_timeout", c.HeartbeatTimeout},
		{"transfer_idle_timeout", c.TransferIdleTimeout},
		{"transfer_max_lifetime", c.TransferMaxLifetime},
		{"transfer_sweep_interval", c.TransferSweepInterval},
		{"screen_data_interval", c.ScreenDataInterval},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", d.key, d.val)
		}
	}

	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout: %s must exceed heartbeat_interval %s",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format: want json or text, got %q", c.LogFormat)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	return nil
}
