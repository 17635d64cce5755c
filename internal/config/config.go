package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config lists the tunable parameters for the geofence bridge server.
type Config struct {
	HTTPPort              int
	MQTTBindAddress       string
	DatabasePath          string
	LogLevel              string
	WebhookTimeoutSeconds int
	MDNSDisabled          bool
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/geofences.db"
	defaultLogLevel        = "info"
	defaultWebhookTimeout  = 10
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:              defaultHTTPPort,
		MQTTBindAddress:       defaultMQTTBindAddress,
		DatabasePath:          defaultDatabasePath,
		LogLevel:              defaultLogLevel,
		WebhookTimeoutSeconds: defaultWebhookTimeout,
	}

	if v := os.Getenv("GEOFENCE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GEOFENCE_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("GEOFENCE_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("GEOFENCE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("GEOFENCE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("GEOFENCE_WEBHOOK_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return Config{}, fmt.Errorf("invalid GEOFENCE_WEBHOOK_TIMEOUT_SECONDS: %q", v)
		}
		cfg.WebhookTimeoutSeconds = secs
	}

	if v := os.Getenv("GEOFENCE_MDNS_DISABLED"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GEOFENCE_MDNS_DISABLED: %w", err)
		}
		cfg.MDNSDisabled = disabled
	}

	return cfg, nil
}
