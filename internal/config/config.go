package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

const (
	defaultRetainTTL      = 5 * time.Minute
	defaultRetainCapacity = 8
)

type Config struct {
	sentryDSN          string
	googleCloudProject string
	otelEnabled        bool
	retainTTL          time.Duration
	retainCapacity     int
	env                environment
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

func (c *Config) GoogleCloudProject() string {
	return c.googleCloudProject
}

func (c *Config) OTelEnabled() bool {
	return c.otelEnabled
}

// RetainTTL is how long an unused class loader is kept alive after its last lookup.
func (c *Config) RetainTTL() time.Duration {
	return c.retainTTL
}

// RetainCapacity is the maximum number of class loaders kept alive while unused.
func (c *Config) RetainCapacity() int {
	return c.retainCapacity
}

func (c *Config) Environment() string {
	return string(c.env)
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, retainTTL: %s, retainCapacity: %d, otelEnabled: %t, ...}",
		string(c.env), c.retainTTL, c.retainCapacity, c.otelEnabled,
	)
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}
	invalidKey := func(key, value string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, value)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("LOADERCACHE_ENVIRONMENT")
	if !ok {
		return missingKey("LOADERCACHE_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return invalidKey("LOADERCACHE_ENVIRONMENT", rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	sentryDSN := os.Getenv("SENTRY_DSN")
	googleCloudProject := os.Getenv("GOOGLE_CLOUD_PROJECT")

	otelEnabled := false
	if rawOTelEnabled := os.Getenv("OTEL_ENABLED"); rawOTelEnabled != "" {
		parsed, err := strconv.ParseBool(rawOTelEnabled)
		if err != nil {
			return invalidKey("OTEL_ENABLED", rawOTelEnabled)
		}
		otelEnabled = parsed
	}

	retainTTL := defaultRetainTTL
	if rawRetainTTL := os.Getenv("LOADERCACHE_RETAIN_TTL"); rawRetainTTL != "" {
		parsed, err := time.ParseDuration(rawRetainTTL)
		if err != nil || parsed < 0 {
			return invalidKey("LOADERCACHE_RETAIN_TTL", rawRetainTTL)
		}
		retainTTL = parsed
	}

	retainCapacity := defaultRetainCapacity
	if rawRetainCapacity := os.Getenv("LOADERCACHE_RETAIN_CAPACITY"); rawRetainCapacity != "" {
		parsed, err := strconv.Atoi(rawRetainCapacity)
		if err != nil || parsed < 0 {
			return invalidKey("LOADERCACHE_RETAIN_CAPACITY", rawRetainCapacity)
		}
		retainCapacity = parsed
	}

	if env == production || env == staging {
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	return Config{
		sentryDSN:          sentryDSN,
		googleCloudProject: googleCloudProject,
		otelEnabled:        otelEnabled,
		retainTTL:          retainTTL,
		retainCapacity:     retainCapacity,
		env:                env,
	}, nil
}
