package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
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

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreFile     StoreKind = "file"
	StorePostgres StoreKind = "postgres"
)

const (
	developmentAPIURL    = "http://localhost:5000/api"
	developmentSocketURL = "ws://localhost:5000/socket"

	defaultRequestTimeout = 10 * time.Second
)

type Config struct {
	apiURL         string
	socketURL      string
	apiKey         string
	storeKind      StoreKind
	storeDir       string
	databaseURL    string
	requestTimeout time.Duration
	sentryDSN      string
	otlpEndpoint   string
	env            environment
}

func (c *Config) APIURL() string {
	return c.apiURL
}

func (c *Config) SocketURL() string {
	return c.socketURL
}

func (c *Config) APIKey() string {
	return c.apiKey
}

func (c *Config) StoreKind() StoreKind {
	return c.storeKind
}

func (c *Config) StoreDir() string {
	return c.storeDir
}

func (c *Config) DatabaseURL() string {
	return c.databaseURL
}

func (c *Config) RequestTimeout() time.Duration {
	return c.requestTimeout
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

func (c *Config) TelemetryEnabled() bool {
	return c.otlpEndpoint != ""
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
		"Config{env: %s, apiURL: %s, socketURL: %s, store: %s, requestTimeout: %s, telemetry: %t, ...}",
		string(c.env), c.apiURL, c.socketURL, string(c.storeKind), c.requestTimeout, c.TelemetryEnabled(),
	)
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}
	invalidValue := func(key, value string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, value)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("ANITRACK_ENVIRONMENT")
	if !ok {
		return missingKey("ANITRACK_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return invalidValue("ANITRACK_ENVIRONMENT", rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	apiURL := os.Getenv("ANITRACK_API_URL")
	socketURL := os.Getenv("ANITRACK_SOCKET_URL")
	apiKey := os.Getenv("ANITRACK_API_KEY")
	sentryDSN := os.Getenv("SENTRY_DSN")
	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	databaseURL := os.Getenv("ANITRACK_DATABASE_URL")

	if env == production || env == staging {
		if apiURL == "" {
			return missingKey("ANITRACK_API_URL")
		}
		if socketURL == "" {
			return missingKey("ANITRACK_SOCKET_URL")
		}
		if apiKey == "" {
			return missingKey("ANITRACK_API_KEY")
		}
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	if apiURL == "" {
		apiURL = developmentAPIURL
	}
	if socketURL == "" {
		socketURL = developmentSocketURL
	}

	if u, err := url.Parse(apiURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return invalidValue("ANITRACK_API_URL", apiURL)
	}
	if u, err := url.Parse(socketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return invalidValue("ANITRACK_SOCKET_URL", socketURL)
	}

	storeKind := StoreFile
	if rawStore, ok := os.LookupEnv("ANITRACK_STORE"); ok && rawStore != "" {
		switch StoreKind(rawStore) {
		case StoreMemory, StoreFile, StorePostgres:
			storeKind = StoreKind(rawStore)
		default:
			return invalidValue("ANITRACK_STORE", rawStore)
		}
	}

	storeDir := os.Getenv("ANITRACK_STORE_DIR")
	if storeKind == StoreFile && storeDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return missingKey("ANITRACK_STORE_DIR")
		}
		storeDir = filepath.Join(cacheDir, "anitrack")
	}

	if storeKind == StorePostgres && databaseURL == "" {
		return missingKey("ANITRACK_DATABASE_URL")
	}

	requestTimeout := defaultRequestTimeout
	if rawTimeout := os.Getenv("ANITRACK_REQUEST_TIMEOUT"); rawTimeout != "" {
		parsed, err := time.ParseDuration(rawTimeout)
		if err != nil || parsed <= 0 {
			return invalidValue("ANITRACK_REQUEST_TIMEOUT", rawTimeout)
		}
		requestTimeout = parsed
	}

	return Config{
		apiURL:         apiURL,
		socketURL:      socketURL,
		apiKey:         apiKey,
		storeKind:      storeKind,
		storeDir:       storeDir,
		databaseURL:    databaseURL,
		requestTimeout: requestTimeout,
		sentryDSN:      sentryDSN,
		otlpEndpoint:   otlpEndpoint,
		env:            env,
	}, nil
}
