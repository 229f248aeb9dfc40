package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrEnvRequired is returned when a mandatory variable is unset or empty.
var ErrEnvRequired = errors.New("env is required")

// Transport names accepted by PREDICTION_TRANSPORT.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	LogLevel        string
	StaticRoot      string
	AllowedOrigins  []string

	JWTSecret   string
	JWTAudience string

	DatabaseDSN string
	RedisAddr   string

	PredictionTransport string
	PredictionEndpoint  string
	PredictionGRPCAddr  string
	PredictionTimeout   time.Duration

	PreviewTTL     time.Duration
	SessionIdleTTL time.Duration
	SessionSweep   time.Duration
	MaxUploadBytes int64
}

// Load reads an optional .env file and then the environment. All parse
// failures are collected and returned together.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() (*Config, error) {
	var ge getenv
	cfg := &Config{
		Addr:            ge.String("HTTP_ADDR", false, ":8080"),
		ShutdownTimeout: ge.Duration("SHUTDOWN_TIMEOUT", false, 15*time.Second),
		LogLevel:        ge.String("LOG_LEVEL", false, "info"),
		StaticRoot:      ge.String("STATIC_ROOT", false, ""),
		AllowedOrigins:  ge.Strings("CORS_ALLOWED_ORIGINS", false, []string{"*"}),

		JWTSecret:   ge.String("JWT_SECRET", false, "dev-secret"),
		JWTAudience: ge.String("JWT_AUDIENCE", false, ""),

		DatabaseDSN: ge.String("DATABASE_DSN", false, "sqlite://medscan.db"),
		RedisAddr:   ge.String("REDIS_ADDR", false, ""),

		PredictionTransport: strings.ToLower(ge.String("PREDICTION_TRANSPORT", false, TransportHTTP)),
		PredictionEndpoint:  ge.String("PREDICTION_ENDPOINT", false, "http://localhost:5000/api/predict"),
		PredictionGRPCAddr:  ge.String("PREDICTION_GRPC_ADDR", false, "localhost:50051"),
		PredictionTimeout:   ge.Duration("PREDICTION_TIMEOUT", false, 0),

		PreviewTTL:     ge.Duration("PREVIEW_TTL", false, time.Hour),
		SessionIdleTTL: ge.Duration("SESSION_IDLE_TTL", false, 30*time.Minute),
		SessionSweep:   ge.Duration("SESSION_SWEEP_INTERVAL", false, time.Minute),
		MaxUploadBytes: int64(ge.Int("MAX_UPLOAD_BYTES", false, 10<<20)),
	}

	if err := ge.Err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.PredictionTransport {
	case TransportHTTP:
		if c.PredictionEndpoint == "" {
			errs = append(errs, fmt.Errorf("PREDICTION_ENDPOINT %w", ErrEnvRequired))
		}
	case TransportGRPC:
		if c.PredictionGRPCAddr == "" {
			errs = append(errs, fmt.Errorf("PREDICTION_GRPC_ADDR %w", ErrEnvRequired))
		}
	default:
		errs = append(errs, fmt.Errorf("PREDICTION_TRANSPORT: unsupported value %q", c.PredictionTransport))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.PredictionTimeout < 0 {
		errs = append(errs, errors.New("PREDICTION_TIMEOUT must not be negative"))
	}
	return errors.Join(errs...)
}

type getenv struct {
	errs []error
}

func (ge *getenv) Err() error {
	return errors.Join(ge.errs...)
}

type parseFunc[T any] func(s string) (T, error)

func getValue[T any](key string, required bool, defaultValue T, parse parseFunc[T]) (T, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("%s %w", key, ErrEnvRequired)
		}
		return defaultValue, nil
	}
	v, err := parse(s)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func (ge *getenv) String(key string, required bool, defaultValue string) string {
	v, err := getValue(key, required, defaultValue, func(s string) (string, error) {
		return strings.TrimSpace(s), nil
	})
	if err != nil {
		ge.errs = append(ge.errs, err)
	}
	return v
}

func (ge *getenv) Strings(key string, required bool, defaultValue []string) []string {
	v, err := getValue(key, required, defaultValue, func(s string) ([]string, error) {
		return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }), nil
	})
	if err != nil {
		ge.errs = append(ge.errs, err)
	}
	return v
}

func (ge *getenv) Int(key string, required bool, defaultValue int) int {
	v, err := getValue(key, required, defaultValue, strconv.Atoi)
	if err != nil {
		ge.errs = append(ge.errs, err)
	}
	return v
}

func (ge *getenv) Duration(key string, required bool, defaultValue time.Duration) time.Duration {
	v, err := getValue(key, required, defaultValue, time.ParseDuration)
	if err != nil {
		ge.errs = append(ge.errs, err)
	}
	return v
}
