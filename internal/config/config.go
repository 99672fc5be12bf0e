// Package config loads the runtime settings of every entry point from the
// environment (optionally seeded from a .env file or a config file) into explicit
// structs. Every missing or malformed key is reported in a single joined error.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissing marks a required key that has no value.
var ErrMissing = errors.New("required setting missing")

// ErrInvalid marks a key whose value could not be parsed or is out of range.
var ErrInvalid = errors.New("invalid setting")

// FileEnv names an optional YAML/JSON/TOML file layered under the environment.
const FileEnv = "SWOT_CONFIG_FILE"

// Mongo holds document store connection settings.
type Mongo struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Redis holds job status cache settings.
type Redis struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	StatusTTL time.Duration
}

// Storage holds S3-compatible blob storage settings.
type Storage struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// loader reads typed keys and accumulates every problem it meets.
type loader struct {
	v      *viper.Viper
	logger *log.Logger
	errs   []error
}

func newLoader(logger *log.Logger) *loader {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf(".env load skipped err=%v", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	l := &loader{v: v, logger: logger}

	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			l.errs = append(l.errs, fmt.Errorf("%w: %s=%s: %v", ErrInvalid, FileEnv, path, err))
		} else {
			logger.Printf("config file loaded path=%s", path)
		}
	}
	return l
}

func (l *loader) raw(key string) (string, bool) {
	if !l.v.IsSet(key) {
		return "", false
	}
	value := strings.TrimSpace(l.v.GetString(key))
	return value, value != ""
}

func (l *loader) required(key string) string {
	value, ok := l.raw(key)
	if !ok {
		l.errs = append(l.errs, fmt.Errorf("%w: %s", ErrMissing, key))
	}
	return value
}

func (l *loader) str(key, fallback string) string {
	value, ok := l.raw(key)
	if !ok {
		l.logger.Printf("env %s not set; using default=%q", key, fallback)
		return fallback
	}
	return value
}

func (l *loader) secret(key string) string {
	value, _ := l.raw(key)
	return value
}

func (l *loader) integer(key string, fallback int) int {
	value, ok := l.raw(key)
	if !ok {
		l.logger.Printf("env %s not set; using default int=%d", key, fallback)
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s must be an integer: %v", ErrInvalid, key, err))
		return fallback
	}
	return n
}

func (l *loader) positive(key string, fallback int) int {
	n := l.integer(key, fallback)
	if n < 1 {
		l.errs = append(l.errs, fmt.Errorf("%w: %s must be >= 1", ErrInvalid, key))
	}
	return n
}

func (l *loader) float(key string, fallback float64) float64 {
	value, ok := l.raw(key)
	if !ok {
		l.logger.Printf("env %s not set; using default float=%g", key, fallback)
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s must be a number: %v", ErrInvalid, key, err))
		return fallback
	}
	return f
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := l.raw(key)
	if !ok {
		l.logger.Printf("env %s not set; using default duration=%s", key, fallback)
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s must be a valid duration: %v", ErrInvalid, key, err))
		return fallback
	}
	return d
}

func (l *loader) boolean(key string, fallback bool) bool {
	value, ok := l.raw(key)
	if !ok {
		l.logger.Printf("env %s not set; using default bool=%t", key, fallback)
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s must be a boolean: %v", ErrInvalid, key, err))
		return fallback
	}
	return b
}

func (l *loader) list(key string, fallback []string) []string {
	value, ok := l.raw(key)
	if !ok {
		l.logger.Printf("env %s not set; using default list=%v", key, fallback)
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		l.logger.Printf("env %s parsed empty list; using fallback=%v", key, fallback)
		return fallback
	}
	return out
}

func (l *loader) oneOf(key, fallback string, allowed ...string) string {
	value := strings.ToLower(l.str(key, fallback))
	for _, a := range allowed {
		if value == a {
			return value
		}
	}
	l.errs = append(l.errs, fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalid, key, allowed, value))
	return fallback
}

func (l *loader) err() error {
	return errors.Join(l.errs...)
}

func (l *loader) mongo() Mongo {
	return Mongo{
		URI:            l.required("MONGO_URI"),
		Database:       l.str("MONGO_DB", "swot"),
		ConnectTimeout: l.duration("MONGO_CONNECT_TIMEOUT", 10*time.Second),
	}
}

func (l *loader) redis() Redis {
	return Redis{
		Addr:      l.str("REDIS_ADDR", "localhost:6379"),
		Username:  l.secret("REDIS_USERNAME"),
		Password:  l.secret("REDIS_PASSWORD"),
		DB:        l.integer("REDIS_DB", 0),
		StatusTTL: l.duration("STATUS_TTL", 24*time.Hour),
	}
}

func (l *loader) storage() Storage {
	return Storage{
		Endpoint:  l.required("STORAGE_ENDPOINT"),
		AccessKey: l.required("STORAGE_ACCESS_KEY"),
		SecretKey: l.required("STORAGE_SECRET_KEY"),
		Region:    l.secret("STORAGE_REGION"),
		UseSSL:    l.boolean("STORAGE_USE_SSL", true),
	}
}
