// Package config loads vorpal settings.
//
// Precedence, lowest to highest: built-in defaults, the TOML file, a .env
// file, the process environment (VORPAL_* variables). Command-line flags
// are applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"vorpal/internal/core"
	"vorpal/internal/logging"
)

// ErrInvalid marks a configuration that failed to load or validate.
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultRoot     = "/var/lib/vorpal"
	DefaultFile     = "vorpal.toml"
	DefaultEnvFile  = ".env"
	DefaultAddress  = "http://localhost:23151"
	DefaultLogLevel = "info"
)

// Registry backends.
const (
	RegistryNone  = "none"
	RegistryLocal = "local"
	RegistryS3    = "s3"
)

type Config struct {
	// Root is the store root; store, cache and sandbox live below it.
	Root string `toml:"root"`

	// Target is the system artifacts are resolved for. Empty means host.
	Target string `toml:"target"`

	// Concurrency bounds parallel resolution and dispatch. Zero means
	// GOMAXPROCS.
	Concurrency int `toml:"concurrency"`

	Worker   WorkerConfig   `toml:"worker"`
	Registry RegistryConfig `toml:"registry"`
	Log      LogConfig      `toml:"log"`
}

type WorkerConfig struct {
	Address string `toml:"address"`
}

type RegistryConfig struct {
	Backend string   `toml:"backend"`
	Dir     string   `toml:"dir"`
	S3      S3Config `toml:"s3"`
}

type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Root:     DefaultRoot,
		Worker:   WorkerConfig{Address: DefaultAddress},
		Registry: RegistryConfig{Backend: RegistryNone},
		Log:      LogConfig{Level: DefaultLogLevel, Format: string(logging.FormatText)},
	}
}

// Options control where Load looks.
type Options struct {
	// File is an explicit config path; it must exist. Empty means
	// ./vorpal.toml when present.
	File string

	// EnvFile is a dotenv file. Empty means ./.env when present.
	EnvFile string

	// Getenv reads the process environment. Nil means os.Getenv.
	Getenv func(string) string
}

// Load builds and validates the configuration.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	path, err := configFile(opts.File)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
		}
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
		}
	}

	dotenv, err := readEnvFile(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	lookup := func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: config file not found: %s", ErrInvalid, explicit)
		}
		return explicit, nil
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile, nil
	}
	return "", nil
}

func readEnvFile(explicit string) (map[string]string, error) {
	path := explicit
	if path == "" {
		path = DefaultEnvFile
	}
	env, err := godotenv.Read(path)
	if err == nil {
		return env, nil
	}
	if explicit == "" && errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	return nil, fmt.Errorf("%w: reading env file %s: %v", ErrInvalid, path, err)
}

func applyEnv(cfg *Config, lookup func(string) string) error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			*dst = v
		}
	}
	set("VORPAL_ROOT", &cfg.Root)
	set("VORPAL_TARGET", &cfg.Target)
	set("VORPAL_WORKER_ADDRESS", &cfg.Worker.Address)
	set("VORPAL_REGISTRY_BACKEND", &cfg.Registry.Backend)
	set("VORPAL_REGISTRY_DIR", &cfg.Registry.Dir)
	set("VORPAL_S3_ENDPOINT", &cfg.Registry.S3.Endpoint)
	set("VORPAL_S3_REGION", &cfg.Registry.S3.Region)
	set("VORPAL_S3_ACCESS_KEY", &cfg.Registry.S3.AccessKey)
	set("VORPAL_S3_SECRET_KEY", &cfg.Registry.S3.SecretKey)
	set("VORPAL_S3_BUCKET", &cfg.Registry.S3.Bucket)
	set("VORPAL_LOG_LEVEL", &cfg.Log.Level)
	set("VORPAL_LOG_FORMAT", &cfg.Log.Format)

	if v := strings.TrimSpace(lookup("VORPAL_CONCURRENCY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: VORPAL_CONCURRENCY: %v", ErrInvalid, err)
		}
		cfg.Concurrency = n
	}
	if v := strings.TrimSpace(lookup("VORPAL_S3_USE_SSL")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: VORPAL_S3_USE_SSL: %v", ErrInvalid, err)
		}
		cfg.Registry.S3.UseSSL = b
	}
	return nil
}

// Validate checks field values and fills derived defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("%w: root is required", ErrInvalid)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must be >= 0", ErrInvalid)
	}
	if c.Target != "" {
		if _, err := core.ParseSystem(c.Target); err != nil {
			return fmt.Errorf("%w: target: %v", ErrInvalid, err)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	switch logging.Format(strings.ToLower(c.Log.Format)) {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		return fmt.Errorf("%w: log.format %q (expected text|json)", ErrInvalid, c.Log.Format)
	}

	switch c.Registry.Backend {
	case "", RegistryNone:
		c.Registry.Backend = RegistryNone
	case RegistryLocal:
		if c.Registry.Dir == "" {
			c.Registry.Dir = filepath.Join(c.Root, "registry")
		}
	case RegistryS3:
		s3 := c.Registry.S3
		if s3.Endpoint == "" || s3.Bucket == "" {
			return fmt.Errorf("%w: registry.s3 requires endpoint and bucket", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: registry.backend %q (expected none|local|s3)", ErrInvalid, c.Registry.Backend)
	}
	return nil
}

// TargetSystem returns the configured target, or the host system.
func (c *Config) TargetSystem() (core.System, error) {
	if c.Target == "" {
		host := core.HostSystem()
		if !host.Valid() {
			return core.SystemUnknown, fmt.Errorf("%w: host platform %s/%s is not a supported target", ErrInvalid, runtime.GOARCH, runtime.GOOS)
		}
		return host, nil
	}
	return core.ParseSystem(c.Target)
}

// Workers returns the effective concurrency.
func (c *Config) Workers() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}
