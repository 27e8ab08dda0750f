package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vorpal/internal/core"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// emptyEnvFile keeps Load from picking up a .env in the working directory.
func emptyEnvFile(t *testing.T) string {
	return writeFile(t, t.TempDir(), ".env", "")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{File: writeFile(t, t.TempDir(), "vorpal.toml", ""), EnvFile: emptyEnvFile(t), Getenv: noEnv})
	require.NoError(t, err)

	assert.Equal(t, DefaultRoot, cfg.Root)
	assert.Equal(t, DefaultAddress, cfg.Worker.Address)
	assert.Equal(t, RegistryNone, cfg.Registry.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileThenDotenvThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "vorpal.toml", `
root = "/from/file"
target = "x86_64-linux"
concurrency = 2

[worker]
address = "http://file:1"

[registry]
backend = "local"

[log]
level = "debug"
format = "json"
`)
	dotenv := writeFile(t, dir, ".env", "VORPAL_WORKER_ADDRESS=http://dotenv:2\nVORPAL_CONCURRENCY=3\n")

	cfg, err := Load(Options{File: file, EnvFile: dotenv, Getenv: envMap(map[string]string{
		"VORPAL_CONCURRENCY": "5",
	})})
	require.NoError(t, err)

	assert.Equal(t, "/from/file", cfg.Root)
	assert.Equal(t, "http://dotenv:2", cfg.Worker.Address, ".env overrides the file")
	assert.Equal(t, 5, cfg.Concurrency, "process env overrides .env")
	assert.Equal(t, 5, cfg.Workers())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, filepath.Join("/from/file", "registry"), cfg.Registry.Dir)

	sys, err := cfg.TargetSystem()
	require.NoError(t, err)
	assert.Equal(t, core.X8664Linux, sys)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	file := writeFile(t, t.TempDir(), "vorpal.toml", "rooot = \"/typo\"\n")
	_, err := Load(Options{File: file, EnvFile: emptyEnvFile(t), Getenv: noEnv})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_MissingExplicitFiles(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.toml"), Getenv: noEnv})
	assert.ErrorIs(t, err, ErrInvalid)

	file := writeFile(t, t.TempDir(), "vorpal.toml", "")
	_, err = Load(Options{File: file, EnvFile: filepath.Join(t.TempDir(), "nope.env"), Getenv: noEnv})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty root":        func(c *Config) { c.Root = "" },
		"negative workers":  func(c *Config) { c.Concurrency = -1 },
		"bad target":        func(c *Config) { c.Target = "sparc-solaris" },
		"bad log level":     func(c *Config) { c.Log.Level = "loud" },
		"bad log format":    func(c *Config) { c.Log.Format = "xml" },
		"bad backend":       func(c *Config) { c.Registry.Backend = "ftp" },
		"s3 without bucket": func(c *Config) { c.Registry.Backend = RegistryS3; c.Registry.S3.Endpoint = "s3:9000" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoad_BadEnvNumber(t *testing.T) {
	file := writeFile(t, t.TempDir(), "vorpal.toml", "")
	_, err := Load(Options{File: file, EnvFile: emptyEnvFile(t), Getenv: envMap(map[string]string{"VORPAL_CONCURRENCY": "many"})})
	assert.ErrorIs(t, err, ErrInvalid)
}
