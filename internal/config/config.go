// Package config loads operator configuration for the tensorcache commands.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/meigma/tensorcache"
	"github.com/meigma/tensorcache/store"
)

// FileName is the config file looked up in the working directory.
const FileName = ".tensorcache.json"

// EnvCacheDir overrides the configured cache dir when set.
const EnvCacheDir = "TENSORCACHE_DIR"

var (
	ErrFileNotFound  = errors.New("config file not found")
	ErrInvalid       = errors.New("invalid config")
	ErrCacheDirUnset = errors.New("cache_dir is not set")
)

// Hydrator names accepted in the config file.
const (
	HydratorDirect = "direct"
	HydratorHost   = "host"
)

// Config holds all configuration options.
type Config struct {
	CacheDir      string `json:"cache_dir"`
	ScratchDir    string `json:"scratch_dir,omitempty"`
	Compression   string `json:"compression,omitempty"`
	Hydrator      string `json:"hydrator,omitempty"`
	VerifyDigests *bool  `json:"verify_digests,omitempty"`
	DirectIO      *bool  `json:"direct_io,omitempty"`
	Sync          *bool  `json:"sync,omitempty"`
	LogLevel      string `json:"log_level,omitempty"`

	// Source is the file the config was read from, if any.
	Source string `json:"-"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Compression: store.CompressionNone.String(),
		Hydrator:    HydratorDirect,
		LogLevel:    "info",
	}
}

// Input holds the inputs for Load.
type Input struct {
	WorkDir  string            // if empty, os.Getwd() is used
	Path     string            // explicit config file; must exist when set
	CacheDir string            // flag override; empty means no override
	Env      map[string]string // environment variables
}

// Load resolves configuration with the following precedence (highest wins):
// defaults, the config file, the environment, flag overrides.
// Relative dirs are resolved against the working directory.
func Load(in Input) (Config, error) {
	workDir := in.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	path, mustExist := in.Path, true
	if path == "" {
		path, mustExist = FileName, false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	fileCfg, loaded, err := loadFile(path, mustExist)
	if err != nil {
		return Config{}, err
	}
	if loaded {
		cfg = merge(cfg, fileCfg)
		cfg.Source = path
	}

	if dir := in.Env[EnvCacheDir]; dir != "" {
		cfg.CacheDir = dir
	}
	if in.CacheDir != "" {
		cfg.CacheDir = in.CacheDir
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.CacheDir = absIn(workDir, cfg.CacheDir)
	cfg.ScratchDir = absIn(workDir, cfg.ScratchDir)
	return cfg, nil
}

func absIn(workDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workDir, p)
}

func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return Config{}, false, nil
		}
		return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}
	return cfg, true, nil
}

// Parse decodes a JSONC document. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.CacheDir != "" {
		base.CacheDir = overlay.CacheDir
	}
	if overlay.ScratchDir != "" {
		base.ScratchDir = overlay.ScratchDir
	}
	if overlay.Compression != "" {
		base.Compression = overlay.Compression
	}
	if overlay.Hydrator != "" {
		base.Hydrator = overlay.Hydrator
	}
	if overlay.VerifyDigests != nil {
		base.VerifyDigests = overlay.VerifyDigests
	}
	if overlay.DirectIO != nil {
		base.DirectIO = overlay.DirectIO
	}
	if overlay.Sync != nil {
		base.Sync = overlay.Sync
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	return base
}

// Validate checks field values. An unset cache dir is reported by
// [Config.RequireCacheDir], not here.
func (c Config) Validate() error {
	if _, err := store.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Hydrator {
	case HydratorDirect, HydratorHost:
	default:
		return fmt.Errorf("%w: unknown hydrator %q", ErrInvalid, c.Hydrator)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// RequireCacheDir returns ErrCacheDirUnset when no cache dir is configured.
func (c Config) RequireCacheDir() error {
	if c.CacheDir == "" {
		return ErrCacheDirUnset
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, err
	}
	return lvl, nil
}

// DirectIOEnabled reports the direct_io setting (default: enabled).
func (c Config) DirectIOEnabled() bool {
	return c.DirectIO == nil || *c.DirectIO
}

// CacheOptions converts the config into cache options.
func (c Config) CacheOptions(logger *slog.Logger) ([]tensorcache.Option, error) {
	comp, err := store.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	opts := []tensorcache.Option{
		tensorcache.WithDir(c.CacheDir),
		tensorcache.WithCompression(comp),
	}
	if c.ScratchDir != "" {
		opts = append(opts, tensorcache.WithScratchDir(c.ScratchDir))
	}
	if c.Hydrator == HydratorHost {
		opts = append(opts, tensorcache.WithHostHydration())
	}
	if c.VerifyDigests != nil {
		opts = append(opts, tensorcache.WithVerifyDigests(*c.VerifyDigests))
	}
	if c.Sync != nil {
		opts = append(opts, tensorcache.WithSync(*c.Sync))
	}
	if logger != nil {
		opts = append(opts, tensorcache.WithLogger(logger))
	}
	return opts, nil
}

// StoreOptions converts the config into options for opening the store directly.
func (c Config) StoreOptions(logger *slog.Logger) []store.Option {
	var opts []store.Option
	if c.ScratchDir != "" {
		opts = append(opts, store.WithScratchDir(c.ScratchDir))
	}
	if logger != nil {
		opts = append(opts, store.WithLogger(logger))
	}
	return opts
}
