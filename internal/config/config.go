// Package config loads and validates the StrataFS configuration from
// YAML, with environment overrides for deployment-specific values and
// human-readable size strings ("512MB", "10GB").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/stratafs/stratafs/internal/metrics"
	"github.com/stratafs/stratafs/pkg/logging"
	"github.com/stratafs/stratafs/pkg/types"
)

// Configuration is the complete application configuration.
type Configuration struct {
	Logging logging.Config `yaml:"logging"`
	Cache   CacheConfig    `yaml:"cache"`
	Metrics metrics.Config `yaml:"metrics"`
	Sync    SyncConfig     `yaml:"sync"`
	Sources []SourceConfig `yaml:"sources"`
}

// CacheConfig configures the cache engine. MaxSize accepts a size
// string; empty or "0" means unlimited.
type CacheConfig struct {
	Directory      string `yaml:"directory"`
	MaxSize        string `yaml:"max_size"`
	EvictionPolicy string `yaml:"eviction_policy"`
}

// SyncConfig configures the sync service.
type SyncConfig struct {
	JobFile      string        `yaml:"job_file"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// SourceConfig describes one storage source to register at startup.
type SourceConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`     // local, netshare, object, hybrid
	Provider string `yaml:"provider"` // optional free-form provider label

	// local / netshare / hybrid
	Root string `yaml:"root"`

	// object storage
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	Prefix          string `yaml:"prefix"`
	StorageClass    string `yaml:"storage_class"`
}

// Default returns the configuration used when no file is given.
func Default() *Configuration {
	return &Configuration{
		Logging: logging.Config{Level: "info", Format: "console"},
		Cache: CacheConfig{
			Directory:      defaultCacheDir(),
			MaxSize:        "10GB",
			EvictionPolicy: string(types.EvictLRU),
		},
		Metrics: metrics.Config{Enabled: false, Port: 9090, Path: "/metrics"},
		Sync: SyncConfig{
			JobFile:      defaultJobFile(),
			ProbeTimeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from path, applies environment overrides,
// and validates the result. An empty path yields the defaults (still
// subject to overrides).
func Load(path string) (*Configuration, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays STRATAFS_* environment variables.
func (c *Configuration) applyEnv() {
	if v := os.Getenv("STRATAFS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("STRATAFS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("STRATAFS_CACHE_DIR"); v != "" {
		c.Cache.Directory = v
	}
	if v := os.Getenv("STRATAFS_CACHE_MAX_SIZE"); v != "" {
		c.Cache.MaxSize = v
	}
	if v := os.Getenv("STRATAFS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Configuration) Validate() error {
	if c.Cache.Directory == "" {
		return fmt.Errorf("cache.directory is required")
	}
	if _, err := ParseSize(c.Cache.MaxSize); err != nil {
		return fmt.Errorf("cache.max_size: %w", err)
	}
	switch types.EvictionPolicy(c.Cache.EvictionPolicy) {
	case types.EvictLRU, types.EvictLFU, types.EvictFIFO, "":
	default:
		return fmt.Errorf("cache.eviction_policy: unknown policy %q", c.Cache.EvictionPolicy)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port: %d out of range", c.Metrics.Port)
	}
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		switch types.StorageSourceType(src.Type) {
		case types.SourceLocal, types.SourceNetShare, types.SourceHybrid:
			if src.Root == "" {
				return fmt.Errorf("sources[%d] (%s): root is required", i, src.Name)
			}
		case types.SourceObject:
			if src.Bucket == "" {
				return fmt.Errorf("sources[%d] (%s): bucket is required", i, src.Name)
			}
		default:
			return fmt.Errorf("sources[%d] (%s): unknown type %q", i, src.Name, src.Type)
		}
	}
	return nil
}

// CacheSettings converts the raw cache section into engine config.
func (c *Configuration) CacheSettings() (types.CacheConfig, error) {
	size, err := ParseSize(c.Cache.MaxSize)
	if err != nil {
		return types.CacheConfig{}, err
	}
	policy := types.EvictionPolicy(c.Cache.EvictionPolicy)
	if policy == "" {
		policy = types.EvictLRU
	}
	return types.CacheConfig{
		Directory:      c.Cache.Directory,
		MaxSize:        size,
		EvictionPolicy: policy,
	}, nil
}

// ParseSize parses a human-readable size ("512MB", "10GB", "1024").
// Empty and "0" mean zero (unlimited for cache purposes).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}
	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q", s)
			}
			if val < 0 {
				return 0, fmt.Errorf("negative size %q", s)
			}
			return int64(val * float64(m.factor)), nil
		}
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return val, nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/stratafs"
	}
	return "/tmp/stratafs-cache"
}

func defaultJobFile() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/stratafs/sync-jobs.json"
	}
	return "/tmp/stratafs-cache/sync-jobs.json"
}
