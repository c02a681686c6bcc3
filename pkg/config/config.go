// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/packforge/packforge/pkg/types"
	"github.com/packforge/packforge/pkg/utils"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the only configuration schema version understood
const CurrentVersion = "1"

// DefaultFileName is the config file looked up in the project root
const DefaultFileName = "packforge.config.json"

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads configuration from a JSON or YAML file, fills defaults and validates it
func (m *Manager) LoadConfig(path string) (*types.EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := m.ParseConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	m.ApplyDefaults(cfg)
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes raw configuration bytes. YAML is used for .yaml/.yml
// extensions; anything else is tried as JSON first, then YAML.
func (m *Manager) ParseConfig(data []byte, ext string) (*types.EngineConfig, error) {
	var cfg types.EngineConfig

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return &cfg, nil
	}

	if err := json.Unmarshal(data, &cfg); err == nil {
		return &cfg, nil
	}

	cfg = types.EngineConfig{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config as JSON or YAML: %w", err)
	}
	return &cfg, nil
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *types.EngineConfig) error {
	if cfg.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported config version %q", ErrInvalidConfig, cfg.Version)
	}

	if err := validateScheduler(cfg.Scheduler); err != nil {
		return fmt.Errorf("%w: scheduler: %v", ErrInvalidConfig, err)
	}
	if err := validateCache(cfg.Cache); err != nil {
		return fmt.Errorf("%w: cache: %v", ErrInvalidConfig, err)
	}
	if err := validateFingerprint(cfg.Fingerprint); err != nil {
		return fmt.Errorf("%w: fingerprint: %v", ErrInvalidConfig, err)
	}
	if err := validateUnits(cfg.Units); err != nil {
		return fmt.Errorf("%w: units: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ApplyDefaults fills zero-valued settings in place
func (m *Manager) ApplyDefaults(cfg *types.EngineConfig) {
	def := m.GetDefaultConfig()

	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Scheduler.Strategy == "" {
		cfg.Scheduler.Strategy = def.Scheduler.Strategy
	}
	if cfg.Scheduler.CPUThreshold == 0 {
		cfg.Scheduler.CPUThreshold = def.Scheduler.CPUThreshold
	}
	if cfg.Scheduler.MemoryThreshold == 0 {
		cfg.Scheduler.MemoryThreshold = def.Scheduler.MemoryThreshold
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = def.Cache.Backend
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = def.Cache.Dir
	}
	if cfg.Cache.Compression == "" {
		cfg.Cache.Compression = def.Cache.Compression
	}
	if cfg.Fingerprint.SnapshotPath == "" {
		cfg.Fingerprint.SnapshotPath = def.Fingerprint.SnapshotPath
	}
	if cfg.Fingerprint.HashAlgorithm == "" {
		cfg.Fingerprint.HashAlgorithm = def.Fingerprint.HashAlgorithm
	}
	if cfg.Fingerprint.IgnorePatterns == nil {
		cfg.Fingerprint.IgnorePatterns = def.Fingerprint.IgnorePatterns
	}
	if cfg.Logging == nil {
		cfg.Logging = def.Logging
	} else if cfg.Logging.Level == "" {
		cfg.Logging.Level = types.LogLevelInfo
	}
	if cfg.Notifications == nil {
		cfg.Notifications = def.Notifications
	}
}

// GetDefaultConfig returns the configuration used when no file is present
func (m *Manager) GetDefaultConfig() *types.EngineConfig {
	enabled := false

	return &types.EngineConfig{
		Version: CurrentVersion,
		Scheduler: types.SchedulerConfig{
			Strategy:        types.StrategyFIFO,
			CPUThreshold:    80,
			MemoryThreshold: 85,
			PollInterval:    50,
		},
		Cache: types.CacheConfig{
			Backend:     types.BackendTypeLocal,
			Dir:         filepath.Join(".packforge", "cache"),
			TTL:         7 * 24 * 60 * 60 * 1000,
			MaxSize:     512 * 1024 * 1024,
			Compression: types.CompressionAdaptive,
		},
		Fingerprint: types.FingerprintConfig{
			SnapshotPath:   filepath.Join(".packforge", "fingerprints.json"),
			IgnorePatterns: utils.DefaultIgnorePatterns(),
			HashAlgorithm:  types.HashAlgorithmSHA256,
		},
		Notifications: &types.NotificationConfig{
			Enabled: &enabled,
		},
		Logging: &types.LoggingConfig{
			Level: types.LogLevelInfo,
		},
	}
}

func validateScheduler(s types.SchedulerConfig) error {
	if _, err := types.ParseStrategy(string(s.Strategy)); err != nil {
		return err
	}
	if s.MaxWorkers < 0 {
		return fmt.Errorf("maxWorkers must not be negative")
	}
	if s.CPUThreshold < 0 || s.CPUThreshold > 100 {
		return fmt.Errorf("cpuThreshold must be between 0 and 100")
	}
	if s.MemoryThreshold < 0 || s.MemoryThreshold > 100 {
		return fmt.Errorf("memoryThreshold must be between 0 and 100")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	return nil
}

func validateCache(c types.CacheConfig) error {
	switch c.Backend {
	case types.BackendTypeLocal:
		if c.Dir == "" {
			return fmt.Errorf("local backend requires dir")
		}
	case types.BackendTypeRemote:
		if c.Remote == nil || c.Remote.Addr == "" {
			return fmt.Errorf("remote backend requires remote.addr")
		}
	case types.BackendTypeMemory:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}

	switch c.Compression {
	case types.CompressionAdaptive, types.CompressionGzip, types.CompressionZstd, types.CompressionNone:
	default:
		return fmt.Errorf("unknown compression: %s", c.Compression)
	}

	if c.TTL < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("maxSize must not be negative")
	}
	return nil
}

func validateFingerprint(f types.FingerprintConfig) error {
	switch f.HashAlgorithm {
	case types.HashAlgorithmSHA256, types.HashAlgorithmMD5, types.HashAlgorithmXXHash:
	default:
		return fmt.Errorf("unknown hash algorithm: %s", f.HashAlgorithm)
	}
	if _, err := utils.NewIgnoreMatcher(f.IgnorePatterns); err != nil {
		return fmt.Errorf("invalid ignore pattern: %w", err)
	}
	return nil
}

func validateUnits(units []types.UnitConfig) error {
	names := make(map[string]bool, len(units))
	for _, u := range units {
		if u.Name == "" {
			return fmt.Errorf("unit name is required")
		}
		if names[u.Name] {
			return fmt.Errorf("duplicate unit name: %s", u.Name)
		}
		names[u.Name] = true
	}

	for _, u := range units {
		if u.GetAdapter() == "command" && u.Command == "" {
			return fmt.Errorf("%s: command is required", u.Name)
		}
		if u.EstimatedDuration < 0 || u.Timeout < 0 {
			return fmt.Errorf("%s: durations must not be negative", u.Name)
		}
		for _, dep := range u.Dependencies {
			if !names[dep] {
				return fmt.Errorf("%s: unknown dependency %s", u.Name, dep)
			}
			if dep == u.Name {
				return fmt.Errorf("%s: depends on itself", u.Name)
			}
		}
		for _, pattern := range u.Inputs {
			if _, err := utils.NewIgnoreMatcher([]string{pattern}); err != nil {
				return fmt.Errorf("%s: invalid input pattern %q: %w", u.Name, pattern, err)
			}
		}
		for _, out := range u.Outputs {
			if utils.IsGlobPattern(out) {
				return fmt.Errorf("%s: output %q must be a file path, not a pattern", u.Name, out)
			}
		}
	}
	return nil
}
