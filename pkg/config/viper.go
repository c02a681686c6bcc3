package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/packforge/packforge/pkg/types"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. PACKFORGE_CACHE_TTL
const EnvPrefix = "PACKFORGE"

// Load reads configuration through viper. An explicit path wins; otherwise
// packforge.config.{json,yaml,yml} is searched in root. A missing file is not
// an error and yields the defaults. Environment variables override both.
func Load(v *viper.Viper, path, root string) (*types.EngineConfig, error) {
	m := NewManager()
	def := m.GetDefaultConfig()

	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(root)
		v.SetConfigName("packforge.config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg types.EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	m.ApplyDefaults(&cfg)
	if err := m.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *types.EngineConfig) {
	v.SetDefault("version", def.Version)

	v.SetDefault("scheduler.maxWorkers", def.Scheduler.MaxWorkers)
	v.SetDefault("scheduler.strategy", string(def.Scheduler.Strategy))
	v.SetDefault("scheduler.resourceMonitoring", def.Scheduler.ResourceMonitoring)
	v.SetDefault("scheduler.dynamicScaling", def.Scheduler.DynamicScaling)
	v.SetDefault("scheduler.cpuThreshold", def.Scheduler.CPUThreshold)
	v.SetDefault("scheduler.memoryThreshold", def.Scheduler.MemoryThreshold)
	v.SetDefault("scheduler.pollInterval", def.Scheduler.PollInterval)
	v.SetDefault("scheduler.maxRetries", def.Scheduler.MaxRetries)

	v.SetDefault("cache.backend", string(def.Cache.Backend))
	v.SetDefault("cache.dir", def.Cache.Dir)
	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("cache.maxSize", def.Cache.MaxSize)
	v.SetDefault("cache.compression", string(def.Cache.Compression))
	v.SetDefault("cache.compressionThreshold", def.Cache.CompressionThreshold)
	v.SetDefault("cache.mirrorSize", def.Cache.MirrorSize)
	v.SetDefault("cache.embedArtifacts", def.Cache.EmbedArtifacts)

	v.SetDefault("fingerprint.snapshotPath", def.Fingerprint.SnapshotPath)
	v.SetDefault("fingerprint.ignorePatterns", def.Fingerprint.IgnorePatterns)
	v.SetDefault("fingerprint.hashAlgorithm", string(def.Fingerprint.HashAlgorithm))

	v.SetDefault("logging.level", string(def.Logging.Level))
	v.SetDefault("logging.file", def.Logging.File)
}
