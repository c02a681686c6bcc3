// Package types provides core types and configurations for packforge
package types

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// TaskState represents the lifecycle state of a scheduled task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateReady     TaskState = "ready"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// Strategy selects how simultaneously-ready tasks are ordered
type Strategy string

const (
	StrategyFIFO          Strategy = "fifo"
	StrategyPriority      Strategy = "priority"
	StrategyCriticalPath  Strategy = "critical-path"
	StrategyResourceAware Strategy = "resource-aware"
)

// ParseStrategy validates a strategy name
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case StrategyFIFO, StrategyPriority, StrategyCriticalPath, StrategyResourceAware:
		return s, nil
	case "":
		return StrategyFIFO, nil
	default:
		return "", fmt.Errorf("unknown scheduling strategy: %s", name)
	}
}

// BackendType represents supported cache backends
type BackendType string

const (
	BackendTypeLocal  BackendType = "local"
	BackendTypeRemote BackendType = "remote"
	BackendTypeMemory BackendType = "memory"
)

// CompressionMode selects the cache compression codec policy
type CompressionMode string

const (
	CompressionAdaptive CompressionMode = "adaptive"
	CompressionGzip     CompressionMode = "gzip"
	CompressionZstd     CompressionMode = "zstd"
	CompressionNone     CompressionMode = "none"
)

// HashAlgorithm represents supported file fingerprint hashes
type HashAlgorithm string

const (
	HashAlgorithmSHA256 HashAlgorithm = "sha256"
	HashAlgorithmMD5    HashAlgorithm = "md5"
	HashAlgorithmXXHash HashAlgorithm = "xxhash"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ResourceRequirement describes the share of machine capacity a task expects to use.
// CPUFraction and IOFraction are in [0,1].
type ResourceRequirement struct {
	CPUFraction float64 `json:"cpuFraction" yaml:"cpuFraction" mapstructure:"cpuFraction"`
	MemoryBytes uint64  `json:"memoryBytes" yaml:"memoryBytes" mapstructure:"memoryBytes"`
	IOFraction  float64 `json:"ioFraction" yaml:"ioFraction" mapstructure:"ioFraction"`
}

// TaskFunc is the opaque body of a task
type TaskFunc func(ctx context.Context) (interface{}, error)

// Task is a unit of work submitted to the scheduler
type Task struct {
	ID                string
	Run               TaskFunc
	Dependencies      []string
	Priority          int
	EstimatedDuration time.Duration
	Resources         ResourceRequirement

	// Timeout bounds a single attempt when non-zero. Bodies that ignore
	// their context keep running until they return.
	Timeout time.Duration
}

// ExecutionResult records the outcome of one task in a scheduling run
type ExecutionResult struct {
	TaskID    string        `json:"taskId"`
	State     TaskState     `json:"state"`
	Result    interface{}   `json:"result,omitempty"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Retries   int           `json:"retries"`
	WorkerID  int           `json:"workerId"`
}

// Worker is a slot in the scheduler's pool
type Worker struct {
	ID             int           `json:"id"`
	Busy           bool          `json:"busy"`
	CurrentTaskID  string        `json:"currentTaskId,omitempty"`
	TasksCompleted int           `json:"tasksCompleted"`
	TotalTime      time.Duration `json:"totalTime"`
}

// SchedulerConfig represents task scheduling configuration
type SchedulerConfig struct {
	MaxWorkers         int      `json:"maxWorkers" yaml:"maxWorkers" mapstructure:"maxWorkers"`
	Strategy           Strategy `json:"strategy" yaml:"strategy" mapstructure:"strategy"`
	ResourceMonitoring bool     `json:"resourceMonitoring" yaml:"resourceMonitoring" mapstructure:"resourceMonitoring"`
	DynamicScaling     bool     `json:"dynamicScaling" yaml:"dynamicScaling" mapstructure:"dynamicScaling"`
	// CPUThreshold and MemoryThreshold are percentages (0-100)
	CPUThreshold    float64 `json:"cpuThreshold" yaml:"cpuThreshold" mapstructure:"cpuThreshold"`
	MemoryThreshold float64 `json:"memoryThreshold" yaml:"memoryThreshold" mapstructure:"memoryThreshold"`
	// PollInterval in milliseconds
	PollInterval int `json:"pollInterval" yaml:"pollInterval" mapstructure:"pollInterval"`
	MaxRetries   int `json:"maxRetries" yaml:"maxRetries" mapstructure:"maxRetries"`
}

// GetPollInterval returns the resource poll interval
func (c SchedulerConfig) GetPollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.PollInterval) * time.Millisecond
}

// GetMaxWorkers returns the configured pool size or the default of cores-1
func (c SchedulerConfig) GetMaxWorkers() int {
	if c.MaxWorkers > 0 {
		return c.MaxWorkers
	}
	return DefaultMaxWorkers()
}

// DefaultMaxWorkers is one less than the number of logical cores, at least 1
func DefaultMaxWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// RemoteConfig represents connection settings for a remote cache service
type RemoteConfig struct {
	Addr     string `json:"addr" yaml:"addr" mapstructure:"addr"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `json:"db" yaml:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
}

// CacheConfig represents build cache configuration
type CacheConfig struct {
	Enabled *bool       `json:"enabled,omitempty" yaml:"enabled,omitempty" mapstructure:"enabled"`
	Backend BackendType `json:"backend" yaml:"backend" mapstructure:"backend"`
	Dir     string      `json:"dir" yaml:"dir" mapstructure:"dir"`
	// TTL in milliseconds, 0 disables expiry
	TTL int64 `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	// MaxSize in bytes, 0 disables eviction
	MaxSize              int64           `json:"maxSize" yaml:"maxSize" mapstructure:"maxSize"`
	Compression          CompressionMode `json:"compression" yaml:"compression" mapstructure:"compression"`
	CompressionThreshold int             `json:"compressionThreshold" yaml:"compressionThreshold" mapstructure:"compressionThreshold"`
	MirrorSize           int             `json:"mirrorSize" yaml:"mirrorSize" mapstructure:"mirrorSize"`
	EmbedArtifacts       bool            `json:"embedArtifacts" yaml:"embedArtifacts" mapstructure:"embedArtifacts"`
	Remote               *RemoteConfig   `json:"remote,omitempty" yaml:"remote,omitempty" mapstructure:"remote"`
}

// IsEnabled reports whether caching is on (default true)
func (c CacheConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// GetTTL returns the entry time-to-live
func (c CacheConfig) GetTTL() time.Duration { return time.Duration(c.TTL) * time.Millisecond }

// GetCompressionThreshold returns the size above which entries are compressed
func (c CacheConfig) GetCompressionThreshold() int {
	if c.CompressionThreshold <= 0 {
		return 1024
	}
	return c.CompressionThreshold
}

// GetMirrorSize returns the number of entries mirrored in-process
func (c CacheConfig) GetMirrorSize() int {
	if c.MirrorSize <= 0 {
		return 256
	}
	return c.MirrorSize
}

// FingerprintConfig represents incremental file tracking configuration
type FingerprintConfig struct {
	SnapshotPath   string        `json:"snapshotPath" yaml:"snapshotPath" mapstructure:"snapshotPath"`
	IgnorePatterns []string      `json:"ignorePatterns,omitempty" yaml:"ignorePatterns,omitempty" mapstructure:"ignorePatterns"`
	HashAlgorithm  HashAlgorithm `json:"hashAlgorithm" yaml:"hashAlgorithm" mapstructure:"hashAlgorithm"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled   *bool `json:"enabled,omitempty" yaml:"enabled,omitempty" mapstructure:"enabled"`
	OnSuccess bool  `json:"onSuccess" yaml:"onSuccess" mapstructure:"onSuccess"`
	Sound     bool  `json:"sound" yaml:"sound" mapstructure:"sound"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string   `json:"file" yaml:"file" mapstructure:"file"`
	Level LogLevel `json:"level" yaml:"level" mapstructure:"level"`
}

// UnitConfig describes one build unit run by a shell command. Inputs are
// glob patterns and Outputs are file paths, both relative to the project root.
type UnitConfig struct {
	Name         string                 `json:"name" yaml:"name" mapstructure:"name"`
	Adapter      string                 `json:"adapter,omitempty" yaml:"adapter,omitempty" mapstructure:"adapter"`
	Command      string                 `json:"command" yaml:"command" mapstructure:"command"`
	Inputs       []string               `json:"inputs,omitempty" yaml:"inputs,omitempty" mapstructure:"inputs"`
	Outputs      []string               `json:"outputs,omitempty" yaml:"outputs,omitempty" mapstructure:"outputs"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty" mapstructure:"dependencies"`
	Priority     int                    `json:"priority,omitempty" yaml:"priority,omitempty" mapstructure:"priority"`
	Environment  map[string]string      `json:"env,omitempty" yaml:"env,omitempty" mapstructure:"env"`
	Options      map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty" mapstructure:"options"`
	Resources    ResourceRequirement    `json:"resources,omitempty" yaml:"resources,omitempty" mapstructure:"resources"`
	// EstimatedDuration and Timeout in milliseconds
	EstimatedDuration int   `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty" mapstructure:"estimatedDuration"`
	Timeout           int   `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	Enabled           *bool `json:"enabled,omitempty" yaml:"enabled,omitempty" mapstructure:"enabled"`
}

// IsEnabled reports whether the unit takes part in builds (default true)
func (u UnitConfig) IsEnabled() bool { return u.Enabled == nil || *u.Enabled }

// GetAdapter returns the adapter name, "command" when unset
func (u UnitConfig) GetAdapter() string {
	if u.Adapter == "" {
		return "command"
	}
	return u.Adapter
}

// EngineConfig represents the main configuration
type EngineConfig struct {
	Version       string              `json:"version" yaml:"version" mapstructure:"version"`
	Scheduler     SchedulerConfig     `json:"scheduler" yaml:"scheduler" mapstructure:"scheduler"`
	Cache         CacheConfig         `json:"cache" yaml:"cache" mapstructure:"cache"`
	Fingerprint   FingerprintConfig   `json:"fingerprint" yaml:"fingerprint" mapstructure:"fingerprint"`
	Notifications *NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty" mapstructure:"notifications"`
	Logging       *LoggingConfig      `json:"logging,omitempty" yaml:"logging,omitempty" mapstructure:"logging"`
	Units         []UnitConfig        `json:"units,omitempty" yaml:"units,omitempty" mapstructure:"units"`
}

// GetUnit returns the unit with the given name
func (c *EngineConfig) GetUnit(name string) (UnitConfig, bool) {
	for _, u := range c.Units {
		if u.Name == name {
			return u, true
		}
	}
	return UnitConfig{}, false
}
