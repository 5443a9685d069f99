// Package config resolves the configuration of an autocoder project.
//
// Layers, lowest to highest precedence:
//  1. built-in defaults (embed/defaults)
//  2. <project>/autocoder.yaml
//  3. AUTOCODER_* environment variables
//
// When strict is set, Clamp then pulls every value into its safe range.
package config

import (
	"time"
)

const (
	// FileName is the project configuration file, relative to the project root.
	FileName = "autocoder.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AUTOCODER_"
)

type Config struct {
	Strict       bool                     `koanf:"strict"`
	Store        StoreConfig              `koanf:"store"`
	Orchestrator OrchestratorConfig       `koanf:"orchestrator"`
	Queue        QueueConfig              `koanf:"queue"`
	Agent        AgentConfig              `koanf:"agent"`
	Gate         GateConfig               `koanf:"gate"`
	Commands     map[string]CommandConfig `koanf:"commands"`
	Review       ReviewConfig             `koanf:"review"`
	Workspace    WorkspaceConfig          `koanf:"workspace"`
	Log          LogConfig                `koanf:"log"`
	HTTP         HTTPConfig               `koanf:"http"`

	// Clamped lists the adjustments strict mode made.
	Clamped []string `koanf:"-"`
}

type StoreConfig struct {
	Path     string `koanf:"path"`
	Snapshot string `koanf:"snapshot"`
	// AutoSnapshot exports the snapshot after every write.
	AutoSnapshot bool `koanf:"auto_snapshot"`
}

type OrchestratorConfig struct {
	Workers           int           `koanf:"workers"`
	StopWhenDone      bool          `koanf:"stop_when_done"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`
	SpawnInterval     time.Duration `koanf:"spawn_interval"`
	MaxStoreFailures  int           `koanf:"max_store_failures"`
	StopGrace         time.Duration `koanf:"stop_grace"`
	LockPath          string        `koanf:"lock_path"`
}

type QueueConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	BackoffInitial    time.Duration `koanf:"backoff_initial"`
	BackoffMax        time.Duration `koanf:"backoff_max"`
	BackoffJitter     float64       `koanf:"backoff_jitter"`
	ClaimTimeout      time.Duration `koanf:"claim_timeout"`
	AutoEnqueueStaged bool          `koanf:"auto_enqueue_staged"`
	StagedBatch       int           `koanf:"staged_batch"`
}

type AgentConfig struct {
	Command string        `koanf:"command"`
	Args    []string      `koanf:"args"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

type GateConfig struct {
	AllowNoTests bool          `koanf:"allow_no_tests"`
	Timeout      time.Duration `koanf:"timeout"`
	Preset       string        `koanf:"preset"`
}

type CommandConfig struct {
	Command string        `koanf:"command"`
	Timeout time.Duration `koanf:"timeout"`
}

type ReviewEngine struct {
	Name    string `koanf:"name"`
	Command string `koanf:"command"`
}

type ReviewConfig struct {
	Enabled   bool           `koanf:"enabled"`
	Mode      string         `koanf:"mode"`
	Consensus string         `koanf:"consensus"`
	Engines   []ReviewEngine `koanf:"engines"`
}

type WorkspaceConfig struct {
	Dir         string   `koanf:"dir"`
	Trunk       string   `koanf:"trunk"`
	IgnoreDirty []string `koanf:"ignore_dirty"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	// Addr enables the control API when set, e.g. "127.0.0.1:8077".
	Addr string `koanf:"addr"`
}
