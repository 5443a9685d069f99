package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabelul/autocoder/internal/mergegate"
)

// Strict mode bounds.
const (
	StrictMaxWorkers       = 5
	minAgentTimeout        = time.Minute
	minGateTimeout         = 10 * time.Second
	minPollInterval        = 100 * time.Millisecond
	minHeartbeatMultiplier = 3
)

var commandNames = map[string]bool{"lint": true, "typecheck": true, "test": true}

// Validate rejects values no mode can run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Orchestrator.Workers < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.workers must be at least 1, got %d", c.Orchestrator.Workers))
	}
	if c.Orchestrator.PollInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.poll_interval must be positive"))
	}
	if c.Orchestrator.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.heartbeat_interval must be positive"))
	}
	if c.Orchestrator.HeartbeatTimeout <= c.Orchestrator.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("orchestrator.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Orchestrator.HeartbeatTimeout, c.Orchestrator.HeartbeatInterval))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.BackoffInitial <= 0 {
		errs = append(errs, errors.New("queue.backoff_initial must be positive"))
	}
	if c.Queue.BackoffMax < c.Queue.BackoffInitial {
		errs = append(errs, errors.New("queue.backoff_max must not be below backoff_initial"))
	}
	if c.Queue.BackoffJitter < 0 || c.Queue.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("queue.backoff_jitter must be within [0, 1], got %g", c.Queue.BackoffJitter))
	}
	if strings.TrimSpace(c.Agent.Command) == "" {
		errs = append(errs, errors.New("agent.command is required"))
	}

	switch c.Gate.Preset {
	case mergegate.PresetAuto, mergegate.PresetNone, mergegate.PresetGo,
		mergegate.PresetNode, mergegate.PresetPython, mergegate.PresetRust:
	default:
		errs = append(errs, fmt.Errorf("gate.preset %q is not one of go, node, python, rust, none", c.Gate.Preset))
	}
	for name := range c.Commands {
		if !commandNames[name] {
			errs = append(errs, fmt.Errorf("commands.%s: unknown command (want lint, typecheck or test)", name))
		}
	}

	switch c.Review.Mode {
	case mergegate.ReviewModeAdvisory, mergegate.ReviewModeGate:
	default:
		errs = append(errs, fmt.Errorf("review.mode %q is not advisory or gate", c.Review.Mode))
	}
	switch c.Review.Consensus {
	case "", mergegate.ConsensusAll, mergegate.ConsensusMajority, mergegate.ConsensusAny:
	default:
		errs = append(errs, fmt.Errorf("review.consensus %q is not all, majority or any", c.Review.Consensus))
	}
	for i, e := range c.Review.Engines {
		if strings.TrimSpace(e.Command) == "" {
			errs = append(errs, fmt.Errorf("review.engines[%d]: command is required", i))
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Clamp pulls values into the ranges strict mode allows and returns a
// description of every change.
func (c *Config) Clamp() []string {
	var changes []string
	note := func(format string, args ...any) {
		changes = append(changes, fmt.Sprintf(format, args...))
	}

	if c.Orchestrator.Workers > StrictMaxWorkers {
		note("orchestrator.workers %d -> %d", c.Orchestrator.Workers, StrictMaxWorkers)
		c.Orchestrator.Workers = StrictMaxWorkers
	}
	if c.Orchestrator.Workers < 1 {
		note("orchestrator.workers %d -> 1", c.Orchestrator.Workers)
		c.Orchestrator.Workers = 1
	}
	if c.Queue.MaxAttempts < 1 {
		note("queue.max_attempts %d -> 1", c.Queue.MaxAttempts)
		c.Queue.MaxAttempts = 1
	}
	if c.Gate.AllowNoTests {
		note("gate.allow_no_tests true -> false")
		c.Gate.AllowNoTests = false
	}
	if c.Review.Enabled && c.Review.Mode != mergegate.ReviewModeGate {
		note("review.mode %s -> %s", c.Review.Mode, mergegate.ReviewModeGate)
		c.Review.Mode = mergegate.ReviewModeGate
	}

	floor := func(key string, d *time.Duration, min time.Duration) {
		if *d < min {
			note("%s %s -> %s", key, *d, min)
			*d = min
		}
	}
	floor("agent.timeout", &c.Agent.Timeout, minAgentTimeout)
	floor("gate.timeout", &c.Gate.Timeout, minGateTimeout)
	floor("orchestrator.poll_interval", &c.Orchestrator.PollInterval, minPollInterval)
	floor("orchestrator.heartbeat_timeout", &c.Orchestrator.HeartbeatTimeout,
		minHeartbeatMultiplier*c.Orchestrator.HeartbeatInterval)
	for name, cmd := range c.Commands {
		if cmd.Timeout > 0 && cmd.Timeout < minGateTimeout {
			note("commands.%s.timeout %s -> %s", name, cmd.Timeout, minGateTimeout)
			cmd.Timeout = minGateTimeout
			c.Commands[name] = cmd
		}
	}
	return changes
}
