package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gabelul/autocoder/internal/mergegate"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Orchestrator.Workers != 3 {
		t.Errorf("Expected 3 workers, got %d", cfg.Orchestrator.Workers)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("Expected max_attempts 5, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BackoffInitial != 30*time.Second || cfg.Queue.BackoffMax != 10*time.Minute {
		t.Errorf("Unexpected backoff %s..%s", cfg.Queue.BackoffInitial, cfg.Queue.BackoffMax)
	}
	if cfg.Queue.BackoffJitter != 0.1 {
		t.Errorf("Expected jitter 0.1, got %g", cfg.Queue.BackoffJitter)
	}
	if cfg.Gate.AllowNoTests {
		t.Error("Expected allow_no_tests off by default")
	}
	if cfg.Review.Mode != mergegate.ReviewModeAdvisory {
		t.Errorf("Expected advisory review, got %s", cfg.Review.Mode)
	}
	if len(cfg.Agent.Args) == 0 {
		t.Error("Expected default agent args")
	}

	p := cfg.RetryPolicy()
	if p.MaxAttempts != 5 || p.InitialBackoff != 30*time.Second {
		t.Errorf("Unexpected retry policy %+v", p)
	}
}

func TestLoadProjectFileOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
orchestrator:
  workers: 4
  poll_interval: 500ms
agent:
  command: codex
  args: [exec, "--model", "{model}"]
commands:
  test:
    command: make check
    timeout: 2m
review:
  enabled: true
  consensus: majority
  engines:
    - name: lint-bot
      command: ./review.sh
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Orchestrator.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Orchestrator.Workers)
	}
	if cfg.Orchestrator.PollInterval != 500*time.Millisecond {
		t.Errorf("Expected 500ms poll interval, got %s", cfg.Orchestrator.PollInterval)
	}
	// Untouched keys keep their defaults.
	if cfg.Orchestrator.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("Expected default heartbeat timeout, got %s", cfg.Orchestrator.HeartbeatTimeout)
	}
	if cfg.Agent.Command != "codex" || strings.Join(cfg.Agent.Args, " ") != "exec --model {model}" {
		t.Errorf("Unexpected agent %+v", cfg.Agent)
	}

	gate := cfg.GateConfig()
	if got := gate.Commands["test"]; got.Command != "make check" || got.Timeout != 2*time.Minute {
		t.Errorf("Unexpected test command %+v", got)
	}
	if !gate.Review.Enabled || gate.Review.Consensus != mergegate.ConsensusMajority {
		t.Errorf("Unexpected review %+v", gate.Review)
	}
	if len(gate.Review.Engines) != 1 || gate.Review.Engines[0].Name != "lint-bot" {
		t.Errorf("Unexpected engines %+v", gate.Review.Engines)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := writeConfig(t, "orchestrator:\n  workers: 4\n")
	t.Setenv("AUTOCODER_ORCHESTRATOR_WORKERS", "2")
	t.Setenv("AUTOCODER_QUEUE_BACKOFF_INITIAL", "1m")
	t.Setenv("AUTOCODER_GATE_ALLOW_NO_TESTS", "true")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Orchestrator.Workers != 2 {
		t.Errorf("Expected env to win with 2 workers, got %d", cfg.Orchestrator.Workers)
	}
	if cfg.Queue.BackoffInitial != time.Minute {
		t.Errorf("Expected 1m backoff, got %s", cfg.Queue.BackoffInitial)
	}
	if !cfg.Gate.AllowNoTests {
		t.Error("Expected allow_no_tests from env")
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"AUTOCODER_ORCHESTRATOR_POLL_INTERVAL": "orchestrator.poll_interval",
		"AUTOCODER_HTTP_ADDR":                  "http.addr",
		"AUTOCODER_STRICT":                     "strict",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestStrictClamp(t *testing.T) {
	dir := writeConfig(t, `
strict: true
orchestrator:
  workers: 12
  heartbeat_interval: 10s
  heartbeat_timeout: 15s
gate:
  allow_no_tests: true
  timeout: 1s
agent:
  timeout: 5s
review:
  enabled: true
  mode: advisory
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Orchestrator.Workers != StrictMaxWorkers {
		t.Errorf("Expected workers clamped to %d, got %d", StrictMaxWorkers, cfg.Orchestrator.Workers)
	}
	if cfg.Gate.AllowNoTests {
		t.Error("Expected allow_no_tests forced off")
	}
	if cfg.Review.Mode != mergegate.ReviewModeGate {
		t.Errorf("Expected review forced to gate, got %s", cfg.Review.Mode)
	}
	if cfg.Gate.Timeout != minGateTimeout || cfg.Agent.Timeout != minAgentTimeout {
		t.Errorf("Expected timeouts floored, got gate %s agent %s", cfg.Gate.Timeout, cfg.Agent.Timeout)
	}
	if cfg.Orchestrator.HeartbeatTimeout != 30*time.Second {
		t.Errorf("Expected heartbeat timeout 30s, got %s", cfg.Orchestrator.HeartbeatTimeout)
	}
	if len(cfg.Clamped) != 6 {
		t.Errorf("Expected 6 adjustments, got %v", cfg.Clamped)
	}
}

func TestNonStrictKeepsValues(t *testing.T) {
	dir := writeConfig(t, "orchestrator:\n  workers: 12\ngate:\n  allow_no_tests: true\n")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Orchestrator.Workers != 12 || !cfg.Gate.AllowNoTests {
		t.Errorf("Expected values untouched, got %+v %+v", cfg.Orchestrator, cfg.Gate)
	}
	if len(cfg.Clamped) != 0 {
		t.Errorf("Expected no adjustments, got %v", cfg.Clamped)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := writeConfig(t, `
orchestrator:
  workers: 0
queue:
  backoff_jitter: 2
gate:
  preset: cobol
commands:
  deploy:
    command: ./ship.sh
review:
  mode: sometimes
log:
  format: xml
`)
	_, err := Load(dir)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"workers", "backoff_jitter", "gate.preset", "commands.deploy", "review.mode", "log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %s, got %v", want, err)
		}
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()

	written, err := WriteDefault(dir)
	if err != nil || !written {
		t.Fatalf("WriteDefault = %v, %v", written, err)
	}
	written, err = WriteDefault(dir)
	if err != nil || written {
		t.Fatalf("Expected existing file to be kept, got %v, %v", written, err)
	}

	if _, err := Load(dir); err != nil {
		t.Fatalf("Written defaults do not load: %v", err)
	}
}

func TestRenderAndResolve(t *testing.T) {
	dir := writeConfig(t, "http:\n  addr: 127.0.0.1:9000\n")

	out, err := Render(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(string(out), "127.0.0.1:9000") {
		t.Errorf("Rendered config missing override:\n%s", out)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Resolve(dir)
	if cfg.Store.Path != filepath.Join(dir, ".autocoder", "autocoder.db") {
		t.Errorf("Unexpected store path %s", cfg.Store.Path)
	}
}
