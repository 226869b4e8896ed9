package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"alertengine/internal/domain"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validConfig = `
[service]
mode = "single"

[metric_source]
kind = "static"

[oncall.primary]
default = ["ops"]

[policy.standard]

[[policy.standard.level]]
delay_sec = 300
channels = ["webhook"]
oncall = "primary"

[[policy.standard.level]]
delay_sec = 600
channels = ["telegram"]

[rule.cpu-high]
metric = "cpu.usage"
every_sec = 30
sustained_sec = 120
cooldown_sec = 300
severity = "critical"
policy = "standard"

[rule.cpu-high.condition]
kind = "threshold"
op = ">"
threshold = 80
agg = "avg"
window_sec = 300
`

func TestLoadSnapshotFileAndDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "config.toml", validConfig)
	cfg, err := LoadSnapshot(ConfigSource{FilePath: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if cfg.Service.RuleSweepSec != defaultRuleSweepSec {
		t.Fatalf("expected default rule sweep, got %d", cfg.Service.RuleSweepSec)
	}
	if cfg.Service.Workers != defaultWorkers {
		t.Fatalf("expected default workers, got %d", cfg.Service.Workers)
	}
	if !cfg.Log.Console.Enabled {
		t.Fatalf("expected console sink enabled by default")
	}
	if cfg.Notify.Webhook.Retry.MaxAttempts != defaultRetryMaxAttempts {
		t.Fatalf("expected default retry attempts, got %d", cfg.Notify.Webhook.Retry.MaxAttempts)
	}
	if cfg.Notify.Webhook.Breaker.Threshold != defaultBreakerThreshold {
		t.Fatalf("expected default breaker threshold, got %d", cfg.Notify.Webhook.Breaker.Threshold)
	}

	rules := cfg.SeedRules()
	if len(rules) != 1 {
		t.Fatalf("expected one seed rule, got %d", len(rules))
	}
	rule := rules[0]
	if rule.ID != "cpu-high" || rule.Name != "cpu-high" {
		t.Fatalf("expected rule named after section key, got %+v", rule)
	}
	if !rule.Enabled {
		t.Fatalf("expected rule enabled by default")
	}
	if rule.NoDataPolicy != domain.NoDataIgnore {
		t.Fatalf("expected default no-data policy ignore, got %s", rule.NoDataPolicy)
	}

	policy, ok := cfg.Policies()["standard"]
	if !ok {
		t.Fatalf("expected policy standard")
	}
	if len(policy.Levels) != 2 || policy.Levels[0].OnCallRef != "primary" {
		t.Fatalf("unexpected policy levels %+v", policy.Levels)
	}
}

func TestLoadSnapshotDirectoryMerge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfig(t, dir, "10-service.toml", "[service]\nmode = \"single\"\nworkers = 4\n\n[metric_source]\nkind = \"static\"\n")
	writeConfig(t, dir, "20-override.toml", "[service]\nworkers = 2\n")
	writeConfig(t, dir, "ignored.txt", "not toml")

	cfg, err := LoadSnapshot(ConfigSource{DirPath: dir})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if cfg.Service.Workers != 2 {
		t.Fatalf("expected later fragment to win, got workers=%d", cfg.Service.Workers)
	}
}

func TestLoadSnapshotValidationErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{
			"unknown mode",
			"[service]\nmode = \"cluster\"\n",
			"unsupported service mode",
		},
		{
			"http source without url",
			"[metric_source]\nkind = \"http\"\n",
			"metric_source.url",
		},
		{
			"rule references unknown policy",
			"[metric_source]\nkind = \"static\"\n\n[rule.r1]\nmetric = \"m\"\nevery_sec = 10\npolicy = \"missing\"\nseverity = \"info\"\n\n[rule.r1.condition]\nkind = \"threshold\"\nop = \">\"\nagg = \"last\"\nwindow_sec = 60\n",
			"unknown policy",
		},
		{
			"policy references unknown rotation",
			"[metric_source]\nkind = \"static\"\n\n[policy.p1]\n\n[[policy.p1.level]]\ndelay_sec = 0\noncall = \"ghost\"\n",
			"unknown oncall rotation",
		},
		{
			"file sink without path",
			"[metric_source]\nkind = \"static\"\n\n[log.file]\nenabled = true\n",
			"log.file.path",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, t.TempDir(), "config.toml", tc.body)
			_, err := LoadSnapshot(ConfigSource{FilePath: path})
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFromCLIExactlyOneSource(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error when no source given")
	}
	if _, err := FromCLI("a.toml", "dir"); err == nil {
		t.Fatalf("expected error when both sources given")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil {
		t.Fatalf("file source: %v", err)
	}
	if src.FilePath != "a.toml" {
		t.Fatalf("expected trimmed path, got %q", src.FilePath)
	}
}
