package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"alertengine/internal/domain"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultListen              = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultMetricsPath         = "/metrics"
	defaultRuleSweepSec        = 5
	defaultEscalationSweepSec  = 15
	defaultWorkers             = 8
	defaultEvaluationTimeout   = 30
	defaultDispatchTimeout     = 15
	defaultReloadSeconds       = 30
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultRulesBucket         = "alert_rules"
	defaultSchedulesBucket     = "alert_schedules"
	defaultAlertsBucket        = "alert_cards"
	defaultSlotsBucket         = "alert_slots"
	defaultAttemptsBucket      = "alert_attempts"
	defaultRetryMaxAttempts    = 5
	defaultRetryInitialMS      = 500
	defaultRetryMaxMS          = 30000
	defaultBreakerThreshold    = 5
	defaultBreakerCooldownSec  = 60
	defaultMetricSourceTimeout = 10

	// ServiceModeSingle keeps in-memory state without NATS dependencies.
	ServiceModeSingle = "single"
	// ServiceModeNATS keeps JetStream-backed durable state.
	ServiceModeNATS = "nats"

	// ChannelTelegram identifies the Telegram transport.
	ChannelTelegram = "telegram"
	// ChannelWebhook identifies the generic HTTP webhook transport.
	ChannelWebhook = "webhook"
	// ChannelChatWebhook identifies the chat-webhook transport.
	ChannelChatWebhook = "chatwebhook"
)

// Config holds service runtime settings, channel transports, policies, and seed rules.
// Params: TOML sections from a file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service      ServiceConfig             `toml:"service"`
	Log          LogConfig                 `toml:"log"`
	State        StateConfig               `toml:"state"`
	MetricSource MetricSourceConfig        `toml:"metric_source"`
	Notify       NotifyConfig              `toml:"notify"`
	OnCall       map[string]RotationConfig `toml:"oncall"`
	Policy       map[string]PolicyConfig   `toml:"policy"`
	Rule         map[string]RuleSeed       `toml:"rule"`
}

// ServiceConfig stores coordinator cadence and lifecycle settings.
// Params: sweep intervals, worker pool size, timeouts, reload, and listener paths.
// Returns: service section of the snapshot.
type ServiceConfig struct {
	Mode                 string `toml:"mode"`
	RuleSweepSec         int    `toml:"rule_sweep_sec"`
	EscalationSweepSec   int    `toml:"escalation_sweep_sec"`
	Workers              int    `toml:"workers"`
	EvaluationTimeoutSec int    `toml:"evaluation_timeout_sec"`
	DispatchTimeoutSec   int    `toml:"dispatch_timeout_sec"`
	ReloadEnabled        bool   `toml:"reload_enabled"`
	ReloadIntervalSec    int    `toml:"reload_interval_sec"`
	Listen               string `toml:"listen"`
	HealthPath           string `toml:"health_path"`
	ReadyPath            string `toml:"ready_path"`
	MetricsPath          string `toml:"metrics_path"`
}

// LogConfig stores logging sink settings.
// Params: console and file sink sections.
// Returns: log section of the snapshot.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig stores one log sink definition.
// Params: enabled flag, level, format, and file path for file sinks.
// Returns: sink settings for the logging package.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// StateConfig selects and parameterizes the persistence backend.
// Params: NATS subsection used in nats mode.
// Returns: state section of the snapshot.
type StateConfig struct {
	NATS NATSStateConfig `toml:"nats"`
}

// NATSStateConfig stores JetStream KV connection and bucket settings.
// Params: server URLs, bucket names, and create permission.
// Returns: settings consumed by the NATS store.
type NATSStateConfig struct {
	URL                []string `toml:"url"`
	RulesBucket        string   `toml:"rules_bucket"`
	SchedulesBucket    string   `toml:"schedules_bucket"`
	AlertsBucket       string   `toml:"alerts_bucket"`
	SlotsBucket        string   `toml:"slots_bucket"`
	AttemptsBucket     string   `toml:"attempts_bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// MetricSourceConfig stores the metric query backend settings.
// Params: kind selector and HTTP endpoint options.
// Returns: metric_source section of the snapshot.
type MetricSourceConfig struct {
	Kind       string `toml:"kind"`
	URL        string `toml:"url"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// NotifyConfig stores channel transport settings.
// Params: per-channel subsections.
// Returns: notify section of the snapshot.
type NotifyConfig struct {
	Telegram    TelegramChannel    `toml:"telegram"`
	Webhook     WebhookChannel     `toml:"webhook"`
	ChatWebhook ChatWebhookChannel `toml:"chatwebhook"`
}

// RetryConfig stores dispatch retry/backoff settings for one channel.
// Params: toggle, attempt cap, and backoff bounds.
// Returns: retry policy consumed by the dispatcher.
type RetryConfig struct {
	Enabled     bool `toml:"enabled"`
	MaxAttempts int  `toml:"max_attempts"`
	InitialMS   int  `toml:"initial_ms"`
	MaxMS       int  `toml:"max_ms"`
}

// BreakerConfig stores circuit breaker settings for one channel.
// Params: consecutive failure threshold and open-state cooldown.
// Returns: breaker policy consumed by the dispatcher.
type BreakerConfig struct {
	Threshold   int `toml:"threshold"`
	CooldownSec int `toml:"cooldown_sec"`
}

// TelegramChannel stores Telegram bot transport settings.
// Params: toggle, bot token, chat target, retry, and breaker.
// Returns: telegram channel settings.
type TelegramChannel struct {
	Enabled bool          `toml:"enabled"`
	Token   string        `toml:"token"`
	ChatID  string        `toml:"chat_id"`
	Retry   RetryConfig   `toml:"retry"`
	Breaker BreakerConfig `toml:"breaker"`
}

// WebhookChannel stores generic HTTP webhook transport settings.
// Params: toggle, destination URL, static headers, retry, and breaker.
// Returns: webhook channel settings.
type WebhookChannel struct {
	Enabled bool              `toml:"enabled"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
	Retry   RetryConfig       `toml:"retry"`
	Breaker BreakerConfig     `toml:"breaker"`
}

// ChatWebhookChannel stores chat-webhook transport settings.
// Params: toggle, incoming-webhook URL, channel override, retry, and breaker.
// Returns: chat-webhook channel settings.
type ChatWebhookChannel struct {
	Enabled bool          `toml:"enabled"`
	URL     string        `toml:"url"`
	Channel string        `toml:"channel"`
	Retry   RetryConfig   `toml:"retry"`
	Breaker BreakerConfig `toml:"breaker"`
}

// RotationConfig stores one on-call rotation definition.
// Params: fallback recipients and optional time-of-day shifts.
// Returns: rotation consumed by the static on-call resolver.
type RotationConfig struct {
	Default []string      `toml:"default"`
	Shift   []ShiftConfig `toml:"shift"`
}

// ShiftConfig stores one on-call shift window.
// Params: UTC hour window and recipients.
// Returns: shift entry matched at notification fire time.
type ShiftConfig struct {
	FromHour   int      `toml:"from_hour"`
	ToHour     int      `toml:"to_hour"`
	Recipients []string `toml:"recipients"`
}

// PolicyConfig stores one escalation policy definition.
// Params: ordered level list.
// Returns: policy section decoded from TOML.
type PolicyConfig struct {
	Level []domain.EscalationLevel `toml:"level"`
}

// RuleSeed stores one config-seeded rule definition.
// Params: rule fields keyed by rule name in the [rule.NAME] section.
// Returns: seed upserted into the store at startup.
type RuleSeed struct {
	Enabled      *bool            `toml:"enabled"`
	Metric       string           `toml:"metric"`
	Condition    domain.Condition `toml:"condition"`
	EverySec     int64            `toml:"every_sec"`
	SustainedSec int64            `toml:"sustained_sec"`
	CooldownSec  int64            `toml:"cooldown_sec"`
	Severity     string           `toml:"severity"`
	Channels     []string         `toml:"channels"`
	Policy       string           `toml:"policy"`
	NoData       string           `toml:"no_data"`
}

// ConfigSource selects one config file or a directory of fragments.
// Params: mutually exclusive file/dir paths.
// Returns: source descriptor for LoadSnapshot.
type ConfigSource struct {
	FilePath string
	DirPath  string
}

// FromCLI validates CLI flags into a config source.
// Params: file path and directory path flag values.
// Returns: source descriptor or flag usage error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	file := strings.TrimSpace(filePath)
	dir := strings.TrimSpace(dirPath)
	if (file == "") == (dir == "") {
		return ConfigSource{}, errors.New("exactly one of --config-file or --config-dir is required")
	}
	return ConfigSource{FilePath: file, DirPath: dir}, nil
}

// LoadSnapshot loads, defaults, and validates one config snapshot.
// Params: config source descriptor.
// Returns: validated config or load error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	if src.FilePath != "" {
		if err := decodeFile(src.FilePath, &cfg); err != nil {
			return Config{}, err
		}
	} else {
		entries, err := os.ReadDir(src.DirPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config dir: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
				continue
			}
			names = append(names, entry.Name())
		}
		if len(names) == 0 {
			return Config{}, fmt.Errorf("no *.toml fragments in %q", src.DirPath)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := decodeFile(filepath.Join(src.DirPath, name), &cfg); err != nil {
				return Config{}, err
			}
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile decodes one TOML document over the accumulated snapshot.
// Params: file path and mutable config target.
// Returns: read or decode error.
func decodeFile(path string, cfg *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, cfg); err != nil {
		return fmt.Errorf("decode config %q: %w", path, err)
	}
	return nil
}

// applyDefaults fills unset snapshot fields with engine defaults.
// Params: mutable config snapshot.
// Returns: snapshot mutated in place.
func applyDefaults(cfg *Config) {
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = ServiceModeSingle
	}
	if cfg.Service.RuleSweepSec <= 0 {
		cfg.Service.RuleSweepSec = defaultRuleSweepSec
	}
	if cfg.Service.EscalationSweepSec <= 0 {
		cfg.Service.EscalationSweepSec = defaultEscalationSweepSec
	}
	if cfg.Service.Workers <= 0 {
		cfg.Service.Workers = defaultWorkers
	}
	if cfg.Service.EvaluationTimeoutSec <= 0 {
		cfg.Service.EvaluationTimeoutSec = defaultEvaluationTimeout
	}
	if cfg.Service.DispatchTimeoutSec <= 0 {
		cfg.Service.DispatchTimeoutSec = defaultDispatchTimeout
	}
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = defaultListen
	}
	if cfg.Service.HealthPath == "" {
		cfg.Service.HealthPath = defaultHealthPath
	}
	if cfg.Service.ReadyPath == "" {
		cfg.Service.ReadyPath = defaultReadyPath
	}
	if cfg.Service.MetricsPath == "" {
		cfg.Service.MetricsPath = defaultMetricsPath
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}

	if len(cfg.State.NATS.URL) == 0 {
		cfg.State.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.State.NATS.RulesBucket == "" {
		cfg.State.NATS.RulesBucket = defaultRulesBucket
	}
	if cfg.State.NATS.SchedulesBucket == "" {
		cfg.State.NATS.SchedulesBucket = defaultSchedulesBucket
	}
	if cfg.State.NATS.AlertsBucket == "" {
		cfg.State.NATS.AlertsBucket = defaultAlertsBucket
	}
	if cfg.State.NATS.SlotsBucket == "" {
		cfg.State.NATS.SlotsBucket = defaultSlotsBucket
	}
	if cfg.State.NATS.AttemptsBucket == "" {
		cfg.State.NATS.AttemptsBucket = defaultAttemptsBucket
	}

	if cfg.MetricSource.Kind == "" {
		cfg.MetricSource.Kind = "http"
	}
	if cfg.MetricSource.TimeoutSec <= 0 {
		cfg.MetricSource.TimeoutSec = defaultMetricSourceTimeout
	}

	applyRetryDefaults(&cfg.Notify.Telegram.Retry)
	applyRetryDefaults(&cfg.Notify.Webhook.Retry)
	applyRetryDefaults(&cfg.Notify.ChatWebhook.Retry)
	applyBreakerDefaults(&cfg.Notify.Telegram.Breaker)
	applyBreakerDefaults(&cfg.Notify.Webhook.Breaker)
	applyBreakerDefaults(&cfg.Notify.ChatWebhook.Breaker)
}

// applyRetryDefaults fills unset retry fields.
// Params: mutable retry section.
// Returns: section mutated in place.
func applyRetryDefaults(retry *RetryConfig) {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultRetryMaxAttempts
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = defaultRetryInitialMS
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = defaultRetryMaxMS
	}
}

// applyBreakerDefaults fills unset breaker fields.
// Params: mutable breaker section.
// Returns: section mutated in place.
func applyBreakerDefaults(breaker *BreakerConfig) {
	if breaker.Threshold <= 0 {
		breaker.Threshold = defaultBreakerThreshold
	}
	if breaker.CooldownSec <= 0 {
		breaker.CooldownSec = defaultBreakerCooldownSec
	}
}

// Validate checks cross-section snapshot invariants.
// Params: none.
// Returns: first validation error.
func (c Config) Validate() error {
	switch c.Service.Mode {
	case ServiceModeSingle, ServiceModeNATS:
	default:
		return fmt.Errorf("unsupported service mode %q", c.Service.Mode)
	}
	switch c.MetricSource.Kind {
	case "http":
		if strings.TrimSpace(c.MetricSource.URL) == "" {
			return errors.New("metric_source.url is required for kind=http")
		}
	case "static":
	default:
		return fmt.Errorf("unsupported metric_source kind %q", c.MetricSource.Kind)
	}
	if c.Log.File.Enabled && strings.TrimSpace(c.Log.File.Path) == "" {
		return errors.New("log.file.path is required when file sink is enabled")
	}

	policies := c.Policies()
	for name, policy := range policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
		for levelIdx, level := range policy.Levels {
			if level.OnCallRef == "" {
				continue
			}
			if _, ok := c.OnCall[level.OnCallRef]; !ok {
				return fmt.Errorf("policy %q level %d references unknown oncall rotation %q", name, levelIdx, level.OnCallRef)
			}
		}
	}

	for name, seed := range c.Rule {
		rule := seed.ToRule(name)
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", name, err)
		}
		if rule.PolicyName != "" {
			if _, ok := policies[rule.PolicyName]; !ok {
				return fmt.Errorf("rule %q references unknown policy %q", name, rule.PolicyName)
			}
		}
	}
	return nil
}

// Policies materializes policy sections into domain policies.
// Params: none.
// Returns: policy map keyed by name.
func (c Config) Policies() map[string]domain.EscalationPolicy {
	policies := make(map[string]domain.EscalationPolicy, len(c.Policy))
	for name, section := range c.Policy {
		policies[name] = domain.EscalationPolicy{Name: name, Levels: section.Level}
	}
	return policies
}

// SeedRules materializes rule sections into domain rules.
// Params: none.
// Returns: rules sorted by ID for deterministic startup upserts.
func (c Config) SeedRules() []domain.AlertRule {
	rules := make([]domain.AlertRule, 0, len(c.Rule))
	for name, seed := range c.Rule {
		rules = append(rules, seed.ToRule(name))
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// ToRule converts one seed section into a domain rule.
// Params: rule name from the section key.
// Returns: rule with defaults applied.
func (s RuleSeed) ToRule(name string) domain.AlertRule {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	severity := domain.Severity(s.Severity)
	if severity == "" {
		severity = domain.SeverityWarning
	}
	noData := domain.NoDataPolicy(s.NoData)
	if noData == "" {
		noData = domain.NoDataIgnore
	}
	return domain.AlertRule{
		ID:           name,
		Name:         name,
		Enabled:      enabled,
		Metric:       s.Metric,
		Condition:    s.Condition,
		EverySec:     s.EverySec,
		SustainedSec: s.SustainedSec,
		CooldownSec:  s.CooldownSec,
		Severity:     severity,
		Channels:     s.Channels,
		PolicyName:   s.Policy,
		NoDataPolicy: noData,
	}
}
