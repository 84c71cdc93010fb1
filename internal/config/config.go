package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vitrina.yml: the plan-tier policy table, the sanction
// policy, and optional event webhook sinks.
type Config struct {
	Plans struct {
		DefaultTier string              `yaml:"default_tier"`
		TopTier     string              `yaml:"top_tier"`
		Tiers       map[string]PlanTier `yaml:"tiers"`
	} `yaml:"plans"`
	Sanctions struct {
		ReportThreshold       int `yaml:"report_threshold"`
		ReportGraceMinutes    int `yaml:"report_grace_minutes"`
		SuspensionDays        int `yaml:"suspension_days"`
		SuspensionDaysTopTier int `yaml:"suspension_days_top_tier"`
		PendingTimeoutHours   int `yaml:"pending_timeout_hours"`
		ReprogramOffsetDays   int `yaml:"reprogram_offset_days"`
		RunIntervalMinutes    int `yaml:"run_interval_minutes"`
	} `yaml:"sanctions"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// PlanTier holds the free allowances of one plan tier.
type PlanTier struct {
	WeeklyLiveLimit int `yaml:"weekly_live_limit"`
	ReelDailyLimit  int `yaml:"reel_daily_limit"`
}

// WebhookConfig describes one event sink.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// ResolveTier maps a raw plan string to a tier name and its limits.
// Matching is case-insensitive: exact tier name first, then substring
// (a plan called "plan-maxima-2024" still resolves to "maxima"), then the
// configured default tier.
func (c *Config) ResolveTier(plan string) (string, PlanTier) {
	normalized := strings.ToLower(strings.TrimSpace(plan))
	if tier, ok := c.Plans.Tiers[normalized]; ok {
		return normalized, tier
	}
	// Deterministic order for the substring fallback.
	names := make([]string, 0, len(c.Plans.Tiers))
	for name := range c.Plans.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(normalized, name) {
			return name, c.Plans.Tiers[name]
		}
	}
	return c.Plans.DefaultTier, c.Plans.Tiers[c.Plans.DefaultTier]
}

// Limits returns the base allowances for a plan string.
func (c *Config) Limits(plan string) PlanTier {
	_, tier := c.ResolveTier(plan)
	return tier
}

// IsTopTier reports whether a plan resolves to the configured top tier.
func (c *Config) IsTopTier(plan string) bool {
	name, _ := c.ResolveTier(plan)
	return name == c.Plans.TopTier
}

// SuspensionDuration is the agenda suspension length for a plan: shorter
// for the top paid tier, the default for everyone else.
func (c *Config) SuspensionDuration(plan string) time.Duration {
	days := c.Sanctions.SuspensionDays
	if c.IsTopTier(plan) {
		days = c.Sanctions.SuspensionDaysTopTier
	}
	return time.Duration(days) * 24 * time.Hour
}

// ReportGrace is the offset from broadcast start before validated reports
// count toward sanctioning.
func (c *Config) ReportGrace() time.Duration {
	return time.Duration(c.Sanctions.ReportGraceMinutes) * time.Minute
}

// PendingTimeout is how long a PENDING_REPROGRAMMATION stream may wait for
// manual resolution before it is forced to MISSED.
func (c *Config) PendingTimeout() time.Duration {
	return time.Duration(c.Sanctions.PendingTimeoutHours) * time.Hour
}

// ReprogramOffset is the fixed reschedule offset applied to streams caught
// inside a new suspension window.
func (c *Config) ReprogramOffset() time.Duration {
	return time.Duration(c.Sanctions.ReprogramOffsetDays) * 24 * time.Hour
}

// RunInterval is the sanctions engine timer period.
func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.Sanctions.RunIntervalMinutes) * time.Minute
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Plans.Tiers) == 0 {
		return fmt.Errorf("config.plans.tiers is required")
	}
	for name, tier := range c.Plans.Tiers {
		if name == "" {
			return fmt.Errorf("config.plans.tiers contains empty tier name")
		}
		if name != strings.ToLower(name) {
			return fmt.Errorf("tier name %s must be lowercase", name)
		}
		if tier.WeeklyLiveLimit <= 0 {
			return fmt.Errorf("tier %s weekly_live_limit must be positive", name)
		}
		if tier.ReelDailyLimit <= 0 {
			return fmt.Errorf("tier %s reel_daily_limit must be positive", name)
		}
	}
	if c.Plans.DefaultTier == "" {
		return fmt.Errorf("config.plans.default_tier is required")
	}
	if _, ok := c.Plans.Tiers[c.Plans.DefaultTier]; !ok {
		return fmt.Errorf("default tier %s not defined", c.Plans.DefaultTier)
	}
	if c.Plans.TopTier == "" {
		return fmt.Errorf("config.plans.top_tier is required")
	}
	if _, ok := c.Plans.Tiers[c.Plans.TopTier]; !ok {
		return fmt.Errorf("top tier %s not defined", c.Plans.TopTier)
	}
	if c.Sanctions.ReportThreshold <= 0 {
		return fmt.Errorf("config.sanctions.report_threshold must be positive")
	}
	if c.Sanctions.ReportGraceMinutes < 0 {
		return fmt.Errorf("config.sanctions.report_grace_minutes must not be negative")
	}
	if c.Sanctions.SuspensionDays <= 0 || c.Sanctions.SuspensionDaysTopTier <= 0 {
		return fmt.Errorf("config.sanctions suspension days must be positive")
	}
	if c.Sanctions.PendingTimeoutHours <= 0 {
		return fmt.Errorf("config.sanctions.pending_timeout_hours must be positive")
	}
	if c.Sanctions.ReprogramOffsetDays <= 0 {
		return fmt.Errorf("config.sanctions.reprogram_offset_days must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vitrina.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with 'vitrina config init'", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the built-in defaults when the config file does not
// exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in policy table.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `plans:
  default_tier: basica
  top_tier: maxima
  tiers:
    basica:
      weekly_live_limit: 1
      reel_daily_limit: 1
    media:
      weekly_live_limit: 2
      reel_daily_limit: 2
    maxima:
      weekly_live_limit: 3
      reel_daily_limit: 3

sanctions:
  report_threshold: 5
  report_grace_minutes: 6
  suspension_days: 7
  suspension_days_top_tier: 4
  pending_timeout_hours: 48
  reprogram_offset_days: 7
  run_interval_minutes: 10
`
