package config_test

import (
	"testing"
	"time"

	"vitrina/internal/config"
)

func TestResolveTier(t *testing.T) {
	cfg := config.Default()

	name, tier := cfg.ResolveTier("maxima")
	if name != "maxima" || tier.WeeklyLiveLimit != 3 {
		t.Fatalf("exact match failed: %s %+v", name, tier)
	}
	// commercial plan codes resolve by substring
	name, tier = cfg.ResolveTier("Plan-Media-2024")
	if name != "media" || tier.WeeklyLiveLimit != 2 {
		t.Fatalf("substring match failed: %s %+v", name, tier)
	}
	name, _ = cfg.ResolveTier("")
	if name != "basica" {
		t.Fatalf("expected default tier, got %s", name)
	}
	name, _ = cfg.ResolveTier("enterprise")
	if name != "basica" {
		t.Fatalf("unknown plan should fall back to default, got %s", name)
	}
}

func TestSuspensionDurationByTier(t *testing.T) {
	cfg := config.Default()
	if d := cfg.SuspensionDuration("basica"); d != 7*24*time.Hour {
		t.Fatalf("basica suspension = %s", d)
	}
	if d := cfg.SuspensionDuration("maxima"); d != 4*24*time.Hour {
		t.Fatalf("top tier suspension = %s", d)
	}
}

func TestValidateRejectsBrokenPolicy(t *testing.T) {
	broken := []string{
		"plans:\n  default_tier: basica\n  top_tier: basica\n  tiers: {}\n",
		"plans:\n  default_tier: missing\n  top_tier: basica\n  tiers:\n    basica: {weekly_live_limit: 1, reel_daily_limit: 1}\n",
		"plans:\n  default_tier: basica\n  top_tier: basica\n  tiers:\n    basica: {weekly_live_limit: 0, reel_daily_limit: 1}\n",
	}
	for i, yml := range broken {
		if _, err := config.FromYAML([]byte(yml)); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if cfg.Sanctions.ReportThreshold != 5 {
		t.Fatalf("unexpected threshold %d", cfg.Sanctions.ReportThreshold)
	}
	if cfg.ReportGrace() != 6*time.Minute {
		t.Fatalf("unexpected grace %s", cfg.ReportGrace())
	}
	if cfg.PendingTimeout() != 48*time.Hour {
		t.Fatalf("unexpected pending timeout %s", cfg.PendingTimeout())
	}
}
