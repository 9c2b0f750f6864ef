package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/decision"
)

func baseConfig() *Config {
	return &Config{
		Thresholds: decision.DefaultThresholds(),
		Verifier: VerifierConfig{
			Costs: map[claims.VerifierKind]decimal.Decimal{
				claims.VerifierDocument: decimal.RequireFromString("0.05"),
				claims.VerifierImage:    decimal.RequireFromString("0.10"),
				claims.VerifierFraud:    decimal.RequireFromString("0.05"),
			},
		},
	}
}

func fptr(v float64) *float64 { return &v }

func TestLoadProfile_MissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing profile file")
	}
	if !strings.Contains(err.Error(), "load profile") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadProfile_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("thresholds: [not: a: map"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parse profile") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApply_OnlySetFieldsOverride(t *testing.T) {
	cfg := baseConfig()
	p := &Profile{
		Name:       "tuned",
		Thresholds: ThresholdsProfile{NeedsReviewMin: fptr(0.65)},
	}

	if err := p.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cfg.Thresholds.NeedsReviewMin != 0.65 {
		t.Errorf("needs_review_min = %v, want 0.65", cfg.Thresholds.NeedsReviewMin)
	}

	defaults := decision.DefaultThresholds()
	if cfg.Thresholds.FraudDetected != defaults.FraudDetected {
		t.Errorf("fraud_detected changed to %v", cfg.Thresholds.FraudDetected)
	}
	if cfg.Thresholds.AutoApproveConfidence != defaults.AutoApproveConfidence {
		t.Errorf("auto_approve_confidence changed to %v", cfg.Thresholds.AutoApproveConfidence)
	}
	if cfg.ProfileName != "tuned" {
		t.Errorf("profile name = %q", cfg.ProfileName)
	}
}

func TestApply_ThresholdOutOfRange(t *testing.T) {
	cfg := baseConfig()
	p := &Profile{Thresholds: ThresholdsProfile{FraudDetected: fptr(1.5)}}

	err := p.Apply(cfg)
	if err == nil {
		t.Fatal("expected range error")
	}
	if !strings.Contains(err.Error(), "fraud_detected") || !strings.Contains(err.Error(), "out of [0, 1]") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApply_NegativeToolCost(t *testing.T) {
	cfg := baseConfig()
	p := &Profile{ToolCosts: ToolCostsProfile{Fraud: fptr(-0.01)}}

	err := p.Apply(cfg)
	if err == nil {
		t.Fatal("expected negative cost error")
	}
	if !strings.Contains(err.Error(), "negative") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApply_MinVersion(t *testing.T) {
	cfg := baseConfig()
	if err := (&Profile{MinVersion: "1.0.0"}).Apply(cfg); err != nil {
		t.Errorf("1.0.0 should pass against build %s: %v", Version, err)
	}
	if err := (&Profile{MinVersion: Version}).Apply(cfg); err != nil {
		t.Errorf("exact build version should pass: %v", err)
	}
	if err := (&Profile{MinVersion: "not-a-version"}).Apply(cfg); err == nil {
		t.Error("malformed min_version should fail")
	}
	if err := (&Profile{MinVersion: "99.0.0"}).Apply(cfg); err == nil {
		t.Error("future min_version should fail the gate")
	}
}

func TestApply_AmountCapZeroDisables(t *testing.T) {
	cfg := baseConfig()
	p := &Profile{Settlement: SettlementProfile{AmountCap: fptr(0)}}

	if err := p.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cfg.Settlement.AmountCap == nil {
		t.Fatal("amount cap should be set")
	}
	if !cfg.Settlement.AmountCap.IsZero() {
		t.Errorf("amount cap = %s, want 0", cfg.Settlement.AmountCap)
	}
}
