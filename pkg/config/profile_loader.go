package config

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// Profile is an operator tuning file. Every field is optional; set fields
// override the built-in defaults. Thresholds have no environment-variable
// equivalent, so a reviewed profile file is the only way to move them.
type Profile struct {
	Name       string `yaml:"name"`
	MinVersion string `yaml:"min_version"`

	Thresholds ThresholdsProfile `yaml:"thresholds"`
	Settlement SettlementProfile `yaml:"settlement"`
	ToolCosts  ToolCostsProfile  `yaml:"tool_costs"`
}

// ThresholdsProfile overrides the decision rule table.
type ThresholdsProfile struct {
	FraudDetected         *float64 `yaml:"fraud_detected"`
	AutoApproveConfidence *float64 `yaml:"auto_approve_confidence"`
	AutoApproveFraudMax   *float64 `yaml:"auto_approve_fraud_max"`
	ApprovedWithReviewMin *float64 `yaml:"approved_with_review_min"`
	NeedsReviewMin        *float64 `yaml:"needs_review_min"`
	NeedsMoreDataMin      *float64 `yaml:"needs_more_data_min"`
}

// SettlementProfile overrides settlement limits.
type SettlementProfile struct {
	// AmountCap zero disables auto-settlement.
	AmountCap *float64 `yaml:"amount_cap"`
}

// ToolCostsProfile overrides per-kind verification prices.
type ToolCostsProfile struct {
	Document *float64 `yaml:"document"`
	Image    *float64 `yaml:"image"`
	Fraud    *float64 `yaml:"fraud"`
}

// LoadProfile reads and parses one profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &profile, nil
}

// Apply overlays the profile onto cfg once the version gate passes.
func (p *Profile) Apply(cfg *Config) error {
	if p.MinVersion != "" {
		minimum, err := semver.NewVersion(p.MinVersion)
		if err != nil {
			return fmt.Errorf("config: profile min_version %q: %w", p.MinVersion, err)
		}
		current, err := semver.NewVersion(Version)
		if err != nil {
			return fmt.Errorf("config: build version %q: %w", Version, err)
		}
		if current.LessThan(minimum) {
			return fmt.Errorf("config: profile %q requires clearclaim >= %s, this build is %s",
				p.Name, p.MinVersion, Version)
		}
	}

	overrides := []struct {
		name string
		dst  *float64
		src  *float64
	}{
		{"fraud_detected", &cfg.Thresholds.FraudDetected, p.Thresholds.FraudDetected},
		{"auto_approve_confidence", &cfg.Thresholds.AutoApproveConfidence, p.Thresholds.AutoApproveConfidence},
		{"auto_approve_fraud_max", &cfg.Thresholds.AutoApproveFraudMax, p.Thresholds.AutoApproveFraudMax},
		{"approved_with_review_min", &cfg.Thresholds.ApprovedWithReviewMin, p.Thresholds.ApprovedWithReviewMin},
		{"needs_review_min", &cfg.Thresholds.NeedsReviewMin, p.Thresholds.NeedsReviewMin},
		{"needs_more_data_min", &cfg.Thresholds.NeedsMoreDataMin, p.Thresholds.NeedsMoreDataMin},
	}
	for _, o := range overrides {
		if o.src == nil {
			continue
		}
		if *o.src < 0 || *o.src > 1 {
			return fmt.Errorf("config: profile threshold %s = %v out of [0, 1]", o.name, *o.src)
		}
		*o.dst = *o.src
	}

	if p.Settlement.AmountCap != nil {
		v := decimal.NewFromFloat(*p.Settlement.AmountCap)
		cfg.Settlement.AmountCap = &v
	}

	costs := map[claims.VerifierKind]*float64{
		claims.VerifierDocument: p.ToolCosts.Document,
		claims.VerifierImage:    p.ToolCosts.Image,
		claims.VerifierFraud:    p.ToolCosts.Fraud,
	}
	for kind, v := range costs {
		if v == nil {
			continue
		}
		if *v < 0 {
			return fmt.Errorf("config: profile tool cost %s = %v is negative", kind, *v)
		}
		cfg.Verifier.Costs[kind] = decimal.NewFromFloat(*v)
	}

	if p.Name != "" {
		cfg.ProfileName = p.Name
	}
	return nil
}
