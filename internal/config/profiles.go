package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// QualityProfiles is a set of named quality-threshold overlays. A profile
// only overrides the fields it sets; everything else keeps the base value.
type QualityProfiles struct {
	Active   string                    `yaml:"active_profile"`
	Profiles map[string]QualityProfile `yaml:"profiles"`
}

// QualityProfile is one named overlay of the quality thresholds.
type QualityProfile struct {
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	MinPrice         *float64 `yaml:"min_price"`
	MaxPrice         *float64 `yaml:"max_price"`
	MaxSpreadPct     *float64 `yaml:"max_spread_pct"`
	MaxAgeSec        *int     `yaml:"max_age_sec"`
	MaxDecimalPlaces *int     `yaml:"max_decimal_places"`
	MinQualityScore  *float64 `yaml:"min_quality_score"`
	AlertThrottleSec *int     `yaml:"alert_throttle_sec"`
}

// LoadQualityProfiles loads the profile file.
func LoadQualityProfiles(path string) (*QualityProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quality profiles: %w", err)
	}

	var profiles QualityProfiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse quality profiles YAML: %w", err)
	}

	return &profiles, nil
}

// Profile returns the named profile, falling back to the active one when
// name is empty.
func (p *QualityProfiles) Profile(name string) (*QualityProfile, error) {
	if name == "" {
		name = p.Active
	}
	profile, ok := p.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("quality profile %q not found", name)
	}
	return &profile, nil
}

// Apply overlays the named profile onto q and re-validates the result.
func (p *QualityProfiles) Apply(name string, q *QualityConfig) error {
	profile, err := p.Profile(name)
	if err != nil {
		return err
	}
	if profile.MinPrice != nil {
		q.MinPrice = *profile.MinPrice
	}
	if profile.MaxPrice != nil {
		q.MaxPrice = *profile.MaxPrice
	}
	if profile.MaxSpreadPct != nil {
		q.MaxSpreadPct = *profile.MaxSpreadPct
	}
	if profile.MaxAgeSec != nil {
		q.MaxAgeSec = *profile.MaxAgeSec
	}
	if profile.MaxDecimalPlaces != nil {
		q.MaxDecimalPlaces = *profile.MaxDecimalPlaces
	}
	if profile.MinQualityScore != nil {
		q.MinQualityScore = *profile.MinQualityScore
	}
	if profile.AlertThrottleSec != nil {
		q.AlertThrottleSec = *profile.AlertThrottleSec
	}
	if err := q.Validate(); err != nil {
		return fmt.Errorf("profile %q yields invalid quality config: %w", name, err)
	}
	return nil
}
