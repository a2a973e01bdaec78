package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeProfile tunes the orchestration policies per deployment.
type RuntimeProfile struct {
	Name     string         `yaml:"name" json:"name"`
	Code     string         `yaml:"code" json:"code"`
	Approval ApprovalConfig `yaml:"approval" json:"approval"`
	Sweep    SweepConfig    `yaml:"sweep" json:"sweep"`
	Retry    RetryConfig    `yaml:"retry" json:"retry"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
}

// ApprovalConfig holds the decision window for pending approvals.
type ApprovalConfig struct {
	WindowHours int `yaml:"window_hours" json:"window_hours"`
}

// SweepConfig holds the background reclamation cadence.
type SweepConfig struct {
	ApprovalIntervalSeconds    int `yaml:"approval_interval_seconds" json:"approval_interval_seconds"`
	ReservationIntervalSeconds int `yaml:"reservation_interval_seconds" json:"reservation_interval_seconds"`
	ReservationMaxAgeMinutes   int `yaml:"reservation_max_age_minutes" json:"reservation_max_age_minutes"`
}

// RetryConfig holds the handler retry backoff policy.
type RetryConfig struct {
	BaseMs      int64 `yaml:"base_ms" json:"base_ms"`
	MaxMs       int64 `yaml:"max_ms" json:"max_ms"`
	MaxJitterMs int64 `yaml:"max_jitter_ms" json:"max_jitter_ms"`
}

// LedgerConfig bounds the budget storage contention retry.
type LedgerConfig struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// ApprovalWindow returns the configured window, or zero when unset.
func (p *RuntimeProfile) ApprovalWindow() time.Duration {
	return time.Duration(p.Approval.WindowHours) * time.Hour
}

// LoadProfile loads a runtime profile YAML by code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*RuntimeProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile RuntimeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*RuntimeProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RuntimeProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile RuntimeProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
