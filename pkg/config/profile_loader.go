package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile carries per-tenant overrides layered on top of the
// platform-wide defaults in Config. A tenant without a profile file uses
// the defaults unmodified; PatchPolicy documents themselves remain the
// authoritative, signed source of severity/exclusion rules — profiles
// only override operational thresholds (staleness windows, baseline
// sizes, maintenance-window timezones) that are not part of the signed
// policy body.
type TenantProfile struct {
	TenantID   string             `yaml:"tenant_id" json:"tenant_id"`
	Telemetry  TelemetryOverrides `yaml:"telemetry" json:"telemetry"`
	Events     EventOverrides     `yaml:"events" json:"events"`
	Maintenance MaintenanceDefaults `yaml:"maintenance" json:"maintenance"`
}

// TelemetryOverrides overrides TelemetryEngine thresholds for one tenant.
type TelemetryOverrides struct {
	MaxSamples         int     `yaml:"max_samples,omitempty" json:"max_samples,omitempty"`
	BaselineWindowSize int     `yaml:"baseline_window_size,omitempty" json:"baseline_window_size,omitempty"`
	DeviationMultiplier float64 `yaml:"deviation_multiplier,omitempty" json:"deviation_multiplier,omitempty"`
}

// EventOverrides overrides EventIngest thresholds for one tenant.
type EventOverrides struct {
	StaleSeconds        int `yaml:"stale_seconds,omitempty" json:"stale_seconds,omitempty"`
	FutureSeconds       int `yaml:"future_seconds,omitempty" json:"future_seconds,omitempty"`
	ClockDriftThreshold int `yaml:"clock_drift_threshold_seconds,omitempty" json:"clock_drift_threshold_seconds,omitempty"`
}

// MaintenanceDefaults holds the tenant's default timezone for maintenance
// window resolution when a PatchPolicy window omits one.
type MaintenanceDefaults struct {
	DefaultTimezone string `yaml:"default_timezone,omitempty" json:"default_timezone,omitempty"`
}

// LoadTenantProfile loads a tenant override profile by tenant ID. It
// searches profilesDir for profile_<tenant_id>.yaml.
func LoadTenantProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	slug := strings.ToLower(tenantID)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", slug))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tenant profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse tenant profile %q: %w", tenantID, err)
	}

	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}

	return &profile, nil
}

// LoadAllTenantProfiles loads every profile_*.yaml file in profilesDir,
// keyed by tenant ID.
func LoadAllTenantProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.TenantID == "" {
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.TenantID] = &profile
	}

	return profiles, nil
}

// Apply layers the tenant's overrides on top of a base Config, returning
// a new Config. Zero-value override fields leave the base unchanged.
func (p *TenantProfile) Apply(base *Config) *Config {
	merged := *base

	if p.Telemetry.MaxSamples > 0 {
		merged.TelemetryMaxSamples = p.Telemetry.MaxSamples
	}
	if p.Telemetry.BaselineWindowSize > 0 {
		merged.BaselineWindowSize = p.Telemetry.BaselineWindowSize
	}
	if p.Telemetry.DeviationMultiplier > 0 {
		merged.AnomalyDeviationMult = p.Telemetry.DeviationMultiplier
	}
	if p.Events.StaleSeconds > 0 {
		merged.EventStaleSeconds = p.Events.StaleSeconds
	}
	if p.Events.FutureSeconds > 0 {
		merged.EventFutureSeconds = p.Events.FutureSeconds
	}
	if p.Events.ClockDriftThreshold > 0 {
		merged.ClockDriftThreshold = time.Duration(p.Events.ClockDriftThreshold) * time.Second
	}

	return &merged
}
