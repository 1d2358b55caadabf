package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile represents a deployment-specific configuration profile.
// Profiles carry the perimeter and trust settings that vary between an
// offline workstation deployment and a managed enterprise fleet.
type DeploymentProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Networking NetworkingConfig `yaml:"networking" json:"networking"`
	Trust      TrustConfig      `yaml:"trust" json:"trust"`
	Webhook    WebhookConfig    `yaml:"webhook" json:"webhook"`
	Retention  RetentionConfig  `yaml:"retention" json:"retention"`
}

// NetworkingConfig controls outbound networking policy.
type NetworkingConfig struct {
	Mode                string           `yaml:"mode" json:"mode"` // "offlineOnly" | "enterpriseAllowlist" | "devMode"
	Allowlist           []AllowlistEntry `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	AdmissionExpression string           `yaml:"admission_expression,omitempty" json:"admission_expression,omitempty"`
}

// AllowlistEntry pins one approved host and its permitted path prefixes.
type AllowlistEntry struct {
	Host         string   `yaml:"host" json:"host"`
	PathPrefixes []string `yaml:"path_prefixes,omitempty" json:"path_prefixes,omitempty"`
}

// TrustConfig defines signing key rotation and co-signature policy.
type TrustConfig struct {
	KeyRotationDays   int  `yaml:"key_rotation_days" json:"key_rotation_days"`
	RequireCoSigner   bool `yaml:"require_cosigner,omitempty" json:"require_cosigner,omitempty"`
	TokenTTLSeconds   int  `yaml:"token_ttl_seconds,omitempty" json:"token_ttl_seconds,omitempty"`
	UndoHistoryLength int  `yaml:"undo_history_length,omitempty" json:"undo_history_length,omitempty"`
}

// WebhookConfig controls the inbound webhook perimeter.
type WebhookConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	FreshnessSeconds int  `yaml:"freshness_seconds,omitempty" json:"freshness_seconds,omitempty"`
	RatePerSecond    int  `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
}

// RetentionConfig defines evidence retention policies.
type RetentionConfig struct {
	EvidenceDays int `yaml:"evidence_days" json:"evidence_days"`
	AuditLogDays int `yaml:"audit_log_days" json:"audit_log_days"`
	RecordDays   int `yaml:"record_days,omitempty" json:"record_days,omitempty"`
}

// LoadProfile loads a deployment profile YAML by code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_enterprise.yaml -> enterprise
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// IsOffline returns true if the profile blocks all outbound networking.
func (p *DeploymentProfile) IsOffline() bool {
	return p.Networking.Mode == "" || p.Networking.Mode == "offlineOnly"
}

// AllowedHosts returns the hostnames permitted by the profile.
func (p *DeploymentProfile) AllowedHosts() []string {
	hosts := make([]string, 0, len(p.Networking.Allowlist))
	for _, e := range p.Networking.Allowlist {
		hosts = append(hosts, e.Host)
	}
	return hosts
}
