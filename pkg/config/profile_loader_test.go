package config

import (
	"os"
	"path/filepath"
	"testing"
)

const offlineProfileYAML = `name: Offline Workstation
code: offline
networking:
  mode: offlineOnly
trust:
  key_rotation_days: 90
  token_ttl_seconds: 120
retention:
  evidence_days: 365
  audit_log_days: 365
`

const enterpriseProfileYAML = `name: Enterprise Fleet
networking:
  mode: enterpriseAllowlist
  allowlist:
    - host: mail.corp.example.com
      path_prefixes: ["/v1/send", "/v1/drafts"]
    - host: calendar.corp.example.com
  admission_expression: host.endsWith(".corp.example.com")
trust:
  key_rotation_days: 30
  require_cosigner: true
webhook:
  enabled: true
  freshness_seconds: 300
  rate_per_second: 5
retention:
  evidence_days: 2555
  audit_log_days: 2555
  record_days: 365
`

func writeProfiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "profile_offline.yaml"), []byte(offlineProfileYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "profile_enterprise.yaml"), []byte(enterpriseProfileYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadProfile_Offline(t *testing.T) {
	dir := writeProfiles(t)
	p, err := LoadProfile(dir, "offline")
	if err != nil {
		t.Fatalf("LoadProfile(offline): %v", err)
	}
	if p.Name != "Offline Workstation" {
		t.Errorf("expected name 'Offline Workstation', got %q", p.Name)
	}
	if !p.IsOffline() {
		t.Error("offline profile should report offline")
	}
	if p.Trust.KeyRotationDays != 90 {
		t.Errorf("expected 90 day rotation, got %d", p.Trust.KeyRotationDays)
	}
}

func TestLoadProfile_Enterprise(t *testing.T) {
	dir := writeProfiles(t)
	p, err := LoadProfile(dir, "enterprise")
	if err != nil {
		t.Fatalf("LoadProfile(enterprise): %v", err)
	}
	if p.IsOffline() {
		t.Error("enterprise profile should not be offline")
	}
	hosts := p.AllowedHosts()
	if len(hosts) != 2 || hosts[0] != "mail.corp.example.com" {
		t.Errorf("unexpected allowlist hosts %v", hosts)
	}
	if len(p.Networking.Allowlist[0].PathPrefixes) != 2 {
		t.Errorf("expected 2 path prefixes, got %v", p.Networking.Allowlist[0].PathPrefixes)
	}
	if !p.Trust.RequireCoSigner {
		t.Error("enterprise profile should require a co-signer")
	}
	if !p.Webhook.Enabled || p.Webhook.FreshnessSeconds != 300 {
		t.Errorf("unexpected webhook config %+v", p.Webhook)
	}
}

func TestLoadProfile_CodeFromFilename(t *testing.T) {
	dir := writeProfiles(t)
	// The enterprise profile omits code in the YAML body.
	p, err := LoadProfile(dir, "ENTERPRISE")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Code != "enterprise" {
		t.Errorf("expected code filled from lookup, got %q", p.Code)
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	dir := writeProfiles(t)
	if _, err := LoadProfile(dir, "nope"); err == nil {
		t.Error("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := writeProfiles(t)
	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if _, ok := profiles["offline"]; !ok {
		t.Error("missing offline profile")
	}
	if _, ok := profiles["enterprise"]; !ok {
		t.Error("missing enterprise profile derived from filename")
	}
}

func TestLoadProfile_BadYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "profile_bad.yaml"), []byte("networking: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(dir, "bad"); err == nil {
		t.Error("expected parse error")
	}
}
