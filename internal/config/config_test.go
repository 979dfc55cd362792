package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalRules = `
[rule.vehicle-offline]
priority = 1

[rule.vehicle-offline.conditions]
alert_types = ["ALERT", "CRITICAL"]
severities = ["HIGH", "CRITICAL"]

[[rule.vehicle-offline.level]]
number = 1
name = "notify operators"

[[rule.vehicle-offline.level.action]]
type = "LOG"
message = "vehicle offline"

[[rule.vehicle-offline.level]]
number = 2
name = "notify supervisors"
time_threshold_min = 15

[[rule.vehicle-offline.level.action]]
type = "NOTIFICATION"
message = "still offline"
`

func writeConfigFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func loadFromString(t *testing.T, body string) (Config, error) {
	t.Helper()
	return LoadSnapshot(ConfigSource{File: writeConfigFile(t, "config.toml", body)})
}

func TestFromCLIRequiresExactlyOneSource(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatal("empty source must be rejected")
	}
	if _, err := FromCLI("a.toml", "conf.d"); err == nil {
		t.Fatal("both sources must be rejected")
	}

	src, err := FromCLI("a.toml", "")
	if err != nil {
		t.Fatalf("file source failed: %v", err)
	}
	if src.File != "a.toml" || src.Dir != "" {
		t.Fatalf("source = %+v", src)
	}

	src, err = FromCLI("", "conf.d")
	if err != nil {
		t.Fatalf("dir source failed: %v", err)
	}
	if src.Dir != "conf.d" || src.File != "" {
		t.Fatalf("source = %+v", src)
	}
}

func TestLoadSnapshotAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadFromString(t, minimalRules)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Service.Name != "escalation" || cfg.Service.Mode != ServiceModeSingle {
		t.Fatalf("service defaults = %+v", cfg.Service)
	}
	if cfg.Service.SweepIntervalSec != 30 || cfg.Service.ActionTimeoutSec != 30 {
		t.Fatalf("timer defaults = %+v", cfg.Service)
	}
	if cfg.API.Listen != ":8080" || cfg.API.HealthPath != "/healthz" || cfg.API.ReadyPath != "/readyz" {
		t.Fatalf("api defaults = %+v", cfg.API)
	}
	if cfg.API.MaxBodyBytes != 1<<20 {
		t.Fatalf("max body bytes = %d", cfg.API.MaxBodyBytes)
	}
	if !cfg.Log.Console.Enabled || cfg.Log.Console.Level != "info" || cfg.Log.Console.Format != "line" {
		t.Fatalf("console defaults = %+v", cfg.Log.Console)
	}
	if cfg.Notify.Queue.MaxRetries != 3 || cfg.Notify.Queue.RetryCycleSec != 30 || cfg.Notify.Queue.MaxPending != 1024 {
		t.Fatalf("queue defaults = %+v", cfg.Notify.Queue)
	}
}

func TestLoadSnapshotNormalizesRules(t *testing.T) {
	t.Parallel()

	cfg, err := loadFromString(t, minimalRules)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Rule) != 1 {
		t.Fatalf("rule count = %d, want 1", len(cfg.Rule))
	}

	rule := cfg.Rule[0]
	if rule.ID != "vehicle-offline" {
		t.Fatalf("rule id = %q, want table key", rule.ID)
	}
	if !rule.AutoEscalate || !rule.IsActive {
		t.Fatalf("rule flags must default to true: %+v", rule)
	}
	// max_level not declared: derived from the highest level number.
	if rule.MaxLevel != 2 {
		t.Fatalf("max level = %d, want 2", rule.MaxLevel)
	}
	if rule.Level[0].Action[0].Type != ActionLog {
		t.Fatalf("action type = %q", rule.Level[0].Action[0].Type)
	}
}

func TestLoadSnapshotRuleNameDefaultsToID(t *testing.T) {
	t.Parallel()

	cfg, err := loadFromString(t, minimalRules)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Rule[0].Name != "vehicle-offline" {
		t.Fatalf("rule name = %q, want table key fallback", cfg.Rule[0].Name)
	}
}

func TestLoadSnapshotDirMergesSortedFragments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	service := `
[service]
name = "fleet-escalation"
mode = "single"
`
	if err := os.WriteFile(filepath.Join(dir, "10-service.toml"), []byte(service), 0o600); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "20-rules.toml"), []byte(minimalRules), 0o600); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write decoy: %v", err)
	}

	cfg, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err != nil {
		t.Fatalf("dir load failed: %v", err)
	}
	if cfg.Service.Name != "fleet-escalation" {
		t.Fatalf("service name = %q, fragments not merged", cfg.Service.Name)
	}
	if len(cfg.Rule) != 1 {
		t.Fatalf("rule count = %d, want 1", len(cfg.Rule))
	}
}

func TestLoadSnapshotEmptyDirFails(t *testing.T) {
	t.Parallel()

	if _, err := LoadSnapshot(ConfigSource{Dir: t.TempDir()}); err == nil {
		t.Fatal("dir without fragments must be rejected")
	}
}

func TestValidateServiceMode(t *testing.T) {
	t.Parallel()

	_, err := loadFromString(t, `
[service]
mode = "clustered"
`+minimalRules)
	if err == nil {
		t.Fatal("unknown service mode must be rejected")
	}
	for _, mode := range serviceModes {
		if !strings.Contains(err.Error(), mode) {
			t.Fatalf("error %q must list mode %s", err, mode)
		}
	}
}

func TestValidateRequiresRules(t *testing.T) {
	t.Parallel()

	if _, err := loadFromString(t, "[service]\nmode = \"single\"\n"); err == nil {
		t.Fatal("config without rules must be rejected")
	}
}

func TestValidateLevelOrdering(t *testing.T) {
	t.Parallel()

	_, err := loadFromString(t, `
[rule.broken]
[rule.broken.conditions]
alert_types = ["ALERT"]
severities = ["HIGH"]

[[rule.broken.level]]
number = 2

[[rule.broken.level]]
number = 1
`)
	if err == nil || !strings.Contains(err.Error(), "strictly increasing") {
		t.Fatalf("err = %v, want level ordering violation", err)
	}
}

func TestValidateMaxLevelAgainstLadder(t *testing.T) {
	t.Parallel()

	_, err := loadFromString(t, `
[rule.broken]
max_level = 5

[rule.broken.conditions]
alert_types = ["ALERT"]
severities = ["HIGH"]

[[rule.broken.level]]
number = 1
`)
	if err == nil || !strings.Contains(err.Error(), "max_level") {
		t.Fatalf("err = %v, want max_level violation", err)
	}
}

func TestValidateActionType(t *testing.T) {
	t.Parallel()

	_, err := loadFromString(t, `
[rule.broken]
[rule.broken.conditions]
alert_types = ["ALERT"]
severities = ["HIGH"]

[[rule.broken.level]]
number = 1

[[rule.broken.level.action]]
type = "CARRIER_PIGEON"
`)
	if err == nil {
		t.Fatal("unknown action type must be rejected")
	}
	for _, actionType := range actionTypes {
		if !strings.Contains(err.Error(), actionType) {
			t.Fatalf("error %q must list %s", err, actionType)
		}
	}
}

func TestValidateSystemActionVerbRequired(t *testing.T) {
	t.Parallel()

	_, err := loadFromString(t, `
[rule.broken]
[rule.broken.conditions]
alert_types = ["ALERT"]
severities = ["HIGH"]

[[rule.broken.level]]
number = 1

[[rule.broken.level.action]]
type = "SYSTEM_ACTION"
`)
	if err == nil || !strings.Contains(err.Error(), "system_action") {
		t.Fatalf("err = %v, want missing system_action", err)
	}
}

func TestValidateConditionEnums(t *testing.T) {
	t.Parallel()

	_, err := loadFromString(t, `
[rule.broken]
[rule.broken.conditions]
alert_types = ["NOISE"]
severities = ["HIGH"]

[[rule.broken.level]]
number = 1
`)
	if err == nil || !strings.Contains(err.Error(), "NOISE") {
		t.Fatalf("err = %v, want alert type violation", err)
	}

	_, err = loadFromString(t, `
[rule.broken]
[rule.broken.conditions]
alert_types = ["ALERT"]
severities = ["EXTREME"]

[[rule.broken.level]]
number = 1
`)
	if err == nil || !strings.Contains(err.Error(), "EXTREME") {
		t.Fatalf("err = %v, want severity violation", err)
	}
}

func TestValidateSubscription(t *testing.T) {
	t.Parallel()

	_, err := loadFromString(t, `
[[subscription]]
user_id = "op-1"
device_id = "op-1-device"
channel = "pager"
`+minimalRules)
	if err == nil || !strings.Contains(err.Error(), "channel") {
		t.Fatalf("err = %v, want channel violation", err)
	}

	_, err = loadFromString(t, `
[[subscription]]
user_id = "op-1"
device_id = "op-1-device"

[subscription.quiet_hours]
enabled = true
start = "25:99"
end = "07:00"
`+minimalRules)
	if err == nil || !strings.Contains(err.Error(), "HH:MM") {
		t.Fatalf("err = %v, want quiet hours violation", err)
	}

	cfg, err := loadFromString(t, `
[[subscription]]
user_id = "op-1"
device_id = "op-1-device"
`+minimalRules)
	if err != nil {
		t.Fatalf("valid subscription rejected: %v", err)
	}
	if cfg.Subscription[0].Channel != ChannelPush {
		t.Fatalf("channel = %q, want push default", cfg.Subscription[0].Channel)
	}
}

func TestValidateNotificationDefaultsAndTemplate(t *testing.T) {
	t.Parallel()

	cfg, err := loadFromString(t, `
[rule.with-notification]
[rule.with-notification.conditions]
alert_types = ["ALERT"]
severities = ["HIGH"]

[[rule.with-notification.level]]
number = 1

[[rule.with-notification.level.notification]]
title = "Vehicle offline"
message = "zone {{ .Data.zone }}"
`)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	notification := cfg.Rule[0].Level[0].Notification[0]
	if notification.Priority != PriorityNormal {
		t.Fatalf("priority = %q, want NORMAL default", notification.Priority)
	}

	_, err = loadFromString(t, `
[rule.with-notification]
[rule.with-notification.conditions]
alert_types = ["ALERT"]
severities = ["HIGH"]

[[rule.with-notification.level]]
number = 1

[[rule.with-notification.level.notification]]
title = "Broken"
message = "{{ .Unclosed"
`)
	if err == nil || !strings.Contains(err.Error(), "template") {
		t.Fatalf("err = %v, want template parse failure", err)
	}
}
