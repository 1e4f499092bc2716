package config

import (
	"os"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, extra string) string {
	t.Helper()
	content := `service:
  name: "test-optionsflow"
  version: "1.0"
upstream:
  api_key: "test-key"
  url: "wss://example.invalid/options"
store:
  url: "postgres://localhost/optionsflow_test"
farm:
  sessions_total: 2
  sessions_static: 1
  quotes_per_session: 10
` + extra
	return writeConfigFile(t, content)
}

// writeConfigFile writes content verbatim to a temporary config file and
// returns its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, "")
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Service.Name != "test-optionsflow" {
		t.Errorf("unexpected service name: %s", cfg.Service.Name)
	}
	if cfg.Farm.SessionsTotal != 2 {
		t.Errorf("unexpected sessions_total: %d", cfg.Farm.SessionsTotal)
	}
	// defaults not present in the YAML should still be populated
	if cfg.Aggregator.BufferMaxSize != 10000 {
		t.Errorf("unexpected default buffer_max_size: %d", cfg.Aggregator.BufferMaxSize)
	}
	if cfg.Store.RolloverTimezone != "America/New_York" {
		t.Errorf("unexpected default rollover_timezone: %s", cfg.Store.RolloverTimezone)
	}
}

func TestLoadConfigMissingAPIKey(t *testing.T) {
	content := `store:
  url: "postgres://localhost/optionsflow_test"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected validation error for missing api_key")
	}
}

func TestLoadConfigInvalidRolloverTimezone(t *testing.T) {
	path := writeConfigFile(t, `upstream:
  api_key: "test-key"
store:
  url: "postgres://localhost/optionsflow_test"
  rollover_timezone: "Not/AZone"
`)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for invalid rollover_timezone")
	}
}

func TestLoadConfigKafkaRequiresBrokersAndTopic(t *testing.T) {
	path := writeTempConfig(t, "broadcast:\n  kafka:\n    enabled: true\n")
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for kafka enabled without brokers/topic")
	}
}

func TestLoadConfigSessionsStaticExceedsTotal(t *testing.T) {
	path := writeConfigFile(t, `upstream:
  api_key: "test-key"
store:
  url: "postgres://localhost/optionsflow_test"
farm:
  sessions_total: 2
  sessions_static: 5
`)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for sessions_static > sessions_total")
	}
}
