package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.MinSeverity != "info" || cfg.Log.BufferSize != 50 || cfg.Log.HashAlgorithm != "sha256" {
		t.Errorf("log defaults wrong: %+v", cfg.Log)
	}
	if cfg.Retention.MaxAgeDays != 90 || !cfg.Retention.ArchiveBeforeDelete {
		t.Errorf("retention defaults wrong: %+v", cfg.Retention)
	}
	if cfg.Detection.WindowSize != 100 || cfg.Detection.TriggerSnapshot != 10 {
		t.Errorf("detection defaults wrong: %+v", cfg.Detection)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Host != "127.0.0.1" || cfg.Dashboard.Port != 3180 {
		t.Errorf("dashboard defaults wrong: %+v", cfg.Dashboard)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `log:
  minSeverity: warning
  bufferSize: 10
dashboard:
  port: 9999
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.MinSeverity != "warning" || cfg.Log.BufferSize != 10 {
		t.Errorf("overrides not applied: %+v", cfg.Log)
	}
	if cfg.Log.FlushIntervalMs != 5000 || cfg.Log.HashAlgorithm != "sha256" {
		t.Errorf("unset log fields should keep defaults: %+v", cfg.Log)
	}
	if cfg.Dashboard.Port != 9999 || cfg.Dashboard.Host != "127.0.0.1" {
		t.Errorf("dashboard merge wrong: %+v", cfg.Dashboard)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad min severity", "log:\n  minSeverity: loud\n"},
		{"bad console mirror", "log:\n  consoleMirror: everything\n"},
		{"bad hash algorithm", "log:\n  hashAlgorithm: md5\n"},
		{"zero buffer", "log:\n  bufferSize: 0\n"},
		{"negative flush interval", "log:\n  flushIntervalMs: -5\n"},
		{"tiny max file size", "log:\n  maxFileSize: 100\n"},
		{"negative retention age", "retention:\n  maxAgeDays: -1\n"},
		{"zero detection window", "detection:\n  windowSize: 0\n"},
		{"port out of range", "dashboard:\n  port: 70000\n"},
		{"empty dashboard host", "dashboard:\n  host: \"\"\n  port: 3180\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_DisabledDashboardSkipsBindValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "dashboard:\n  enabled: false\n  host: \"\"\n  port: 0\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("disabled dashboard should skip bind checks: %v", err)
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# AgentTrail configuration") {
		t.Error("default config should start with the comment header")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("written default config failed to load: %v", err)
	}
	if *cfg != *applyDefaults() {
		t.Errorf("roundtrip changed values: %+v", cfg)
	}
}
