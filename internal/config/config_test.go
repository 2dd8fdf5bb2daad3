package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"scheduler": {"enabled": true, "timezone": "UTC", "tick_interval": "500ms", "workers": 4},
		"storage": {"driver": "sqlite", "path": "/tmp/tasks.db"},
		"content_service": {"base_url": "http://content:8080"}
	}`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Scheduler.Enabled || cfg.Scheduler.Workers != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ContentService.BaseURL != "http://content:8080" {
		t.Fatalf("content_service = %+v", cfg.ContentService)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
scheduler:
  enabled: true
  tick_interval: 2s
  sweep_min_interval: 10s
storage:
  driver: file
  path: /var/lib/reportsched/tasks.db
content_service:
  base_url: http://content:8080
  default_timeout: 45s
`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Scheduler.TickInterval != "2s" || cfg.Storage.Driver != "file" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"scheduler": {"enabled": true, "wrokers": 3}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "10s", want: 10 * time.Second},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "-5s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("test.field", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}

	d, err := ParseDurationOrDefault("test.field", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Scheduler.Enabled = true
	newCfg.Scheduler.Workers = 3
	newCfg.Storage.Driver = "sqlite"

	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"scheduler": true, "storage": true}
	if len(sections) != 2 {
		t.Fatalf("sections = %v", sections)
	}
	for _, s := range sections {
		if !want[s] {
			t.Fatalf("unexpected section %q in %v", s, sections)
		}
	}

	if sections, _ := SummarizeConfigChange(newCfg, newCfg); len(sections) != 0 {
		t.Fatalf("identical configs should diff empty, got %v", sections)
	}
}
