package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
log:
  level: debug
  console: true
database:
  path: ./data/test.db
processor:
  command: uploader
  args: ["--headless"]
  timeout: 90s
engine:
  pace_delay: 1s
`

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.Engine.PaceDelay != "1s" {
		t.Fatalf("pace_delay = %q", cfg.Engine.PaceDelay)
	}
	// Untouched sections keep their defaults.
	if cfg.Browser.BaseURL != "http://127.0.0.1:54345" {
		t.Fatalf("browser base_url = %q", cfg.Browser.BaseURL)
	}
	if cfg.Engine.FailureDelay != "3s" {
		t.Fatalf("failure_delay = %q", cfg.Engine.FailureDelay)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, validYAML+"\nprocesor:\n  command: x\n"))
	if err == nil {
		t.Fatal("Load() accepted a misspelled section")
	}
}

func TestLoadValidates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing processor command",
			yaml: "database:\n  path: ./x.db\n",
			want: "processor.command",
		},
		{
			name: "bad duration",
			yaml: validYAML + "\nbrowser:\n  timeout: soon\n",
			want: "browser.timeout",
		},
		{
			name: "telegram enabled without token",
			yaml: validYAML + "\ntelegram:\n  enabled: true\n  chat_id: 5\n",
			want: "telegram.token",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 30s "); err != nil || d != 30*time.Second {
		t.Fatalf("ParseDurationField(30s) = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("ParseDurationField(empty) = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationOrDefault(empty) = %v, %v", d, err)
	}
}
