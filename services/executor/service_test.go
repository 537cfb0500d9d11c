package executor

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "executor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewServiceLoadsConfig(t *testing.T) {
	path := writeConfig(t, `
api: http://maintd.internal:8080/
executor_id: rack7-agent
poll_interval: 10s
capabilities:
  firmware: dell
  hypervisor: esxi
`)

	svc, err := NewService(path)
	if err != nil {
		t.Fatal(err)
	}
	if svc.config.ExecutorID != "rack7-agent" {
		t.Fatalf("executor_id = %q", svc.config.ExecutorID)
	}
	if svc.config.PollInterval != 10*time.Second {
		t.Fatalf("poll_interval = %s", svc.config.PollInterval)
	}
	if svc.config.Capabilities["firmware"] != "dell" {
		t.Fatalf("capabilities = %v", svc.config.Capabilities)
	}
	if got := svc.url("/v1/dispatch/claim"); got != "http://maintd.internal:8080/v1/dispatch/claim" {
		t.Fatalf("url() = %q, trailing slash not trimmed", got)
	}
}

func TestNewServiceDefaultsPollInterval(t *testing.T) {
	path := writeConfig(t, "api: http://localhost:8080\nexecutor_id: x\n")

	svc, err := NewService(path)
	if err != nil {
		t.Fatal(err)
	}
	if svc.config.PollInterval != 5*time.Second {
		t.Fatalf("poll_interval = %s, want the 5s default", svc.config.PollInterval)
	}
}

func TestNewServiceValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing api", "executor_id: x\n"},
		{"missing executor id", "api: http://localhost:8080\n"},
		{"malformed yaml", "api: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewService(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := NewService(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
