package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAppAndAuditFiles(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "logs", "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	err := Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{OutputPaths: []string{"stderr"}})
	})

	ForCompany("acme", "scheduler").Debug("wave started", slog.Int(KeyWave, 1))
	Audit().Info("task transitioned", slog.String(KeyTask, "t-1"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	for _, want := range []string{`"component":"scheduler"`, `"company":"acme"`, `"wave":1`} {
		if !strings.Contains(string(app), want) {
			t.Fatalf("app log missing %s: %s", want, app)
		}
	}
	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), `"task_id":"t-1"`) || strings.Contains(string(app), "task transitioned") {
		t.Fatalf("audit record should only reach the audit log: %s", audit)
	}
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for enabled audit without path")
	}
}

func TestOrKeepsProvidedLogger(t *testing.T) {
	base := Discard()
	if got := Or(base, "scheduler"); got != base {
		t.Fatalf("Or should keep the provided logger")
	}
	if Or(nil, "scheduler") == nil {
		t.Fatalf("Or should fall back to a named logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
