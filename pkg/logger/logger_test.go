package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterShiftsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.maxSize = 16
	defer w.Close()

	for _, line := range []string{"0123456789\n", "abcdefghij\n", "ABCDEFGHIJ\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "ABCDEFGHIJ\n" {
		t.Fatalf("unexpected current content %q", current)
	}
	first, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(first) != "abcdefghij\n" {
		t.Fatalf("unexpected backup content %q", first)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
}

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { SetDefault(Discard()) })

	Named("watcher").Debug("scan finished", "files", 3)
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"component":"watcher"`) {
		t.Fatalf("component attribute missing: %s", raw)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for audit without path")
	}
}
