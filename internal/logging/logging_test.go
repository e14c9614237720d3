package logging

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRotatingFileRollsOverBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streamchatd.log")
	now := time.Date(2025, 10, 26, 12, 0, 0, 0, time.UTC)
	rf := &RotatingFile{Path: path, MaxBytes: 10, now: func() time.Time { return now }}
	t.Cleanup(func() { _ = rf.Close() })

	if _, err := rf.Write([]byte("12345678")); err != nil {
		t.Fatal(err)
	}
	if _, err := rf.Write([]byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	old, err := os.ReadFile(filepath.Join(dir, "streamchatd-20251026T120000.log"))
	if err != nil {
		t.Fatalf("rotated file: %v", err)
	}
	if string(old) != "12345678" {
		t.Fatalf("rotated file = %q", old)
	}
	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(cur) != "abcdef" {
		t.Fatalf("current file = %q", cur)
	}
}

func TestRotatingFileRollsOverByDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 10, 26, 23, 59, 0, 0, time.UTC)
	rf := &RotatingFile{Path: filepath.Join(dir, "app.log"), MaxBytes: 1 << 20, now: func() time.Time { return now }}
	t.Cleanup(func() { _ = rf.Close() })

	_, _ = rf.Write([]byte("a"))
	now = now.Add(2 * time.Minute)
	_, _ = rf.Write([]byte("b"))
	if got := rf.Backups(); len(got) != 1 || filepath.Base(got[0]) != "app-20251027T000100.log" {
		t.Fatalf("backups = %v", got)
	}
}

func TestRotatingFilePrunesOldBackups(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 10, 26, 8, 0, 0, 0, time.UTC)
	rf := &RotatingFile{Path: filepath.Join(dir, "app.log"), MaxBytes: 4, MaxBackups: 2, now: func() time.Time { return now }}
	t.Cleanup(func() { _ = rf.Close() })

	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		if _, err := rf.Write([]byte("xxxx")); err != nil {
			t.Fatal(err)
		}
	}
	got := rf.Backups()
	if len(got) != 2 {
		t.Fatalf("backups = %v", got)
	}
	if filepath.Base(got[1]) != "app-20251026T080005.log" {
		t.Fatalf("newest backup = %s", got[1])
	}
}

func TestRotatingFileSameSecondCollision(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 10, 26, 8, 0, 0, 0, time.UTC)
	rf := &RotatingFile{Path: filepath.Join(dir, "app.log"), MaxBytes: 1, now: func() time.Time { return now }}
	t.Cleanup(func() { _ = rf.Close() })

	for _, s := range []string{"a", "b", "c"} {
		if _, err := rf.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	got := rf.Backups()
	if len(got) != 2 || filepath.Base(got[1]) != "app-20251026T080000.2.log" {
		t.Fatalf("backups = %v", got)
	}
	first, _ := os.ReadFile(got[0])
	if string(first) != "a" {
		t.Fatalf("oldest backup = %q", first)
	}
}

func TestNewTeesIntoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "out.log")
	logger, closeFn, err := New(Config{Level: "debug", File: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello_file", zap.String("k", "v"))
	_ = logger.Sync()
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello_file"`) {
		t.Fatalf("log file = %s", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWriterLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, zapcore.InfoLevel)
	l.Debug("hidden")
	l.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("output = %s", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("Accept", "text/event-stream")
	got := SafeHeaders(h)
	if strings.Contains(got, "secret") || !strings.Contains(got, "Accept=text/event-stream") {
		t.Fatalf("SafeHeaders = %q", got)
	}
	if q := RedactQuery("a=1&ticket=abc"); q != "a=1&ticket=<redacted>" {
		t.Fatalf("RedactQuery = %q", q)
	}
}
