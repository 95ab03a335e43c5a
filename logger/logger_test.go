package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/notifyd/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitializeFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.log")
	restore := SetForTesting(nil)
	defer restore()

	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if f == nil {
		t.Fatal("expected a log file handle for file output")
	}
	defer f.Close()

	Info("waitset created", "waitset", "WaitSet-abc")
	Debug("debug line")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"waitset":"WaitSet-abc"`) {
		t.Errorf("expected structured attribute in output, got: %s", out)
	}
	if !strings.Contains(out, "debug line") {
		t.Errorf("expected debug output at debug level, got: %s", out)
	}
}

func TestSetForTesting(t *testing.T) {
	var buf bytes.Buffer
	restore := SetForTesting(slog.New(slog.NewTextHandler(&buf, nil)))
	Warn("captured", "key", "value")
	restore()

	if !strings.Contains(buf.String(), "captured") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("unexpected captured output: %q", buf.String())
	}
}
