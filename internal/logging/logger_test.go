package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{Level(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level.String() = %v, want %v", got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{" info ", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"bogus", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", INFO, &buf)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Fatal("DEBUG message should be filtered when level is INFO")
	}

	logger.Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("INFO message missing, got %q", buf.String())
	}
}

func TestLogLineLayout(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("queue", DEBUG, &buf)

	logger.Warn("retrying %s after %d attempts", "a.txt", 2)

	out := buf.String()
	for _, want := range []string{"WARN", "[queue]", "logger_test.go:", "TestLogLineLayout", "retrying a.txt after 2 attempts"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("log line should end with a newline")
	}
}

func TestLogMessageWithoutArgsKeepsPercent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", DEBUG, &buf)

	// called through a method value so vet does not treat the literal as a format
	info := logger.Info
	info("100% done")

	if !strings.Contains(buf.String(), "100% done") {
		t.Errorf("message mangled: %q", buf.String())
	}
}

func TestWithFieldsDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger("test", DEBUG, &buf)

	child := parent.WithFields(Fields{"tenant": "t1", "folder": "docs"})
	child.Info("child")
	childOut := buf.String()

	buf.Reset()
	parent.Info("parent")
	parentOut := buf.String()

	if !strings.Contains(childOut, "folder=docs tenant=t1") {
		t.Errorf("child fields missing or unsorted: %q", childOut)
	}
	if strings.Contains(parentOut, "tenant=") {
		t.Errorf("parent picked up child fields: %q", parentOut)
	}
}

func TestNamedAndWithError(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger("root", DEBUG, &buf)

	root.Named("syncer").WithError(errors.New("boom")).Error("failed")

	out := buf.String()
	if !strings.Contains(out, "[syncer]") || !strings.Contains(out, "error=boom") {
		t.Errorf("unexpected output %q", out)
	}
	if root.WithError(nil) != root {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic and must not write anywhere visible.
	Discard().Error("dropped")
}

func TestSetupWithFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, closer, err := Setup("main", Options{
		Level:       "debug",
		FileEnabled: true,
		File:        filepath.Join(dir, "logs", "docsync.log"),
		MaxSizeMB:   1,
		MaxBackups:  1,
		Console:     &console,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	logger.Debug("file only")
	logger.Error("both")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "docsync.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file only") || !strings.Contains(string(data), "both") {
		t.Errorf("log file missing lines: %q", data)
	}
	if strings.Contains(console.String(), "file only") {
		t.Error("DEBUG line should not reach the console")
	}
	if !strings.Contains(console.String(), "both") {
		t.Error("ERROR line should reach the console")
	}
}

func TestSetupConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := Setup("main", Options{Level: "info", Console: &console})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer closer.Close()

	logger.Info("hello")
	if !strings.Contains(console.String(), "hello") {
		t.Errorf("console output = %q", console.String())
	}
}
