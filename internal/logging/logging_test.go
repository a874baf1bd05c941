package logging

import (
	"log/slog"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"json stdout", Config{Format: "json", Output: "stdout"}, false},
		{"file", Config{Output: "file", File: filepath.Join(dir, "x.log")}, false},
		{"file without path", Config{Output: "file"}, true},
		{"bad format", Config{Format: "xml"}, true},
		{"bad output", Config{Output: "syslog"}, true},
	}
	for _, tt := range tests {
		l, err := New(tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: New() error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && l == nil {
			t.Errorf("%s: New() returned nil logger", tt.name)
		}
	}
}

func TestFor_UsesDefault(t *testing.T) {
	SetDefault(nil)
	defer SetDefault(slog.Default())

	if For("test") == nil {
		t.Fatal("For() returned nil")
	}
}
