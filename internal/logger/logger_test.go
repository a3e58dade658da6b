package logger

import "testing"

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug console", "debug", "console"},
		{"info console", "info", "console"},
		{"warn console", "warn", "console"},
		{"error console", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
		{"unknown level defaults to info", "verbose", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Fatal("expected Log to be initialized")
			}
		})
	}
}

func TestComponentLogger(t *testing.T) {
	Setup("debug", "json")

	tl := Log.Component("tensor")
	if tl == nil {
		t.Fatal("Component returned nil")
	}

	// None of these should panic, including odd argument counts.
	tl.Debug("alloc", "bytes", 1024, "align", 16)
	tl.Info("compute done", "nodes", 42)
	tl.Warn("scratch active")
	tl.Error("exhausted", "need", 100, "have", 10, "dangling")
	tl.Info("non-string key", 3, "value")
}
