package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestOr(t *testing.T) {
	custom := zap.NewExample()
	if Or(custom) != custom {
		t.Error("Or should return the provided logger")
	}
	if Or(nil) != Log {
		t.Error("Or(nil) should return the process logger")
	}
}

func TestInitSetsProcessLogger(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	l, err := Init("debug")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if Log != l {
		t.Error("Init should replace the process logger")
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}
