package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		env, level string
		want       zapcore.Level
	}{
		{"development", "debug", zapcore.DebugLevel},
		{"", "warn", zapcore.WarnLevel},
		{"production", "error", zapcore.ErrorLevel},
		{"production", "bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		l, err := New(tt.env, tt.level)
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tt.env, tt.level, err)
		}
		if !l.Core().Enabled(tt.want) {
			t.Errorf("New(%q, %q): level %v not enabled", tt.env, tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && l.Core().Enabled(tt.want-1) {
			t.Errorf("New(%q, %q): level %v unexpectedly enabled", tt.env, tt.level, tt.want-1)
		}
		if zap.L() != l {
			t.Error("global logger not replaced")
		}
	}
}
