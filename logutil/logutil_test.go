package logutil

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewInstanceLogger(&buf, 1, "id", "abc")
	log.Info("hidden")
	log.Warn("shown", "n", 1)
	assert.Equal(t, "level=WARN msg=shown id=abc n=1\n", buf.String())

	buf.Reset()
	NewInstanceLogger(&buf, 0).Error("nothing")
	assert.Empty(t, buf.String())

	NewInstanceLogger(&buf, 4).Log(t.Context(), LevelTrace, "deep")
	assert.Equal(t, "level=TRACE msg=deep\n", buf.String())
}

func TestVerbosity(t *testing.T) {
	for v, want := range map[int]slog.Level{1: slog.LevelWarn, 2: slog.LevelInfo, 3: slog.LevelDebug, 9: LevelTrace} {
		got, ok := Verbosity(v)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := Verbosity(0)
	assert.False(t, ok)
}
