package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_LineShape(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, "arena-server")

	l.Info("allocation failed", Uint64("id", 42), Err(errors.New("out of memory")))

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, " INF arena-server allocation failed")
	assert.Contains(t, line, "id=42")
	assert.Contains(t, line, `error="out of memory"`)
}

func TestLogger_LevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, "syscall")

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "WRN syscall kept")
}

func TestLogger_WithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, LevelInfo, "reactor")
	child := base.With(Uint32("module", 3)).With(String("phase", "dispatch"))

	child.Info("served", Int("count", 2))

	line := buf.String()
	require.Contains(t, line, "module=3")
	assert.Contains(t, line, "phase=dispatch")
	assert.Contains(t, line, "count=2")

	// The parent is unaffected by derived fields.
	buf.Reset()
	base.Info("idle")
	assert.NotContains(t, buf.String(), "module=3")
}

func TestFormatValue_Quoting(t *testing.T) {
	assert.Equal(t, "plain", formatValue("plain"))
	assert.Equal(t, `"two words"`, formatValue("two words"))
	assert.Equal(t, `"k=v"`, formatValue("k=v"))
	assert.Equal(t, `""`, formatValue(""))
	assert.Equal(t, "<nil>", formatValue(nil))
	assert.Equal(t, "1.5s", formatValue(1500*time.Millisecond))
	assert.Equal(t, "true", formatValue(true))
}
