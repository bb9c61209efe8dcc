package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_JSON(t *testing.T) {
	var buf bytes.Buffer
	Configure("warn", "json", &buf)
	t.Cleanup(func() { Configure("info", "console", nil) })

	Info().Msg("dropped")
	WithError(errors.New("boom")).Str("connector_id", "abc").Msg("Sync failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "abc", entry["connector_id"])
	assert.Equal(t, "connector-orchestrator", entry["service"])
	assert.Equal(t, "Sync failed", entry["message"])
}

func TestConfigure_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Configure("verbose", "json", &buf)
	t.Cleanup(func() { Configure("info", "console", nil) })

	Debug().Msg("hidden")
	WithFields(map[string]interface{}{"port": 8080}).Msg("Starting")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"port":8080`)
}

func TestColorize(t *testing.T) {
	assert.Equal(t, Red+"x"+Reset, Colorize(Red, "x"))
}
