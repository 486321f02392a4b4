package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWriterLevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "warn")

	WithComponent("dispatcher").Info("dropped")
	WithComponent("dispatcher").Warn("kept", "unit_id", "u1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "dispatcher", entry["component"])
	require.Equal(t, "u1", entry["unit_id"])
}

func TestParseLevelFallback(t *testing.T) {
	require.Equal(t, "INFO", parseLevel("verbose").String())
	require.Equal(t, "DEBUG", parseLevel("debug").String())
}
