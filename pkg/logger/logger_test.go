package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minidb.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "minidb", entry["service"])
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minidb.log")
	log, err := New(Config{Level: "loud", Format: "console", OutputFile: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "INFO")
	assert.Contains(t, string(data), "shown")
}

func TestNewBadOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
