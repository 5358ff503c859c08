package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xt-connector/internal/config"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "connector.log")
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	Component(logger, "test").WithField("event", "hello").Info("started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"component":"test"`), line)
	assert.True(t, strings.Contains(line, `"event":"hello"`), line)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)
}

func TestComponentToleratesNilLogger(t *testing.T) {
	entry := Component(nil, "x")
	assert.Equal(t, "x", entry.Data["component"])
}
