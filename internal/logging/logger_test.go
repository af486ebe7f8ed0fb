package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tradegate.log")
	log, err := Build("info", path)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("session_opened")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"session_opened"`)
	assert.Contains(t, string(data), `"ts":`)
	assert.NotContains(t, string(data), "hidden")
}

func TestBuildRejectsLevel(t *testing.T) {
	_, err := Build("loud", "")
	assert.Error(t, err)
}
