package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()

	assert.Equal(t, "bivy.log", filepath.Base(path))
	assert.Contains(t, path, filepath.Join(".bivy", "logs"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, 10, cfg.MaxSizeMB)
	assert.Equal(t, 5, cfg.MaxFiles)
	assert.True(t, cfg.WriteToStderr)
	assert.Equal(t, "debug", DebugConfig().Level)
}

func TestSetup_WritesJSONLines(t *testing.T) {
	// Given: a config pointing at a nested temp path
	logPath := filepath.Join(t.TempDir(), "nested", "bivy.log")
	cfg := Config{Level: "debug", FilePath: logPath, MaxSizeMB: 1, MaxFiles: 3}

	// When: logging one structured event
	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)
	logger.Debug("binding_upsert", "index", "tents_idx", "documents", 2)
	cleanup()

	// Then: the file holds one JSON object with the attributes
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry))
	assert.Equal(t, "binding_upsert", entry["msg"])
	assert.Equal(t, "tents_idx", entry["index"])
	assert.Equal(t, float64(2), entry["documents"])
}

func TestSetup_LevelFilters(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "bivy.log")

	logger, cleanup, err := Setup(Config{Level: "warn", FilePath: logPath, MaxSizeMB: 1, MaxFiles: 1})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	cleanup()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "dropped")
	assert.Contains(t, string(content), "kept")
}

func TestSetup_StderrOnly(t *testing.T) {
	logger, cleanup, err := Setup(Config{Level: "info"})
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, logger)
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))

	l := Discard()
	assert.Same(t, l, OrDiscard(l))
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, LevelFromString(tc.input).String(), tc.input)
	}
}

func TestRotatingWriter_VisibleBeforeClose(t *testing.T) {
	// Given: an open writer
	logPath := filepath.Join(t.TempDir(), "test.log")
	w, err := NewRotatingWriter(logPath, 1, 3)
	require.NoError(t, err)
	defer w.Close()

	// When: writing a line
	data := []byte(`{"level":"INFO","msg":"job_succeeded"}` + "\n")
	n, err := w.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	// Then: it is readable without closing the writer
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(content))
}

func TestRotatingWriter_AppendsToExistingFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, os.WriteFile(logPath, []byte("earlier\n"), 0o644))

	w, err := NewRotatingWriter(logPath, 1, 3)
	require.NoError(t, err)
	_, err = w.Write([]byte("later\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "earlier\nlater\n", string(content))

	_, err = w.Write([]byte("closed\n"))
	assert.Error(t, err)
}

func TestRotatingWriter_Rotation(t *testing.T) {
	// Given: a writer that rotates on any write (0 MB)
	logPath := filepath.Join(t.TempDir(), "rotate.log")
	w, err := NewRotatingWriter(logPath, 0, 3)
	require.NoError(t, err)
	defer w.Close()

	data := []byte(strings.Repeat("x", 2048))

	// When: writing twice
	_, err = w.Write(data)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)

	// Then: the current file and one rotated file exist
	assert.FileExists(t, logPath)
	assert.FileExists(t, logPath+".1")
}

func TestRotatingWriter_MaxFilesLimit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "maxfiles.log")
	w, err := NewRotatingWriter(logPath, 0, 2)
	require.NoError(t, err)
	defer w.Close()

	data := []byte(strings.Repeat("y", 1024))
	for i := 0; i < 5; i++ {
		_, _ = w.Write(data)
	}

	assert.FileExists(t, logPath+".2")
	assert.NoFileExists(t, logPath+".3")
	// The newest shifted file holds the second-to-last write.
	content, err := os.ReadFile(logPath + ".1")
	require.NoError(t, err)
	assert.Equal(t, string(data), string(content))
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "concurrent.log")
	w, err := NewRotatingWriter(logPath, 10, 3)
	require.NoError(t, err)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = fmt.Fprintf(w, `{"worker":%d,"iter":%d}`+"\n", id, j)
			}
		}(i)
	}
	wg.Wait()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 1000, strings.Count(string(content), "\n"))
}
