package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates the log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "loom.log")

		rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 10})
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("creates missing directories", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "loom.log")

		rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 10})
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(filepath.Dir(logFile))
		assert.NoError(t, err)
	})

	t.Run("resumes size accounting from an existing file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "loom.log")
		require.NoError(t, os.WriteFile(logFile, []byte("previous run\n"), 0644))

		rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 10})
		require.NoError(t, err)
		defer rw.Close()

		assert.Equal(t, int64(len("previous run\n")), rw.size)
	})
}

func TestRotatingWriter_Write(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "loom.log")

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 10})
	require.NoError(t, err)
	defer rw.Close()

	data := []byte(`{"level":"info","message":"turn complete"}` + "\n")
	n, err := rw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "turn complete")
}

func TestRotatingWriter_RotatesAtSizeCap(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "loom.log")

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 10})
	require.NoError(t, err)
	defer rw.Close()

	// Shrink the cap so two small writes cross it
	rw.max = 64

	first := make([]byte, 48)
	for i := range first {
		first[i] = 'a'
	}
	_, err = rw.Write(first)
	require.NoError(t, err)

	_, err = rw.Write(first)
	require.NoError(t, err)

	rotated, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	require.Len(t, rotated, 1, "second write must rotate the file aside")

	// Current file holds only the post-rotation write
	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Len(t, content, 48)
	assert.Equal(t, int64(48), rw.size)
}

func TestRotatingWriter_Close(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "loom.log")

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 10})
	require.NoError(t, err)

	assert.NoError(t, rw.Close())
}

func TestCompressFile(t *testing.T) {
	rotated := filepath.Join(t.TempDir(), "loom.log.20260101-120000")
	require.NoError(t, os.WriteFile(rotated, []byte("rotated content"), 0644))

	require.NoError(t, compressFile(rotated))

	_, err := os.Stat(rotated + ".gz")
	assert.NoError(t, err)

	_, err = os.Stat(rotated)
	assert.True(t, os.IsNotExist(err), "original is removed after compression")
}

func TestRotatingWriter_PrunesStaleFilesAtOpen(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "loom.log")

	stale := logFile + ".20200101-120000"
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, oldTime, oldTime))

	fresh := logFile + ".20260820-120000"
	require.NoError(t, os.WriteFile(fresh, []byte("recent"), 0644))

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 10, MaxAgeDays: 7})
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "files past retention are pruned at open")

	_, err = os.Stat(fresh)
	assert.NoError(t, err, "files inside retention survive")
}
