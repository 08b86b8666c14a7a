package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "sub", "orbit.log")

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 1})
	require.NoError(t, err)
	defer rw.Close()

	n, err := rw.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestRotatingWriterRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "orbit.log")

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 1})
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte("a"), 700*1024)
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "orbit.log.*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotatingWriterCompress(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "orbit.log")

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 1, Compress: true})
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte("b"), 600*1024)
	_, _ = rw.Write(chunk)
	_, _ = rw.Write(chunk)
	require.NoError(t, rw.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "orbit.log.*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, strings.HasSuffix(matches[0], ".gz"))
}

func TestRotatingWriterPrunesOldBackups(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "orbit.log")

	old := logFile + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	recent := logFile + ".20990101-000000.000"
	require.NoError(t, os.WriteFile(recent, []byte("recent"), 0644))

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxSizeMB: 1, MaxAgeDays: 7})
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent)
	assert.NoError(t, err)
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(RotationConfig{Filename: filepath.Join(t.TempDir(), "x.log"), MaxSizeMB: 1})
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
