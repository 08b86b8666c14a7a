package coretools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/orbit/pkg/agenterr"
	"github.com/harun/orbit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts Options) (*toolexecutor.ToolExecutor, string) {
	t.Helper()

	root := t.TempDir()
	opts.Root = root
	logger := zerolog.Nop()
	te := toolexecutor.NewWithConfig(toolexecutor.Config{DefaultTimeout: time.Second, Logger: &logger})
	require.NoError(t, Register(te, opts))
	return te, root
}

func run(t *testing.T, te *toolexecutor.ToolExecutor, name string, params map[string]interface{}) map[string]interface{} {
	t.Helper()

	res, err := te.Execute(context.Background(), name, params, &toolexecutor.ExecutionContext{CallID: "c1"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	return out
}

func TestRegister(t *testing.T) {
	t.Run("requires a root", func(t *testing.T) {
		assert.Error(t, Register(toolexecutor.New(), Options{}))
		assert.Error(t, Register(nil, Options{Root: t.TempDir()}))
	})

	t.Run("registers every tool", func(t *testing.T) {
		te, _ := setup(t, Options{})
		assert.Equal(t, []string{"current_time", "edit_file", "list_files", "read_file", "write_file"}, te.ListTools())
	})

	t.Run("read only skips writers", func(t *testing.T) {
		te, _ := setup(t, Options{ReadOnly: true})
		assert.Equal(t, []string{"current_time", "list_files", "read_file"}, te.ListTools())
	})
}

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	te, _ := setup(t, Options{Now: func() time.Time { return fixed }})

	out := run(t, te, "current_time", nil)
	assert.Equal(t, "2025-03-14T15:09:26Z", out["time"])
	assert.Equal(t, "Friday", out["weekday"])

	_, err := te.Execute(context.Background(), "current_time", map[string]interface{}{"timezone": "Mars/Olympus"}, nil)
	var toolErr *agenterr.ToolError
	assert.ErrorAs(t, err, &toolErr)
}

func TestWriteReadEdit(t *testing.T) {
	te, root := setup(t, Options{})

	out := run(t, te, "write_file", map[string]interface{}{"path": "notes/a.txt", "content": "hello world"})
	assert.EqualValues(t, 11, out["bytes"])

	run(t, te, "write_file", map[string]interface{}{"path": "notes/a.txt", "content": "!", "append": true})

	out = run(t, te, "read_file", map[string]interface{}{"path": "notes/a.txt"})
	assert.Equal(t, "hello world!", out["content"])
	assert.Equal(t, false, out["truncated"])

	out = run(t, te, "read_file", map[string]interface{}{"path": "notes/a.txt", "max_bytes": 5})
	assert.Equal(t, "hello", out["content"])
	assert.Equal(t, true, out["truncated"])

	out = run(t, te, "edit_file", map[string]interface{}{"path": "notes/a.txt", "search": "world", "replace": "orbit"})
	assert.EqualValues(t, 1, out["occurrences"])

	data, err := os.ReadFile(filepath.Join(root, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello orbit!", string(data))

	out = run(t, te, "list_files", nil)
	assert.Equal(t, []interface{}{"notes/"}, out["entries"])
}

func TestEditFile_ReplaceAll(t *testing.T) {
	te, root := setup(t, Options{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("a a a"), 0644))

	out := run(t, te, "edit_file", map[string]interface{}{"path": "f.txt", "search": "a", "replace": "b", "replace_all": true})
	assert.EqualValues(t, 3, out["occurrences"])

	_, err := te.Execute(context.Background(), "edit_file",
		map[string]interface{}{"path": "f.txt", "search": "zzz", "replace": "y"}, nil)
	assert.ErrorContains(t, err, "search text not found")
}

func TestResolve(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "work")

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"relative", "a/b.txt", filepath.Join(root, "a", "b.txt"), false},
		{"absolute inside", filepath.Join(root, "c.txt"), filepath.Join(root, "c.txt"), false},
		{"dot dot file name", "..notes", filepath.Join(root, "..notes"), false},
		{"escape", "../etc/passwd", "", true},
		{"absolute outside", filepath.Join(string(filepath.Separator), "etc", "passwd"), "", true},
		{"url", "http://example.com/x", "", true},
		{"empty", "  ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolve(root, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntParam(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  int64
		ok    bool
	}{
		{"int", 5, 5, true},
		{"int64", int64(7), 7, true},
		{"float64", float64(9), 9, true},
		{"fractional", 2.5, 0, false},
		{"json number", json.Number("11"), 11, true},
		{"string", "5", 0, false},
		{"missing", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := intParam(map[string]interface{}{"n": tt.value}, "n")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
