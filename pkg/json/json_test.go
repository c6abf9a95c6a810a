package json

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type document struct {
	Registry    map[string]string                       `json:"registry"`
	Predictions map[string]map[string]map[string]string `json:"predictions"`
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	in := document{
		Registry: map[string]string{"abc": "/tmp/m1"},
		Predictions: map[string]map[string]map[string]string{
			"abc": {"/img/a.png": {"json0.8": "[]"}},
		},
	}

	require.NoError(t, WriteFile(path, in))

	var out document
	require.NoError(t, ReadFile(path, &out))
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestWriteFileOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, WriteFile(path, map[string]int{"a": 1}))
	require.NoError(t, WriteFile(path, map[string]int{"b": 2}))

	var out map[string]int
	require.NoError(t, ReadFile(path, &out))
	assert.Equal(t, map[string]int{"b": 2}, out)
}

func TestReadFileErrors(t *testing.T) {
	var out document
	err := ReadFile(filepath.Join(t.TempDir(), "missing.json"), &out)
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"registry":`), 0o600))
	assert.Error(t, ReadFile(bad, &out))
}

func TestRawMessageDefersDecoding(t *testing.T) {
	var holder struct {
		Value RawMessage `json:"value"`
	}
	require.NoError(t, Unmarshal([]byte(`{"value":{"fps":30}}`), &holder))
	assert.JSONEq(t, `{"fps":30}`, string(holder.Value))
}
