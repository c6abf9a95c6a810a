package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nmxmxh/portal-engine/internal/postprocess"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const labelMap = `item {
  id: 1
  name: 'cat'
}
item {
  id: 2
  name: "dog"
}
`

func modelDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func TestHashDirectoryIsDeterministic(t *testing.T) {
	dir := modelDir(t, map[string]string{LabelMapFile: labelMap, "saved_model/saved_model.pb": "weights"})

	a, err := HashDirectory(dir)
	require.NoError(t, err)
	b, err := HashDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "saved_model", "saved_model.pb"), []byte("retrained"), 0o644))
	c, err := HashDirectory(dir)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "content changes change the key")

	_, err = HashDirectory(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestEndpointKey(t *testing.T) {
	a := EndpointKey("A", "desc", "https://host/predict", "s3cret")
	assert.Equal(t, a, EndpointKey("A", "desc", "https://host/predict", "s3cret"))
	assert.NotEqual(t, a, EndpointKey("A", "desc", "https://host/predict", "other"))
}

func TestParseLabelMap(t *testing.T) {
	labels, err := ParseLabelMap(strings.NewReader(labelMap))
	require.NoError(t, err)
	assert.Equal(t, postprocess.Labels{1: "cat", 2: "dog"}, labels)

	_, err = ParseLabelMap(strings.NewReader("item {\n  id: x\n  name: 'cat'\n}\n"))
	assert.Error(t, err)

	_, err = ParseLabelMap(strings.NewReader("item {\n  id: 1\n"))
	assert.Error(t, err)
}

func TestLoadDescriptor(t *testing.T) {
	dir := modelDir(t, map[string]string{DescriptorFile: "type: onnx\nheight: 640\nwidth: 480\nrunner: yolo-runner\n"})
	d, err := LoadDescriptor(dir)
	require.NoError(t, err)
	assert.Equal(t, Descriptor{Type: "onnx", Height: 640, Width: 480, Runner: "yolo-runner"}, d)

	d, err = LoadDescriptor(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Descriptor{}, d)

	bad := modelDir(t, map[string]string{DescriptorFile: "height: [tall"})
	_, err = LoadDescriptor(bad)
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Local, Hub, Endpoint} {
		got, err := ParseKind(strings.ToUpper(k.String()))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("cloud")
	assert.Error(t, err)
}

func TestPutMergeRule(t *testing.T) {
	r := New()

	first := &Record{Key: "k1", Kind: Local, Directory: "/models/a", Name: "A"}
	replaced, err := r.Put(first)
	require.NoError(t, err)
	assert.Empty(t, replaced)

	// Same directory, unchanged content: metadata is replaced, not duplicated.
	again := &Record{Key: "k1", Kind: Local, Directory: "/models/a", Name: "A", Description: "v2"}
	replaced, err = r.Put(again)
	require.NoError(t, err)
	assert.Equal(t, "k1", replaced)
	assert.Equal(t, 1, r.Len())
	got, err := r.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Description)

	// Same directory, new content and key: the old record goes away.
	replaced, err = r.Put(&Record{Key: "k2", Kind: Local, Directory: "/models/a", Name: "A"})
	require.NoError(t, err)
	assert.Equal(t, "k1", replaced)
	assert.False(t, r.Has("k1"))
	assert.Equal(t, 1, r.Len())

	// Same name, different directory: collision.
	_, err = r.Put(&Record{Key: "k3", Kind: Local, Directory: "/models/b", Name: "A"})
	require.Error(t, err)
	assert.True(t, graceful.Is(err, graceful.InvalidRequest))
	assert.Equal(t, 1, r.Len())

	// Endpoints have no directory and are told apart by key.
	_, err = r.Put(&Record{Key: "e1", Kind: Endpoint, Name: "E1"})
	require.NoError(t, err)
	_, err = r.Put(&Record{Key: "e2", Kind: Endpoint, Name: "E2"})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())
}

func TestResidencySurvivesIdenticalReregistration(t *testing.T) {
	r := New()
	_, err := r.Put(&Record{Key: "k1", Directory: "/m", Name: "A"})
	require.NoError(t, err)
	r.SetResidency("k1", Loaded)

	_, err = r.Put(&Record{Key: "k1", Directory: "/m", Name: "A", Residency: NotLoaded})
	require.NoError(t, err)
	got, err := r.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, Loaded, got.Residency)
}

func TestGetUnknownKey(t *testing.T) {
	_, err := New().Get("nope")
	require.Error(t, err)
	assert.True(t, graceful.Is(err, graceful.InvalidModelKey))
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	_, err := r.Put(&Record{Key: "k1", Directory: "/m", Name: "A", Labels: postprocess.Labels{1: "cat"}})
	require.NoError(t, err)

	got, err := r.Get("k1")
	require.NoError(t, err)
	got.Labels[1] = "changed"
	got.Name = "changed"

	again, err := r.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, "cat", again.Labels[1])
	assert.Equal(t, "A", again.Name)
}

func TestPersistRoundTripThroughJSON(t *testing.T) {
	rec := &Record{
		Key:       "k1",
		Kind:      Hub,
		ModelType: "tensorflow",
		Directory: "/models/hub/abc",
		Name:      "Hub model",
		Height:    640,
		Width:     640,
		Options:   Options{ModelKey: "abc", ProjectSecret: "s"},
	}
	raw, err := json.Marshal(rec.Persist())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Labels")

	var p Persisted
	require.NoError(t, json.Unmarshal(raw, &p))
	opts, err := DecodeOptions(p.Kwargs)
	require.NoError(t, err)
	assert.Equal(t, Options{ModelKey: "abc", ProjectSecret: "s", Height: 640, Width: 640}, opts)
	assert.Equal(t, "hub", p.Kind)
	assert.Equal(t, "/models/hub/abc", p.Directory)
}
