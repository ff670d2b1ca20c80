package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Weights []float64 `json:"weights"`
	Labels  []string  `json:"labels"`
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "sample.zst")
	in := samplePayload{Weights: []float64{0.25, 0.75}, Labels: []string{"ham", "spam"}}

	err := Save(path, Header{Kind: "sample", SchemaVersion: 2, FeatureVersion: "f1", Meta: map[string]string{"rows": "10"}}, in)
	require.NoError(t, err)

	var out samplePayload
	h, err := Load(path, Expect{Kind: "sample", SchemaVersion: 2, FeatureVersion: "f1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "10", h.Meta["rows"])
	assert.False(t, h.CreatedAt.IsZero())
	assert.Len(t, h.Checksum, 64)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestDecode_Mismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Header{Kind: "anomaly", SchemaVersion: 1, FeatureVersion: "a"}, samplePayload{}))
	data := buf.Bytes()

	tests := []struct {
		name string
		want Expect
	}{
		{name: "kind", want: Expect{Kind: "text", SchemaVersion: 1, FeatureVersion: "a"}},
		{name: "schema", want: Expect{Kind: "anomaly", SchemaVersion: 2, FeatureVersion: "a"}},
		{name: "features", want: Expect{Kind: "anomaly", SchemaVersion: 1, FeatureVersion: "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out samplePayload
			_, err := Decode(bytes.NewReader(data), tt.want, &out)
			assert.ErrorIs(t, err, ErrMismatch)
		})
	}
}

func TestDecode_Garbage(t *testing.T) {
	var out samplePayload
	_, err := Decode(bytes.NewReader([]byte("not zstd at all")), Expect{Kind: "x"}, &out)
	assert.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	var out samplePayload
	_, err := Load(filepath.Join(t.TempDir(), "missing.zst"), Expect{Kind: "x"}, &out)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
