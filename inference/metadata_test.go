package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agarvision/leaf-disease-service/policy"
	"github.com/agarvision/leaf-disease-service/preprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataPathFor(t *testing.T) {
	assert.Equal(t, "model/leaf.meta.json", MetadataPathFor("model/leaf.onnx"))
	assert.Equal(t, "./v1.2/leaf.meta.json", MetadataPathFor("./v1.2/leaf"))
	assert.Equal(t, "leaf.meta.json", MetadataPathFor("leaf.onnx"))
}

func TestLoadMetadata_MissingUsesBuiltin(t *testing.T) {
	m, err := LoadMetadata(filepath.Join(t.TempDir(), "absent.meta.json"))
	require.NoError(t, err)

	assert.Equal(t, BuiltinVersion, m.Version)
	assert.Equal(t, []string{"Downy mildew", "Mealy bugs", "Mosaic Viruses", "Translucent lesion"}, m.Classes)
	assert.Equal(t, preprocess.DefaultConfig(), m.NormalizerConfig())
}

func TestLoadMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaf.meta.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"version": "2024-11-effnetb0",
		"classes": ["A", "B", "C"],
		"image_size": 256,
		"layout": "NCHW",
		"mean": [123.675, 116.28, 103.53],
		"scale": [0.0171, 0.0175, 0.0174],
		"output_name": "probs"
	}`), 0o644))

	m, err := LoadMetadata(path)
	require.NoError(t, err)

	assert.Equal(t, "2024-11-effnetb0", m.Version)
	assert.Equal(t, "probs", m.OutputName)
	cfg := m.NormalizerConfig()
	assert.Equal(t, 256, cfg.Size)
	assert.Equal(t, preprocess.LayoutNCHW, cfg.Layout)
	assert.InDelta(t, 116.28, cfg.Mean[1], 1e-4)
}

func TestLoadMetadata_Invalid(t *testing.T) {
	tests := map[string]string{
		"malformed":    `{"classes": [`,
		"one class":    `{"classes": ["A"]}`,
		"duplicate":    `{"classes": ["A", "A"]}`,
		"reserved":     `{"classes": ["A", "Not an Agarwood Leaf"]}`,
		"short mean":   `{"classes": ["A", "B"], "mean": [1, 2]}`,
		"bad layout":   `{"classes": ["A", "B"], "layout": "CHW"}`,
		"empty labels": `{"classes": ["A", ""]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "m.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadMetadata(path)
			assert.Error(t, err)
		})
	}
}

func TestCheckOutputDims(t *testing.T) {
	assert.NoError(t, checkOutputDims([]int64{1, 4}, 4))
	assert.NoError(t, checkOutputDims([]int64{-1, -1}, 4))
	assert.NoError(t, checkOutputDims(nil, 4))
	assert.ErrorIs(t, checkOutputDims([]int64{1, 3}, 4), policy.ErrClassCountMismatch)
}

func TestCheckInputDims(t *testing.T) {
	want := []int64{1, 224, 224, 3}
	assert.NoError(t, checkInputDims([]int64{-1, 224, 224, 3}, want))
	assert.NoError(t, checkInputDims([]int64{-1, -1, -1, 3}, want))
	assert.Error(t, checkInputDims([]int64{1, 3, 224, 224}, want))
	assert.Error(t, checkInputDims([]int64{224, 224, 3}, want))
}

func TestPickTensor(t *testing.T) {
	infos := []TensorInfo{{Name: "a"}, {Name: "b"}}

	got, err := pickTensor(infos, "b", "output")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)

	_, err = pickTensor(infos, "", "output")
	assert.Error(t, err)
	_, err = pickTensor(infos, "c", "output")
	assert.Error(t, err)

	got, err = pickTensor(infos[:1], "", "output")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
}
