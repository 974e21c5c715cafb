package diagnosis

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/agarvision/leaf-disease-service/inference"
	"github.com/agarvision/leaf-disease-service/models"
	"github.com/agarvision/leaf-disease-service/policy"
	"github.com/agarvision/leaf-disease-service/preprocess"
	"github.com/agarvision/leaf-disease-service/remedies"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	model   *inference.Model
	probs   []float64
	loadErr error
	batches [][]float32
}

func newFakeModel(t *testing.T, probs ...float64) *fakeModel {
	t.Helper()
	n, err := preprocess.NewNormalizer(preprocess.Config{Size: 8, Layout: preprocess.LayoutNHWC, Scale: [3]float32{1, 1, 1}})
	require.NoError(t, err)
	return &fakeModel{
		model: &inference.Model{Metadata: inference.DefaultMetadata(), Normalizer: n},
		probs: probs,
	}
}

func (m *fakeModel) Load(context.Context) (*inference.Model, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.model, nil
}

func (m *fakeModel) Infer(_ context.Context, batch []float32) ([]float64, error) {
	m.batches = append(m.batches, append([]float32(nil), batch...))
	return m.probs, nil
}

func leafJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 140, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func remedyStore(t *testing.T) *remedies.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remedies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Mosaic Viruses": ["Remove infected shoots", "Control whiteflies"]}`), 0o644))
	return remedies.NewStore(path)
}

func TestPipeline_Accepted(t *testing.T) {
	model := newFakeModel(t, 0.10, 0.05, 0.80, 0.05)
	p := NewPipeline(model, remedyStore(t))

	timings := &models.ProcessingTimings{}
	res, err := p.Predict(context.Background(), leafJPEG(t), timings)
	require.NoError(t, err)

	assert.Equal(t, "Mosaic Viruses", res.PredictedDisease)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, []string{"Remove infected shoots", "Control whiteflies"}, res.Remedies)

	require.Len(t, model.batches, 1)
	assert.Len(t, model.batches[0], 8*8*3)
	assert.InDelta(t, 140, model.batches[0][1], 3)
	assert.NotZero(t, timings.ImageDecode+timings.Resize+timings.Preprocess)
}

func TestPipeline_Rejected(t *testing.T) {
	p := NewPipeline(newFakeModel(t, 0.40, 0.35, 0.15, 0.10), remedyStore(t))

	res, err := p.Predict(context.Background(), leafJPEG(t), nil)
	require.NoError(t, err)
	assert.Equal(t, policy.OutOfDomainLabel, res.PredictedDisease)
	assert.Equal(t, policy.OutOfDomainRemedies, res.Remedies)
}

func TestPipeline_DecodeError(t *testing.T) {
	model := newFakeModel(t, 0.10, 0.05, 0.80, 0.05)
	p := NewPipeline(model, remedyStore(t))

	_, err := p.Predict(context.Background(), []byte("not a leaf"), nil)
	assert.ErrorIs(t, err, preprocess.ErrDecode)
	assert.Empty(t, model.batches)
}

func TestPipeline_ModelLoadError(t *testing.T) {
	model := newFakeModel(t)
	model.loadErr = &inference.ModelLoadError{Path: "leaf.onnx", Message: "model not found"}
	p := NewPipeline(model, remedyStore(t))

	_, err := p.Predict(context.Background(), leafJPEG(t), nil)
	assert.ErrorIs(t, err, inference.ErrModelLoad)
}

func TestPipeline_ClassCountMismatch(t *testing.T) {
	p := NewPipeline(newFakeModel(t, 0.2, 0.3, 0.5), remedyStore(t))

	_, err := p.Predict(context.Background(), leafJPEG(t), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, policy.ErrClassCountMismatch))
}
