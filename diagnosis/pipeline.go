// Package diagnosis runs one uploaded leaf image through decoding,
// normalization, inference and the rejection policy.
package diagnosis

import (
	"context"
	"fmt"
	"time"

	"github.com/agarvision/leaf-disease-service/inference"
	"github.com/agarvision/leaf-disease-service/models"
	"github.com/agarvision/leaf-disease-service/policy"
	"github.com/agarvision/leaf-disease-service/preprocess"
)

// Model is the part of the inference gateway the pipeline needs.
type Model interface {
	Load(ctx context.Context) (*inference.Model, error)
	Infer(ctx context.Context, batch []float32) ([]float64, error)
}

type Pipeline struct {
	model    Model
	remedies policy.Lookup
}

func NewPipeline(model Model, remedies policy.Lookup) *Pipeline {
	return &Pipeline{model: model, remedies: remedies}
}

// Predict classifies one encoded image. timings may be nil.
func (p *Pipeline) Predict(ctx context.Context, data []byte, timings *models.ProcessingTimings) (*models.ClassificationResult, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	decodeStart := time.Now()
	img, _, err := preprocess.Decode(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	model, err := p.model.Load(ctx)
	if err != nil {
		return nil, err
	}

	resizeStart := time.Now()
	resized := model.Normalizer.Resize(img)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	batch, err := model.Normalizer.Fill(resized)
	if err != nil {
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}
	defer batch.Release()
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	probs, err := p.model.Infer(ctx, batch.Data)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		return nil, err
	}

	decideStart := time.Now()
	result, err := policy.Decide(probs, model.Metadata.Classes, p.remedies)
	timings.Decision = time.Since(decideStart)
	if err != nil {
		return nil, err
	}
	return result, nil
}
