package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/agarvision/leaf-disease-service/policy"
	"github.com/agarvision/leaf-disease-service/preprocess"
)

const BuiltinVersion = "builtin-agarwood-v1"

// Metadata is the versioned description that ships next to a model artifact.
// Classes must be listed in the order of the model's output vector.
type Metadata struct {
	Version    string            `json:"version"`
	Classes    []string          `json:"classes"`
	ImageSize  int               `json:"image_size"`
	Layout     preprocess.Layout `json:"layout"`
	Mean       []float32         `json:"mean,omitempty"`
	Scale      []float32         `json:"scale,omitempty"`
	InputName  string            `json:"input_name,omitempty"`
	OutputName string            `json:"output_name,omitempty"`
}

// DefaultMetadata describes the EfficientNetB0 agarwood classifier.
func DefaultMetadata() *Metadata {
	m := &Metadata{
		Version: BuiltinVersion,
		Classes: []string{
			"Downy mildew",
			"Mealy bugs",
			"Mosaic Viruses",
			"Translucent lesion",
		},
	}
	m.applyDefaults()
	return m
}

// MetadataPathFor returns the metadata file that sits next to modelPath.
func MetadataPathFor(modelPath string) string {
	if i := strings.LastIndex(modelPath, "."); i > strings.LastIndexAny(modelPath, `/\`) {
		modelPath = modelPath[:i]
	}
	return modelPath + ".meta.json"
}

// LoadMetadata reads path, falling back to DefaultMetadata when it is absent.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("model metadata not found, using built-in class list", "path", path, "version", BuiltinVersion)
		return DefaultMetadata(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metadata) applyDefaults() {
	if m.ImageSize == 0 {
		m.ImageSize = preprocess.DefaultInputSize
	}
	if m.Layout == "" {
		m.Layout = preprocess.LayoutNHWC
	}
	if len(m.Mean) == 0 {
		m.Mean = []float32{0, 0, 0}
	}
	if len(m.Scale) == 0 {
		m.Scale = []float32{1, 1, 1}
	}
}

func (m *Metadata) Validate() error {
	if len(m.Classes) < 2 {
		return fmt.Errorf("metadata lists %d classes: %w", len(m.Classes), policy.ErrTooFewClasses)
	}
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		switch {
		case c == "":
			return errors.New("metadata contains an empty class name")
		case c == policy.OutOfDomainLabel:
			return fmt.Errorf("class %q is reserved for rejected inputs", c)
		case seen[c]:
			return fmt.Errorf("duplicate class %q", c)
		}
		seen[c] = true
	}
	if len(m.Mean) != preprocess.Channels || len(m.Scale) != preprocess.Channels {
		return fmt.Errorf("mean and scale need %d values each", preprocess.Channels)
	}
	return m.NormalizerConfig().Validate()
}

func (m *Metadata) NormalizerConfig() preprocess.Config {
	cfg := preprocess.Config{Size: m.ImageSize, Layout: m.Layout}
	copy(cfg.Mean[:], m.Mean)
	copy(cfg.Scale[:], m.Scale)
	return cfg
}

// checkOutputDims verifies that the declared model output matches the class
// list. Dynamic dimensions (<= 0) are accepted.
func checkOutputDims(dims []int64, classes int) error {
	if len(dims) == 0 {
		return nil
	}
	last := dims[len(dims)-1]
	if last > 0 && int(last) != classes {
		return fmt.Errorf("%w: model declares %d outputs but metadata lists %d classes",
			policy.ErrClassCountMismatch, last, classes)
	}
	return nil
}

// checkInputDims verifies the declared model input against the batch shape.
func checkInputDims(dims, want []int64) error {
	if len(dims) == 0 {
		return nil
	}
	if len(dims) != len(want) {
		return fmt.Errorf("model input has rank %d, expected %v", len(dims), want)
	}
	for i, d := range dims {
		if d > 0 && d != want[i] {
			return fmt.Errorf("model input shape %v does not match %v", dims, want)
		}
	}
	return nil
}
