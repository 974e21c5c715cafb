// Package inference owns the ONNX classifier: it loads the artifact on first
// use and runs single-image batches through a bounded pool of sessions.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/agarvision/leaf-disease-service/policy"
	"github.com/agarvision/leaf-disease-service/preprocess"
)

type Config struct {
	ModelPath      string
	MetadataPath   string
	LibraryPath    string
	PoolSize       int
	AcquireTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MetadataPath == "" {
		c.MetadataPath = MetadataPathFor(c.ModelPath)
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
}

// Model is the loaded, immutable state shared by all requests.
type Model struct {
	Metadata   *Metadata
	Normalizer *preprocess.Normalizer
	Input      TensorInfo
	Output     TensorInfo
}

// Gateway loads the model once per process. A failed load is not cached, so
// the next caller tries again.
type Gateway struct {
	cfg     Config
	backend backend

	// initMu serializes loads and guards ownsEnv. mu guards only the loaded
	// state and is never held across a load.
	initMu  sync.Mutex
	ownsEnv bool

	mu     sync.Mutex
	model  *Model
	pool   *SessionPool
	closed bool
}

func NewGateway(cfg Config) *Gateway {
	return newGateway(cfg, ortBackend{})
}

func newGateway(cfg Config, b backend) *Gateway {
	cfg.applyDefaults()
	return &Gateway{cfg: cfg, backend: b}
}

func (g *Gateway) Config() Config { return g.cfg }

func (g *Gateway) current() (*Model, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrPoolClosed
	}
	return g.model, nil
}

// Load returns the model, loading it on the first call.
func (g *Gateway) Load(ctx context.Context) (*Model, error) {
	if model, err := g.current(); model != nil || err != nil {
		return model, err
	}

	g.initMu.Lock()
	defer g.initMu.Unlock()

	if model, err := g.current(); model != nil || err != nil {
		return model, err
	}

	start := time.Now()
	model, pool, err := g.load(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.model = model
	g.pool = pool
	g.mu.Unlock()

	slog.Info("model loaded",
		"path", g.cfg.ModelPath,
		"version", model.Metadata.Version,
		"classes", model.Metadata.Classes,
		"input", model.Input.Name,
		"output", model.Output.Name,
		"cpu_features", CPUFeatures(),
		"duration", time.Since(start))
	return model, nil
}

func (g *Gateway) load(ctx context.Context) (*Model, *SessionPool, error) {
	meta, err := LoadMetadata(g.cfg.MetadataPath)
	if err != nil {
		return nil, nil, &ModelLoadError{Path: g.cfg.MetadataPath, Message: "invalid model metadata", Cause: err}
	}

	if _, err := os.Stat(g.cfg.ModelPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, &ModelLoadError{Path: g.cfg.ModelPath, Message: "model not found"}
		}
		return nil, nil, &ModelLoadError{Path: g.cfg.ModelPath, Message: "model not readable", Cause: err}
	}

	if !g.ownsEnv {
		owned, err := g.backend.Init(g.cfg.LibraryPath)
		if err != nil {
			return nil, nil, &ModelLoadError{Path: g.cfg.LibraryPath, Message: "onnxruntime unavailable", Cause: err}
		}
		g.ownsEnv = owned
	}

	inputs, outputs, err := g.backend.Inspect(g.cfg.ModelPath)
	if err != nil {
		return nil, nil, &ModelLoadError{Path: g.cfg.ModelPath, Message: "model artifact is corrupt", Cause: err}
	}

	input, err := pickTensor(inputs, meta.InputName, "input")
	if err != nil {
		return nil, nil, &ModelLoadError{Path: g.cfg.ModelPath, Message: "unexpected model signature", Cause: err}
	}
	output, err := pickTensor(outputs, meta.OutputName, "output")
	if err != nil {
		return nil, nil, &ModelLoadError{Path: g.cfg.ModelPath, Message: "unexpected model signature", Cause: err}
	}

	normalizer, err := preprocess.NewNormalizer(meta.NormalizerConfig())
	if err != nil {
		return nil, nil, &ModelLoadError{Path: g.cfg.MetadataPath, Message: "invalid model metadata", Cause: err}
	}
	if err := checkInputDims(input.Dims, normalizer.Shape()); err != nil {
		return nil, nil, &ModelLoadError{Path: g.cfg.ModelPath, Message: "model input does not match metadata", Cause: err}
	}
	if err := checkOutputDims(output.Dims, len(meta.Classes)); err != nil {
		return nil, nil, &ModelLoadError{Path: g.cfg.ModelPath, Message: "model output does not match metadata", Cause: err}
	}

	spec := sessionSpec{
		ModelPath:   g.cfg.ModelPath,
		InputName:   input.Name,
		OutputName:  output.Name,
		InputShape:  normalizer.Shape(),
		OutputShape: []int64{1, int64(len(meta.Classes))},
		Threads:     intraOpThreads(g.cfg.PoolSize),
	}
	pool := NewSessionPool(g.cfg.PoolSize, g.cfg.AcquireTimeout, func() (runner, error) {
		return g.backend.NewSession(spec)
	})

	// One session up front so a broken artifact fails the load, not a later request.
	session, err := pool.Acquire(ctx)
	if err != nil {
		pool.Destroy()
		return nil, nil, &ModelLoadError{Path: g.cfg.ModelPath, Message: "failed to create model session", Cause: err}
	}
	pool.Release(session)

	return &Model{
		Metadata:   meta,
		Normalizer: normalizer,
		Input:      input,
		Output:     output,
	}, pool, nil
}

func pickTensor(infos []TensorInfo, name, kind string) (TensorInfo, error) {
	if len(infos) == 0 {
		return TensorInfo{}, fmt.Errorf("model declares no %ss", kind)
	}
	if name == "" {
		if len(infos) > 1 {
			return TensorInfo{}, fmt.Errorf("model declares %d %ss, metadata must name one", len(infos), kind)
		}
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return TensorInfo{}, fmt.Errorf("model has no %s named %q", kind, name)
}

// Infer runs one batch and returns the class probabilities in metadata order.
func (g *Gateway) Infer(ctx context.Context, batch []float32) ([]float64, error) {
	model, err := g.Load(ctx)
	if err != nil {
		return nil, err
	}
	if want := model.Normalizer.TensorLen(); len(batch) != want {
		return nil, fmt.Errorf("batch has %d values, model expects %d", len(batch), want)
	}

	g.mu.Lock()
	pool := g.pool
	g.mu.Unlock()
	if pool == nil {
		return nil, ErrPoolClosed
	}

	session, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	out, err := session.Run(batch)
	if err != nil {
		pool.Discard(session)
		return nil, err
	}
	pool.Release(session)

	if len(out) != len(model.Metadata.Classes) {
		return nil, fmt.Errorf("%w: model returned %d probabilities for %d classes",
			policy.ErrClassCountMismatch, len(out), len(model.Metadata.Classes))
	}

	probs := make([]float64, len(out))
	for i, p := range out {
		probs[i] = float64(p)
	}
	return probs, nil
}

// Loaded reports whether the model is in memory.
func (g *Gateway) Loaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.model != nil
}

// Stats returns pool counters. Before the first load only Size is set.
func (g *Gateway) Stats() PoolStats {
	g.mu.Lock()
	pool := g.pool
	g.mu.Unlock()
	if pool == nil {
		return PoolStats{Size: g.cfg.PoolSize}
	}
	return pool.Stats()
}

// Close waits for an in-flight load, then releases sessions and the
// environment.
func (g *Gateway) Close() error {
	g.initMu.Lock()
	defer g.initMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	pool := g.pool
	g.pool = nil
	g.model = nil
	g.mu.Unlock()

	if pool != nil {
		pool.Destroy()
	}
	if g.ownsEnv {
		g.ownsEnv = false
		return g.backend.Shutdown()
	}
	return nil
}
