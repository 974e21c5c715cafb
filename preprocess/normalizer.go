// Package preprocess turns uploaded images into model input tensors.
package preprocess

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Resampling matches the bicubic default of the training pipeline.
var Resampling = imaging.CatmullRom

// Config describes the input expected by a model: square size, tensor layout
// and the per-channel shift and scale applied to 0..255 pixel values.
type Config struct {
	Size   int
	Layout Layout
	Mean   [Channels]float32
	Scale  [Channels]float32
}

// DefaultConfig is EfficientNet's preprocessing, which feeds raw 0..255
// values and normalizes inside the model graph.
func DefaultConfig() Config {
	return Config{
		Size:   DefaultInputSize,
		Layout: LayoutNHWC,
		Scale:  [Channels]float32{1, 1, 1},
	}
}

func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("input size must be positive, got %d", c.Size)
	}
	if c.Layout != LayoutNHWC && c.Layout != LayoutNCHW {
		return fmt.Errorf("unsupported tensor layout %q", c.Layout)
	}
	return nil
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	cfg        Config
	numWorkers int
	bufferPool *sync.Pool
}

// Batch is a single-image input tensor. Release returns its buffer for reuse.
type Batch struct {
	Data []float32
	pool *sync.Pool
}

func (b *Batch) Release() {
	if b.pool != nil && b.Data != nil {
		b.pool.Put(b)
	}
}

func NewNormalizer(cfg Config) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Normalizer{
		cfg:        cfg,
		numWorkers: min(runtime.GOMAXPROCS(0), cfg.Size),
	}
	n.bufferPool = &sync.Pool{
		New: func() interface{} {
			return &Batch{Data: make([]float32, n.TensorLen()), pool: n.bufferPool}
		},
	}
	return n, nil
}

func (n *Normalizer) Config() Config { return n.cfg }

// TensorLen is the number of floats in one batch: 1 x size x size x 3.
func (n *Normalizer) TensorLen() int {
	return n.cfg.Size * n.cfg.Size * Channels
}

// Shape returns the batch shape in the configured layout.
func (n *Normalizer) Shape() []int64 {
	s := int64(n.cfg.Size)
	if n.cfg.Layout == LayoutNCHW {
		return []int64{1, Channels, s, s}
	}
	return []int64{1, s, s, Channels}
}

// Resize drops alpha and resamples img to the configured square size.
func (n *Normalizer) Resize(img image.Image) *image.NRGBA {
	opaque := imaging.Clone(img)
	for i := 3; i < len(opaque.Pix); i += 4 {
		opaque.Pix[i] = 0xff
	}
	return imaging.Resize(opaque, n.cfg.Size, n.cfg.Size, Resampling)
}

// Fill writes the normalized pixels of a resized image into a pooled batch.
func (n *Normalizer) Fill(img *image.NRGBA) (*Batch, error) {
	b := img.Bounds()
	if b.Dx() != n.cfg.Size || b.Dy() != n.cfg.Size {
		return nil, fmt.Errorf("expected %dx%d image, got %dx%d", n.cfg.Size, n.cfg.Size, b.Dx(), b.Dy())
	}

	batch := n.bufferPool.Get().(*Batch)
	n.processParallel(img, batch.Data)
	return batch, nil
}

// Normalize runs Resize then Fill.
func (n *Normalizer) Normalize(img image.Image) (*Batch, error) {
	return n.Fill(n.Resize(img))
}

func (n *Normalizer) processParallel(img *image.NRGBA, buffer []float32) {
	size := n.cfg.Size
	rowsPerWorker := size / n.numWorkers

	var wg sync.WaitGroup
	wg.Add(n.numWorkers)

	for w := 0; w < n.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == n.numWorkers-1 {
			endRow = size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				n.processRow(img, y, buffer)
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

func (n *Normalizer) processRow(img *image.NRGBA, y int, buffer []float32) {
	size := n.cfg.Size
	channelSize := size * size
	origin := img.Rect.Min
	src := img.Pix[img.PixOffset(origin.X, origin.Y+y):]

	for x := 0; x < size; x++ {
		px := src[x*4 : x*4+3]
		for c := 0; c < Channels; c++ {
			v := (float32(px[c]) - n.cfg.Mean[c]) * n.cfg.Scale[c]
			if n.cfg.Layout == LayoutNCHW {
				buffer[c*channelSize+y*size+x] = v
			} else {
				buffer[(y*size+x)*Channels+c] = v
			}
		}
	}
}
