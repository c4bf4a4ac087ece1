package nacti

import (
	"image"
	"image/color"
	"io"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	timage "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Batches adapts a Dataset to GoMLX's train.Dataset: it yields fixed-size
// batches of image tensors and labels, optionally shuffled per epoch and
// optionally augmented (random rotation and horizontal flips).
//
// Yield returns io.EOF once fewer than a full batch remains; Reset restarts
// the epoch (and reshuffles, when shuffling is on).
type Batches struct {
	name string
	ds   *Dataset

	batchSize     int
	width, height int
	dtype         dtypes.DType
	toTensor      *timage.ToTensorConfig

	// Augmentation, active only when angleStdDev > 0 or flipRandomly.
	angleStdDev  float64
	flipRandomly bool

	// mu protects rng, shuffle, order and next.
	mu      sync.Mutex
	rng     *rand.Rand
	shuffle *rand.Rand
	order   []int
	next    int
}

var _ train.Dataset = (*Batches)(nil)

// NewBatches creates a train.Dataset over ds.
//
//   - batchSize: images per Yield; must be >= 1.
//   - shuffle: if not nil, used to reshuffle the visit order on every Reset.
//     Pass nil for sequential order (evaluation datasets).
//   - width, height: images are scale-preserving resized to this size, with
//     transparent padding, before conversion to tensors.
func NewBatches(name string, ds *Dataset, batchSize int, shuffle *rand.Rand,
	width, height int, dtype dtypes.DType) *Batches {
	b := &Batches{
		name:      name,
		ds:        ds,
		batchSize: batchSize,
		width:     width,
		height:    height,
		dtype:     dtype,
		toTensor:  timage.ToTensor(dtype).WithAlpha(),
		shuffle:   shuffle,
		order:     make([]int, ds.Len()),
		rng:       rand.New(rand.NewSource(42)),
	}
	for idx := range b.order {
		b.order[idx] = idx
	}
	b.Reset()
	return b
}

// WithAugmentation enables random rotation (normal noise with the given
// standard deviation, in degrees) and horizontal flips. Use it on training
// datasets only.
//
// Returns itself, to allow chaining of method calls.
func (b *Batches) WithAugmentation(angleStdDev float64, flipRandomly bool) *Batches {
	b.angleStdDev = angleStdDev
	b.flipRandomly = flipRandomly
	return b
}

// Name implements train.Dataset.
func (b *Batches) Name() string { return b.name }

// NumExamples returns the number of images in the underlying dataset.
func (b *Batches) NumExamples() int { return b.ds.Len() }

// NumBatches returns how many full batches one epoch yields.
func (b *Batches) NumBatches() int { return b.ds.Len() / b.batchSize }

// Reset implements train.Dataset: restarts the epoch and reshuffles the visit
// order if the dataset was created with a shuffle source.
func (b *Batches) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
	if b.shuffle == nil {
		return
	}
	b.shuffle.Shuffle(len(b.order), func(i, j int) {
		b.order[i], b.order[j] = b.order[j], b.order[i]
	})
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the *Batches itself.
//   - inputs: one tensor with the images batch, shaped
//     `[batch_size, height, width, 4]`.
//   - labels: for the binary task one tensor shaped `[batch_size]` with the
//     model's dtype; for multi-class one Int64 tensor shaped `[batch_size, 1]`.
func (b *Batches) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, err := b.yieldIndices()
	if err != nil {
		return nil, nil, nil, err
	}

	spec = b
	batch := make([]image.Image, 0, b.batchSize)
	batchLabels := make([]int, 0, b.batchSize)
	for _, idx := range indices {
		img, label, itemErr := b.ds.Item(idx)
		if itemErr != nil {
			return nil, nil, nil, errors.WithMessagef(itemErr, "dataset %q", b.name)
		}
		img = b.augment(img)
		img = ResizeWithPadding(img, b.width, b.height)
		batch = append(batch, img)
		batchLabels = append(batchLabels, label)
	}
	inputs = []*tensors.Tensor{b.toTensor.Batch(batch)}
	labels = []*tensors.Tensor{b.labelsTensor(batchLabels)}
	return
}

// yieldIndices picks the dataset indices of the next batch. A trailing
// partial batch is dropped, so every yielded batch has exactly batchSize
// examples.
func (b *Batches) yieldIndices() ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next+b.batchSize > len(b.order) {
		return nil, io.EOF
	}
	indices := b.order[b.next : b.next+b.batchSize]
	b.next += b.batchSize
	return indices, nil
}

func (b *Batches) augment(img image.Image) image.Image {
	if b.angleStdDev <= 0 && !b.flipRandomly {
		return img
	}
	b.mu.Lock()
	angle := b.rng.NormFloat64() * b.angleStdDev
	flip := b.flipRandomly && b.rng.Intn(2) == 1
	b.mu.Unlock()
	if b.angleStdDev > 0 {
		img = imaging.Rotate(img, angle, color.RGBA{R: 0, G: 0, B: 0, A: 255})
	}
	if flip {
		img = imaging.FlipH(img)
	}
	return img
}

func (b *Batches) labelsTensor(batchLabels []int) *tensors.Tensor {
	if b.ds.NumClasses() > 1 {
		// Sparse categorical labels, shaped [batch_size, 1].
		values := make([][]int64, len(batchLabels))
		for idx, label := range batchLabels {
			values[idx] = []int64{int64(label)}
		}
		return tensors.FromValue(values)
	}
	return tensors.FromAnyValue(shapes.CastAsDType(batchLabels, b.dtype))
}

// ResizeWithPadding resizes img to (width, height) without distorting its
// aspect ratio, centering it over transparent padding when the ratios differ.
func ResizeWithPadding(img image.Image, width, height int) image.Image {
	size := img.Bounds().Size()
	wRatio := float64(width) / float64(size.X)
	hRatio := float64(height) / float64(size.Y)

	adjustedWidth, adjustedHeight := width, height
	if wRatio < hRatio {
		adjustedHeight = int(wRatio * float64(size.Y))
	} else if hRatio < wRatio {
		adjustedWidth = int(hRatio * float64(size.X))
	}
	img = imaging.Resize(img, adjustedWidth, adjustedHeight, imaging.Lanczos)
	if adjustedWidth != width || adjustedHeight != height {
		background := image.NewRGBA(image.Rect(0, 0, width, height))
		img = imaging.PasteCenter(background, img)
	}
	return img
}
