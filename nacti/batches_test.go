package nacti

import (
	"image"
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchesYieldShapes(t *testing.T) {
	dataDir := writeTestDataset(t, []testEntry{
		{"a.png", 1}, {"b.png", 16}, {"c.png", 1}, {"d.png", 68}, {"e.png", 1},
	}, true)
	ds, err := New(dataDir, LabelBinary, nil)
	require.NoError(t, err)

	// Sequential order (no shuffle), 5 examples at batch size 2: two full
	// batches, the trailing example is dropped.
	batches := NewBatches("test", ds, 2, nil, 16, 16, dtypes.Float32)
	assert.Equal(t, "test", batches.Name())
	assert.Equal(t, 5, batches.NumExamples())
	assert.Equal(t, 2, batches.NumBatches())

	spec, inputs, labels, err := batches.Yield()
	require.NoError(t, err)
	assert.Same(t, batches, spec)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{2, 16, 16, 4}, inputs[0].Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, inputs[0].Shape().DType)
	assert.Equal(t, []int{2}, labels[0].Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, labels[0].Shape().DType)
	assert.Equal(t, []float32{1, 0}, labels[0].Value())

	_, _, labels, err = batches.Yield()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, labels[0].Value())

	_, _, _, err = batches.Yield()
	assert.Equal(t, io.EOF, err)

	// Reset restarts the epoch.
	batches.Reset()
	_, _, labels, err = batches.Yield()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, labels[0].Value())
}

func TestBatchesMultiClassLabels(t *testing.T) {
	dataDir := writeTestDataset(t, []testEntry{
		{"a.png", 33}, {"b.png", 1}, {"c.png", 16}, {"d.png", 33},
	}, true)
	ds, err := New(dataDir, LabelMulti, nil)
	require.NoError(t, err)

	batches := NewBatches("test", ds, 4, nil, 8, 8, dtypes.Float32)
	_, _, labels, err := batches.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1}, labels[0].Shape().Dimensions)
	assert.Equal(t, dtypes.Int64, labels[0].Shape().DType)
	assert.Equal(t, [][]int64{{2}, {0}, {1}, {2}}, labels[0].Value())
}

func TestBatchesShuffleKeepsLabelsAligned(t *testing.T) {
	entries := []testEntry{
		{"a.png", 1}, {"b.png", 16}, {"c.png", 1}, {"d.png", 16},
		{"e.png", 1}, {"f.png", 16},
	}
	dataDir := writeTestDataset(t, entries, true)
	ds, err := New(dataDir, LabelBinary, nil)
	require.NoError(t, err)

	batches := NewBatches("test", ds, 6, rand.New(rand.NewSource(7)), 8, 8, dtypes.Float32)
	for epoch := 0; epoch < 3; epoch++ {
		batches.Reset()
		_, _, labels, err := batches.Yield()
		require.NoError(t, err)
		// Whatever the visit order, each epoch sees three of each label.
		var ones float32
		for _, label := range labels[0].Value().([]float32) {
			ones += label
		}
		assert.Equal(t, float32(3), ones)
	}
}

func TestBatchesAugmentationKeepsShape(t *testing.T) {
	dataDir := writeTestDataset(t, []testEntry{{"a.png", 1}, {"b.png", 16}}, true)
	ds, err := New(dataDir, LabelBinary, nil)
	require.NoError(t, err)

	batches := NewBatches("test", ds, 2, nil, 12, 12, dtypes.Float32).
		WithAugmentation(15.0, true)
	_, inputs, _, err := batches.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12, 12, 4}, inputs[0].Shape().Dimensions)
}

func TestResizeWithPadding(t *testing.T) {
	wide := image.NewRGBA(image.Rect(0, 0, 20, 10))
	resized := ResizeWithPadding(wide, 16, 16)
	assert.Equal(t, image.Pt(16, 16), resized.Bounds().Size())

	tall := image.NewRGBA(image.Rect(0, 0, 10, 20))
	resized = ResizeWithPadding(tall, 16, 16)
	assert.Equal(t, image.Pt(16, 16), resized.Bounds().Size())

	exact := image.NewRGBA(image.Rect(0, 0, 16, 16))
	resized = ResizeWithPadding(exact, 16, 16)
	assert.Equal(t, image.Pt(16, 16), resized.Bounds().Size())
}
