package camtrap

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UMassCDS/DS4CG/nacti"
)

func TestModelNames(t *testing.T) {
	assert.Equal(t, []string{"cnn", "inception3", "resnet18"}, ModelNames())
}

func TestBuildModelInfo(t *testing.T) {
	cfg, err := LoadConfig("resnet18")
	require.NoError(t, err)
	modelFn, info, err := buildModel(cfg)
	require.NoError(t, err)
	assert.NotNil(t, modelFn)
	assert.Equal(t, "resnet18", info.Name)
	assert.Equal(t, 1, info.NumClasses)
	assert.False(t, info.HasAuxLogits)

	cfg, err = LoadConfig("inception3")
	require.NoError(t, err)
	_, info, err = buildModel(cfg)
	require.NoError(t, err)
	assert.Equal(t, 57, info.NumClasses)
	assert.True(t, info.HasAuxLogits)

	cfg.Model.Name = "vit"
	_, _, err = buildModel(cfg)
	require.ErrorContains(t, err, "unknown model")
}

func TestBuildCriterion(t *testing.T) {
	cfg, err := LoadConfig("resnet18")
	require.NoError(t, err)
	lossFn, err := buildCriterion(cfg, ModelInfo{Name: "resnet18", NumClasses: 1})
	require.NoError(t, err)
	assert.NotNil(t, lossFn)

	cfg.Train.Criterion = "ce"
	lossFn, err = buildCriterion(cfg, ModelInfo{Name: "inception3", NumClasses: 57, HasAuxLogits: true})
	require.NoError(t, err)
	assert.NotNil(t, lossFn)

	cfg.Train.Criterion = "hinge"
	_, err = buildCriterion(cfg, ModelInfo{})
	require.ErrorContains(t, err, "unknown criterion")
}

// writeSplit creates one NACTI-style split directory with tiny PNGs.
func writeSplit(t *testing.T, baseDir, split string, categories []int) {
	t.Helper()
	splitDir := path.Join(baseDir, split)
	require.NoError(t, os.MkdirAll(splitDir, 0777))

	metadataJSON := `{"images": [`
	for idx := range categories {
		if idx > 0 {
			metadataJSON += ", "
		}
		metadataJSON += fmt.Sprintf("{\"file_name\": \"img%d.png\"}", idx)
	}
	metadataJSON += `], "annotations": [`
	for idx, category := range categories {
		if idx > 0 {
			metadataJSON += ", "
		}
		metadataJSON += fmt.Sprintf("{\"category_id\": %d}", category)
	}
	metadataJSON += `]}`
	require.NoError(t, os.WriteFile(
		path.Join(splitDir, nacti.MetadataFileName), []byte(metadataJSON), 0644))

	for idx := range categories {
		img := image.NewRGBA(image.Rect(0, 0, 8, 6))
		for x := 0; x < 8; x++ {
			for y := 0; y < 6; y++ {
				img.Set(x, y, color.RGBA{R: uint8(40 * idx), G: uint8(30 * x), B: uint8(40 * y), A: 255})
			}
		}
		f, err := os.Create(path.Join(splitDir, fmt.Sprintf("img%d.png", idx)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

func TestBuildDatasets(t *testing.T) {
	dataDir := t.TempDir()
	writeSplit(t, dataDir, "train", []int{1, 16, 1, 16})
	writeSplit(t, dataDir, "val", []int{1, 16})
	writeSplit(t, dataDir, "eval", []int{16, 1})

	cfg, err := LoadConfig("resnet18")
	require.NoError(t, err)
	cfg.Data.Dir = dataDir
	cfg.Data.ImageSize = 8
	cfg.Data.BatchSize = 2
	cfg.Data.EvalBatchSize = 2
	cfg.Data.PrefetchBuffer = 0

	datasets, err := buildDatasets(cfg)
	require.NoError(t, err)
	require.Len(t, datasets, len(Splits))
	for _, split := range Splits {
		require.Contains(t, datasets, split)
	}

	_, inputs, labels, err := datasets["val"].Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 4}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []float32{1, 0}, labels[0].Value())
}

func TestBuildDatasetsTNC(t *testing.T) {
	cfg, err := LoadConfig("resnet18")
	require.NoError(t, err)
	cfg.Data.Dataset = "tnc"

	_, err = buildDatasets(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nacti.ErrNotImplemented))
}
