package camtrap

import (
	"math/rand"
	"path"
	"time"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/UMassCDS/DS4CG/nacti"
)

// DType used for images and model weights.
var DType = dtypes.Float32

// Splits of the data directory, each a subdirectory with its own metadata.
var Splits = []string{"train", "val", "eval"}

// buildDatasets maps each split name to a batched loading pipeline. The
// train split is shuffled (when configured) and augmented; val and eval are
// sequential and unaugmented. When prefetching is configured, each pipeline
// decodes batches ahead of the consuming loop.
func buildDatasets(cfg Config) (map[string]train.Dataset, error) {
	if cfg.Data.Dataset == "tnc" {
		tnc := nacti.NewTNC(cfg.Data.Dir, nacti.MetadataFileName)
		_, err := tnc.Len()
		return nil, err
	}

	pipelines := make(map[string]train.Dataset, len(Splits))
	for _, split := range Splits {
		splitDir := path.Join(cfg.Data.Dir, split)
		ds, err := nacti.New(splitDir, nacti.LabelType(cfg.Data.LabelType), nil)
		if err != nil {
			return nil, errors.WithMessagef(err, "building %q split", split)
		}

		batchSize := cfg.Data.BatchSize
		var shuffle *rand.Rand
		if split == "train" {
			if cfg.Data.Shuffle {
				shuffle = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
			}
		} else {
			batchSize = cfg.Data.EvalBatchSize
		}

		batches := nacti.NewBatches(split, ds, batchSize, shuffle,
			cfg.Data.ImageSize, cfg.Data.ImageSize, DType)
		if split == "train" {
			batches.WithAugmentation(cfg.Data.Augmentation.AngleStdDev, cfg.Data.Augmentation.RandomFlips)
		}

		var pipeline train.Dataset = batches
		if cfg.Data.PrefetchBuffer > 0 {
			pipeline = data.CustomParallel(batches).Buffer(cfg.Data.PrefetchBuffer).Start()
		}
		pipelines[split] = pipeline
	}
	return pipelines, nil
}

// buildModel selects the architecture named by the config and returns its
// graph-building function with metadata.
func buildModel(cfg Config) (train.ModelFn, ModelInfo, error) {
	builder, found := modelBuilders[cfg.Model.Name]
	if !found {
		return nil, ModelInfo{}, errors.Errorf("unknown model %q, valid values are %v",
			cfg.Model.Name, ModelNames())
	}
	modelFn, info := builder(cfg)
	return modelFn, info, nil
}

// buildCriterion maps the configured criterion name to a GoMLX loss. For
// architectures with auxiliary logits the loss becomes
// primary + AuxiliaryLossWeight × auxiliary whenever the model emits the
// second output (training passes only).
func buildCriterion(cfg Config, info ModelInfo) (losses.LossFn, error) {
	var base losses.LossFn
	switch cfg.Train.Criterion {
	case "bce":
		base = losses.BinaryCrossentropyLogits
	case "ce":
		base = losses.SparseCategoricalCrossEntropyLogits
	default:
		return nil, errors.Errorf("unknown criterion %q, valid values are \"bce\" and \"ce\"",
			cfg.Train.Criterion)
	}
	if info.HasAuxLogits {
		return withAuxiliaryLoss(base, AuxiliaryLossWeight), nil
	}
	return base, nil
}

// withAuxiliaryLoss folds a second model output into the loss with a fixed
// weight. Models emit the auxiliary output on training graphs only, so
// evaluation losses see the primary head alone.
func withAuxiliaryLoss(base losses.LossFn, weight float64) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		loss := base(labels, predictions[:1])
		if len(predictions) > 1 {
			loss = Add(loss, MulScalar(base(labels, predictions[1:2]), weight))
		}
		return loss
	}
}
