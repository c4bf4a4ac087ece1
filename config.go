// Package camtrap is a training/evaluation harness for camera-trap image
// classifiers built on GoMLX. It wires the NACTI dataset adapters, a small
// registry of convolutional architectures, optimizers and loss criteria
// behind an Engine that runs epoch loops, validation, best-checkpoint saving
// and single-batch evaluation with optional ROC export.
package camtrap

import (
	"embed"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/UMassCDS/DS4CG/nacti"
)

//go:embed configs/*.yaml
var embeddedConfigs embed.FS

// DefaultNumEpochs is used when the train section leaves num_epochs unset.
const DefaultNumEpochs = 50

// Config is the immutable configuration of one run, loaded once and passed by
// value to each builder.
type Config struct {
	Data  DataConfig  `yaml:"data"`
	Model ModelConfig `yaml:"model"`
	Train TrainConfig `yaml:"train"`
	Eval  EvalConfig  `yaml:"eval"`
}

// AugmentationConfig controls training-time image augmentation.
type AugmentationConfig struct {
	// AngleStdDev is the standard deviation, in degrees, of the random
	// rotation applied to training images. 0 disables rotation.
	AngleStdDev float64 `yaml:"angle_stddev"`
	// RandomFlips enables random horizontal flips.
	RandomFlips bool `yaml:"random_flips"`
}

// DataConfig is the `data` section: dataset selection and loading pipeline.
type DataConfig struct {
	// Dataset is "nacti" or "tnc" (the latter is a placeholder).
	Dataset string `yaml:"dataset"`
	// Dir holds one subdirectory per split ("train", "val", "eval"), each
	// with its images and metadata file.
	Dir       string `yaml:"dir"`
	LabelType string `yaml:"label_type"`
	// ImageSize is the width and height images are resized to.
	ImageSize     int  `yaml:"image_size"`
	BatchSize     int  `yaml:"batch_size"`
	EvalBatchSize int  `yaml:"eval_batch_size"`
	Shuffle       bool `yaml:"shuffle"`

	Augmentation AugmentationConfig `yaml:"augmentation"`

	// PrefetchBuffer is the number of batches decoded ahead of the training
	// loop, 0 disables prefetching.
	PrefetchBuffer int `yaml:"prefetch_buffer"`
}

// ModelConfig is the `model` section: architecture selection and checkpoint.
type ModelConfig struct {
	Name string `yaml:"name"`
	// NumClasses is 1 for binary (single-logit) models, otherwise the size
	// of the class set.
	NumClasses int `yaml:"num_classes"`
	// Checkpoint overrides the checkpoint directory derived from
	// train.save_dir, the model name and the run tag.
	Checkpoint string `yaml:"checkpoint"`
}

// TrainConfig is the `train` section.
type TrainConfig struct {
	NumEpochs    int     `yaml:"num_epochs"`
	SaveDir      string  `yaml:"save_dir"`
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	// Criterion is "bce" (binary cross-entropy on logits) or "ce" (sparse
	// categorical cross-entropy on logits).
	Criterion string `yaml:"criterion"`
}

// EvalConfig is the `eval` section.
type EvalConfig struct {
	// UseROC exports an ROC artifact after binary evaluation.
	UseROC bool   `yaml:"use_roc"`
	ROCDir string `yaml:"roc_dir"`
}

var validOptimizers = []string{"adam", "adamax", "adamw", "sgd"}

// LoadConfig resolves name to an embedded preset (see ListConfigs) or, when
// it names an existing file, to a YAML document on disk. The result is
// validated before any data is touched.
func LoadConfig(name string) (Config, error) {
	var contents []byte
	var err error
	if embedded, embErr := embeddedConfigs.ReadFile(path.Join("configs", name+".yaml")); embErr == nil {
		contents = embedded
	} else if data.FileExists(data.ReplaceTildeInDir(name)) {
		contents, err = os.ReadFile(data.ReplaceTildeInDir(name))
		if err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config file %q", name)
		}
	} else {
		return Config{}, errors.Errorf(
			"unknown config %q: not a preset (valid presets are %s) and no such file",
			name, strings.Join(ListConfigs(), ", "))
	}

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(contents)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %q", name)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, errors.WithMessagef(err, "invalid config %q", name)
	}
	return cfg, nil
}

// ListConfigs returns the names of the embedded presets, sorted.
func ListConfigs() []string {
	entries, err := embeddedConfigs.ReadDir("configs")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

func (c *Config) applyDefaults() {
	if c.Train.NumEpochs == 0 {
		c.Train.NumEpochs = DefaultNumEpochs
	}
	if c.Train.SaveDir == "" {
		c.Train.SaveDir = "checkpoints"
	}
	if c.Data.EvalBatchSize == 0 {
		c.Data.EvalBatchSize = c.Data.BatchSize
	}
	c.Data.Dir = data.ReplaceTildeInDir(c.Data.Dir)
}

func (c *Config) validate() error {
	switch c.Data.Dataset {
	case "nacti", "tnc":
	case "":
		return errors.New("data section is missing or has no dataset")
	default:
		return errors.Errorf("unknown dataset %q, valid values are \"nacti\" and \"tnc\"", c.Data.Dataset)
	}
	switch nacti.LabelType(c.Data.LabelType) {
	case nacti.LabelBinary, nacti.LabelMulti:
	default:
		return errors.Errorf("unknown label type %q, valid values are %q and %q",
			c.Data.LabelType, nacti.LabelBinary, nacti.LabelMulti)
	}
	if c.Data.BatchSize <= 0 {
		return errors.Errorf("data.batch_size must be positive, got %d", c.Data.BatchSize)
	}
	if c.Data.ImageSize <= 0 {
		return errors.Errorf("data.image_size must be positive, got %d", c.Data.ImageSize)
	}
	if _, found := modelBuilders[c.Model.Name]; !found {
		return errors.Errorf("unknown model %q, valid values are %s",
			c.Model.Name, strings.Join(ModelNames(), ", "))
	}
	if c.Model.NumClasses < 1 {
		return errors.Errorf("model.num_classes must be >= 1, got %d", c.Model.NumClasses)
	}
	optimizerKnown := false
	for _, name := range validOptimizers {
		optimizerKnown = optimizerKnown || name == c.Train.Optimizer
	}
	if !optimizerKnown {
		return errors.Errorf("unknown optimizer %q, valid values are %s",
			c.Train.Optimizer, strings.Join(validOptimizers, ", "))
	}
	switch c.Train.Criterion {
	case "bce":
		if c.Model.NumClasses != 1 {
			return errors.Errorf("criterion \"bce\" requires a single-logit model, got num_classes=%d",
				c.Model.NumClasses)
		}
	case "ce":
		if c.Model.NumClasses < 2 {
			return errors.Errorf("criterion \"ce\" requires num_classes >= 2, got %d", c.Model.NumClasses)
		}
	default:
		return errors.Errorf("unknown criterion %q, valid values are \"bce\" and \"ce\"", c.Train.Criterion)
	}
	return nil
}
