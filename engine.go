package camtrap

import (
	"fmt"
	"io"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ParamEpoch is the context parameter under which the last trained epoch is
// saved along with checkpoints, so resumed runs pick up where they stopped.
const ParamEpoch = "epoch"

// Run is the set of operations Engine.Train and Engine.Eval drive. Engine
// itself satisfies it; tests substitute fakes to exercise the loop logic
// without a backend.
type Run interface {
	// TrainEpoch runs one pass over the training dataset and returns the
	// mean training loss, weighted by batch size.
	TrainEpoch(epoch int) (loss float64, err error)

	// Validate evaluates the model over the full validation dataset.
	Validate() (loss, accuracy float64, err error)

	// EvalBatch evaluates the model on a single batch of the eval dataset.
	EvalBatch() (loss, accuracy float64, err error)

	// SaveCheckpoint saves the model weights along with the epoch number.
	SaveCheckpoint(epoch int) error
}

// Engine owns the backend, model context, trainer and datasets for one
// experiment, identified by its tag. Create it with NewEngine and then call
// Train or Eval.
type Engine struct {
	cfg Config
	tag string
	log logr.Logger

	backend  backends.Backend
	ctx      *context.Context
	trainer  *train.Trainer
	datasets map[string]train.Dataset

	modelFn    train.ModelFn
	modelInfo  ModelInfo
	checkpoint *checkpoints.Handler
	startEpoch int

	// probExec computes per-example probabilities for ROC curves. Built
	// lazily on first use, after the checkpoint weights are loaded.
	probExec *context.Exec

	progress bool

	// run is the Run implementation driven by Train and Eval. It defaults
	// to the engine itself.
	run Run
}

var _ Run = (*Engine)(nil)

// Option configures an Engine.
type Option func(e *Engine)

// WithLogger sets the logger used by the engine. Defaults to klog.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithProgress enables a progress bar during training epochs.
func WithProgress(enabled bool) Option {
	return func(e *Engine) { e.progress = enabled }
}

// NewEngine builds the backend, datasets, model, optimizer and trainer for
// the given configuration. If a checkpoint directory for this model and tag
// already has saved weights, they are loaded and training resumes from the
// saved epoch.
func NewEngine(cfg Config, tag string, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg: cfg,
		tag: GenerateTag(tag),
		log: klog.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.run == nil {
		e.run = e
	}

	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.MustNew() })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	e.backend = backend
	e.log.Info("backend ready", "name", backend.Name(), "description", backend.Description(),
		"devices", backend.NumDevices())
	if backend.NumDevices() > 1 {
		e.log.Info("multiple accelerator devices available", "devices", backend.NumDevices())
	}
	if backend.Name() == "go" {
		e.log.Info("running on the pure-Go backend, training will be slow")
	}

	e.ctx = context.New()
	e.ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    cfg.Train.Optimizer,
		optimizers.ParamLearningRate: cfg.Train.LearningRate,
		activations.ParamActivation:  "relu",
		ParamEpoch:                   0,
	})

	e.datasets, err = buildDatasets(cfg)
	if err != nil {
		return nil, err
	}
	for _, split := range Splits {
		if sized, ok := e.datasets[split].(interface{ NumExamples() int }); ok {
			e.log.Info("dataset loaded", "split", split,
				"examples", humanize.Comma(int64(sized.NumExamples())))
		}
	}

	e.modelFn, e.modelInfo, err = buildModel(cfg)
	if err != nil {
		return nil, err
	}

	checkpointDir := cfg.Model.Checkpoint
	if checkpointDir == "" {
		checkpointDir = path.Join(cfg.Train.SaveDir, fmt.Sprintf("%s-%s", e.modelInfo.Name, e.tag))
	}
	e.checkpoint, err = checkpoints.Build(e.ctx).Dir(checkpointDir).Keep(3).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to set up checkpoints in %q", checkpointDir)
	}
	e.startEpoch = context.GetParamOr(e.ctx, ParamEpoch, 0)
	globalStep := optimizers.GetGlobalStep(e.ctx)
	if globalStep > 0 {
		e.log.Info("loaded checkpoint", "dir", e.checkpoint.Dir(),
			"epoch", e.startEpoch, "global_step", globalStep)
		e.ctx = e.ctx.Reuse()
	} else {
		e.log.Info("checkpointing model", "dir", e.checkpoint.Dir())
	}

	lossFn, err := buildCriterion(cfg, e.modelInfo)
	if err != nil {
		return nil, err
	}

	var trainMetrics, evalMetrics []metrics.Interface
	if e.modelInfo.NumClasses == 1 {
		trainMetrics = append(trainMetrics,
			metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01))
		evalMetrics = append(evalMetrics,
			metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc"))
	} else {
		trainMetrics = append(trainMetrics,
			metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01))
		evalMetrics = append(evalMetrics,
			metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc"))
	}

	err = exceptions.TryCatch[error](func() {
		e.trainer = train.NewTrainer(e.backend, e.ctx, e.modelFn,
			lossFn, optimizers.FromContext(e.ctx), trainMetrics, evalMetrics)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create trainer")
	}
	return e, nil
}

// Tag returns the tag identifying this experiment.
func (e *Engine) Tag() string { return e.tag }

// StartEpoch returns the epoch training resumes from: 0 for a fresh run, or
// the epoch recorded in the loaded checkpoint.
func (e *Engine) StartEpoch() int { return e.startEpoch }

// epochWindow returns the half-open range of epochs a training call covers.
// When the configured end does not extend past the start epoch, the window is
// pushed out by DefaultNumEpochs so resumed runs always make progress.
func epochWindow(startEpoch, numEpochs int) (first, last int) {
	if numEpochs <= startEpoch {
		numEpochs = startEpoch + DefaultNumEpochs
	}
	return startEpoch, numEpochs
}

// Train runs the configured number of epochs, validating after each one and
// checkpointing whenever the validation accuracy improves on the best seen so
// far in this call.
func (e *Engine) Train() error {
	first, last := epochWindow(e.startEpoch, e.cfg.Train.NumEpochs)
	e.log.Info("training", "model", e.modelInfo.Name, "tag", e.tag,
		"first_epoch", first, "last_epoch", last-1)

	bestAccuracy := 0.0
	for epoch := first; epoch < last; epoch++ {
		start := time.Now()
		trainLoss, err := e.run.TrainEpoch(epoch)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		valLoss, valAccuracy, err := e.run.Validate()
		if err != nil {
			return errors.WithMessagef(err, "validating epoch %d", epoch)
		}
		e.log.Info("epoch done", "epoch", epoch,
			"train_loss", fmt.Sprintf("%.4f", trainLoss),
			"val_loss", fmt.Sprintf("%.4f", valLoss),
			"val_accuracy", fmt.Sprintf("%.4f", valAccuracy),
			"elapsed", time.Since(start).Round(time.Millisecond))
		if valAccuracy > bestAccuracy {
			bestAccuracy = valAccuracy
			if err := e.run.SaveCheckpoint(epoch); err != nil {
				return errors.WithMessagef(err, "saving checkpoint at epoch %d", epoch)
			}
			e.log.Info("checkpoint saved", "epoch", epoch,
				"val_accuracy", fmt.Sprintf("%.4f", valAccuracy))
		}
	}
	e.log.Info("training done", "best_val_accuracy", fmt.Sprintf("%.4f", bestAccuracy))
	return nil
}

// Eval evaluates the model on a single batch of the eval dataset and reports
// the results.
func (e *Engine) Eval() error {
	loss, accuracy, err := e.run.EvalBatch()
	if err != nil {
		return err
	}
	e.log.Info("evaluation done", "loss", fmt.Sprintf("%.4f", loss),
		"accuracy", fmt.Sprintf("%.4f", accuracy))
	return nil
}

// TrainEpoch implements Run. It resets the training dataset and consumes it
// to exhaustion, one TrainStep per batch, accumulating the batch-size
// weighted mean loss.
func (e *Engine) TrainEpoch(epoch int) (float64, error) {
	ds := e.datasets["train"]
	ds.Reset()

	var bar *progressbar.ProgressBar
	if e.progress {
		numBatches := -1
		if sized, ok := ds.(interface{ NumBatches() int }); ok {
			numBatches = sized.NumBatches()
		}
		bar = progressbar.NewOptions(numBatches,
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
			progressbar.OptionClearOnFinish())
	}

	var mean meanAccumulator
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessage(err, "yielding training batch")
		}
		batchMetrics, err := e.trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return 0, err
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		mean.Add(shapes.ConvertTo[float64](batchMetrics[0].Value()), float64(batchSize))
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if mean.totalWeight == 0 {
		return 0, errors.New("training dataset yielded no batches")
	}
	return mean.Mean(), nil
}

// Validate implements Run. trainer.Eval already weights the mean metrics by
// batch size, so partial final batches do not skew the result.
func (e *Engine) Validate() (loss, accuracy float64, err error) {
	return e.evalDataset(e.datasets["val"])
}

// EvalBatch implements Run. It draws exactly one batch from the eval dataset
// and, for binary models with ROC enabled, also writes the ROC artifacts.
func (e *Engine) EvalBatch() (loss, accuracy float64, err error) {
	ds := e.datasets["eval"]
	ds.Reset()
	spec, inputs, labels, err := ds.Yield()
	if err != nil {
		return 0, 0, errors.WithMessage(err, "yielding eval batch")
	}

	if e.modelInfo.NumClasses == 1 && e.cfg.Eval.UseROC {
		if err := e.saveROC(inputs[0], labels[0]); err != nil {
			return 0, 0, err
		}
	}

	return e.evalDataset(&replayDataset{
		name:   ds.Name(),
		spec:   spec,
		inputs: inputs,
		labels: labels,
	})
}

// SaveCheckpoint implements Run. The epoch is stored as a context parameter
// so it is serialized together with the weights.
func (e *Engine) SaveCheckpoint(epoch int) error {
	e.ctx.SetParam(ParamEpoch, epoch)
	return e.checkpoint.Save()
}

// evalDataset runs trainer.Eval over ds and extracts the loss and accuracy
// metrics by their short names.
func (e *Engine) evalDataset(ds train.Dataset) (loss, accuracy float64, err error) {
	ds.Reset()
	var values []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		var evalErr error
		values, evalErr = e.trainer.Eval(ds)
		if evalErr != nil {
			exceptions.Panicf("evaluating %q: %v", ds.Name(), evalErr)
		}
	})
	if err != nil {
		return 0, 0, err
	}
	for ii, metric := range e.trainer.EvalMetrics() {
		value := shapes.ConvertTo[float64](values[ii].Value())
		switch metric.ShortName() {
		case "#loss":
			loss = value
		case "#acc":
			accuracy = value
		}
	}
	return loss, accuracy, nil
}

// saveROC computes sigmoid probabilities for the batch and writes the ROC
// curve artifacts under the configured directory.
func (e *Engine) saveROC(images, labels *tensors.Tensor) error {
	if e.probExec == nil {
		e.probExec = context.NewExec(e.backend, e.ctx.Reuse(),
			func(ctx *context.Context, images *graph.Node) *graph.Node {
				g := images.Graph()
				ctx.SetTraining(g, false)
				return graph.Sigmoid(e.modelFn(ctx, nil, []*graph.Node{images})[0])
			})
	}
	var probs *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		probs = e.probExec.Call(images)[0]
	})
	if err != nil {
		return errors.WithMessage(err, "computing eval batch probabilities")
	}
	scores := flattenToFloat64(probs)
	truth := flattenToFloat64(labels)
	roc, err := NewROC(truth, scores)
	if err != nil {
		return err
	}
	return roc.Save(e.cfg.Eval.ROCDir, e.tag)
}

// meanAccumulator keeps a weighted running mean.
type meanAccumulator struct {
	weightedSum, totalWeight float64
}

func (a *meanAccumulator) Add(value, weight float64) {
	a.weightedSum += value * weight
	a.totalWeight += weight
}

func (a *meanAccumulator) Mean() float64 {
	if a.totalWeight == 0 {
		return 0
	}
	return a.weightedSum / a.totalWeight
}

// replayDataset re-yields one already-materialized batch and then reports
// io.EOF, so trainer.Eval sees a one-batch dataset.
type replayDataset struct {
	name           string
	spec           any
	inputs, labels []*tensors.Tensor
	done           bool
}

var _ train.Dataset = (*replayDataset)(nil)

func (r *replayDataset) Name() string { return r.name }

func (r *replayDataset) Reset() { r.done = false }

func (r *replayDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if r.done {
		return nil, nil, nil, io.EOF
	}
	r.done = true
	return r.spec, r.inputs, r.labels, nil
}

// flattenToFloat64 flattens a float32 tensor of rank 1 or 2 to a flat
// float64 slice.
func flattenToFloat64(t *tensors.Tensor) []float64 {
	var flat []float64
	switch v := t.Value().(type) {
	case []float32:
		flat = make([]float64, len(v))
		for ii, x := range v {
			flat[ii] = float64(x)
		}
	case [][]float32:
		for _, row := range v {
			for _, x := range row {
				flat = append(flat, float64(x))
			}
		}
	default:
		exceptions.Panicf("cannot flatten tensor of shape %s to float64", t.Shape())
	}
	return flat
}
