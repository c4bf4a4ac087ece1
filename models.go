package camtrap

import (
	"sort"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train"
	"golang.org/x/exp/maps"
)

// ModelInfo describes a built model: its registry name, the number of output
// classes (1 for single-logit binary models) and whether the architecture
// emits auxiliary logits during training, which the criterion must fold into
// the loss.
type ModelInfo struct {
	Name         string
	NumClasses   int
	HasAuxLogits bool
}

type modelBuilder func(cfg Config) (train.ModelFn, ModelInfo)

// modelBuilders maps a model name, as selected by the `model.name` config
// entry, to its builder.
var modelBuilders = map[string]modelBuilder{
	"cnn":        newCNN,
	"resnet18":   newResNet18,
	"inception3": newInception3,
}

// ModelNames lists the registered architectures, sorted.
func ModelNames() []string {
	names := maps.Keys(modelBuilders)
	sort.Strings(names)
	return names
}

// newCNN builds a plain convolutional stack with an FNN readout, the baseline
// for the binary empty-frame task.
func newCNN(cfg Config) (train.ModelFn, ModelInfo) {
	info := ModelInfo{Name: "cnn", NumClasses: cfg.Model.NumClasses}
	numClasses := cfg.Model.NumClasses
	fn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		images := inputs[0]
		batchSize := images.Shape().Dimensions[0]
		logits := images
		numChannels := 16
		imgSize := logits.Shape().Dimensions[1]
		for convIdx := range 5 {
			ctx := ctx.Inf("%03d_conv", convIdx)
			residual := logits
			logits = layers.Convolution(ctx, logits).Channels(numChannels).KernelSize(3).PadSame().Done()
			logits = batchnorm.New(ctx, logits, -1).Done()
			logits = activations.ApplyFromContext(ctx, logits)
			if residual.Shape().Equal(logits.Shape()) {
				logits = Add(logits, residual)
			}
			if imgSize > 8 {
				logits = MaxPool(logits).Window(2).Strides(2).PadSame().Done()
				imgSize = logits.Shape().Dimensions[1]
			}
		}
		logits = Reshape(logits, batchSize, -1)
		logits = fnn.New(ctx.In("readout"), logits, numClasses).Done()
		logits.AssertDims(batchSize, numClasses)
		return []*Node{logits}
	}
	return fn, info
}

// newResNet18 builds a residual CNN: four stages of two residual blocks each,
// 3x3 convolutions with batch normalization, downsampling by max-pooling
// between stages and a global mean-pool before the readout.
func newResNet18(cfg Config) (train.ModelFn, ModelInfo) {
	info := ModelInfo{Name: "resnet18", NumClasses: cfg.Model.NumClasses}
	numClasses := cfg.Model.NumClasses
	fn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		images := inputs[0]
		batchSize := images.Shape().Dimensions[0]

		x := layers.Convolution(ctx.In("stem"), images).Channels(64).KernelSize(3).PadSame().Done()
		x = batchnorm.New(ctx.In("stem"), x, -1).Done()
		x = activations.ApplyFromContext(ctx.In("stem"), x)

		for stageIdx, filters := range []int{64, 128, 256, 512} {
			ctx := ctx.Inf("stage_%d", stageIdx)
			if stageIdx > 0 {
				x = MaxPool(x).Window(2).Strides(2).PadSame().Done()
			}
			for blockIdx := range 2 {
				x = residualBlock(ctx.Inf("block_%d", blockIdx), x, filters)
			}
		}

		// Global average over the spatial axes.
		x = ReduceMean(x, 1, 2)
		logits := fnn.New(ctx.In("readout"), x, numClasses).NumHiddenLayers(0, 0).Done()
		logits.AssertDims(batchSize, numClasses)
		return []*Node{logits}
	}
	return fn, info
}

func residualBlock(ctx *context.Context, x *Node, filters int) *Node {
	residual := x
	x = layers.Convolution(ctx.In("conv_a"), x).Channels(filters).KernelSize(3).PadSame().Done()
	x = batchnorm.New(ctx.In("conv_a"), x, -1).Done()
	x = activations.ApplyFromContext(ctx.In("conv_a"), x)
	x = layers.Convolution(ctx.In("conv_b"), x).Channels(filters).KernelSize(3).PadSame().Done()
	x = batchnorm.New(ctx.In("conv_b"), x, -1).Done()
	if !residual.Shape().Equal(x.Shape()) {
		// Channel counts differ at stage boundaries: project the shortcut.
		residual = layers.Convolution(ctx.In("shortcut"), residual).Channels(filters).KernelSize(1).PadSame().Done()
	}
	return activations.ApplyFromContext(ctx, Add(x, residual))
}
