package camtrap

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train"
)

// AuxiliaryLossWeight is the fixed weight of the auxiliary classifier's loss
// term during training.
const AuxiliaryLossWeight = 0.4

// newInception3 builds an inception-style trunk: blocks of parallel 1x1, 3x3
// and 5x5 convolution branches concatenated on the channel axis, plus an
// auxiliary classifier head branching off mid-trunk. The auxiliary logits are
// emitted as a second output during training only; inference sees the final
// head alone.
func newInception3(cfg Config) (train.ModelFn, ModelInfo) {
	info := ModelInfo{Name: "inception3", NumClasses: cfg.Model.NumClasses, HasAuxLogits: true}
	numClasses := cfg.Model.NumClasses
	fn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		images := inputs[0]
		g := images.Graph()
		batchSize := images.Shape().Dimensions[0]

		// Stem.
		x := layers.Convolution(ctx.In("stem_a"), images).Channels(32).KernelSize(3).PadSame().Done()
		x = activations.ApplyFromContext(ctx.In("stem_a"), x)
		x = MaxPool(x).Window(2).Strides(2).PadSame().Done()
		x = layers.Convolution(ctx.In("stem_b"), x).Channels(64).KernelSize(3).PadSame().Done()
		x = activations.ApplyFromContext(ctx.In("stem_b"), x)
		x = MaxPool(x).Window(2).Strides(2).PadSame().Done()

		var auxLogits *Node
		for blockIdx, filters := range []int{64, 128, 256, 256} {
			ctx := ctx.Inf("inception_%d", blockIdx)
			x = inceptionBlock(ctx, x, filters)
			x = MaxPool(x).Window(2).Strides(2).PadSame().Done()
			if blockIdx == 1 {
				// Mid-trunk auxiliary classifier.
				auxLogits = auxiliaryHead(ctx.In("aux"), x, numClasses)
			}
		}

		x = ReduceMean(x, 1, 2)
		logits := fnn.New(ctx.In("readout"), x, numClasses).NumHiddenLayers(0, 0).Done()
		logits.AssertDims(batchSize, numClasses)

		if ctx.IsTraining(g) {
			return []*Node{logits, auxLogits}
		}
		return []*Node{logits}
	}
	return fn, info
}

// inceptionBlock concatenates four branches on the channel axis: 1x1, 1x1→3x3,
// 1x1→two 3x3 (a cheap 5x5) and 3x3-maxpool→1x1. Branch widths add up to
// filters.
func inceptionBlock(ctx *context.Context, x *Node, filters int) *Node {
	b1 := layers.Convolution(ctx.In("branch1x1"), x).Channels(filters/4).KernelSize(1).PadSame().Done()
	b1 = activations.ApplyFromContext(ctx.In("branch1x1"), b1)

	b3 := layers.Convolution(ctx.In("branch3x3_reduce"), x).Channels(filters/4).KernelSize(1).PadSame().Done()
	b3 = activations.ApplyFromContext(ctx.In("branch3x3_reduce"), b3)
	b3 = layers.Convolution(ctx.In("branch3x3"), b3).Channels(filters/2).KernelSize(3).PadSame().Done()
	b3 = activations.ApplyFromContext(ctx.In("branch3x3"), b3)

	b5 := layers.Convolution(ctx.In("branch5x5_reduce"), x).Channels(filters/8).KernelSize(1).PadSame().Done()
	b5 = activations.ApplyFromContext(ctx.In("branch5x5_reduce"), b5)
	b5 = layers.Convolution(ctx.In("branch5x5_a"), b5).Channels(filters/8).KernelSize(3).PadSame().Done()
	b5 = layers.Convolution(ctx.In("branch5x5_b"), b5).Channels(filters/8).KernelSize(3).PadSame().Done()
	b5 = activations.ApplyFromContext(ctx.In("branch5x5_b"), b5)

	pool := MaxPool(x).Window(3).Strides(1).PadSame().Done()
	pool = layers.Convolution(ctx.In("branch_pool"), pool).Channels(filters/8).KernelSize(1).PadSame().Done()
	pool = activations.ApplyFromContext(ctx.In("branch_pool"), pool)

	return Concatenate([]*Node{b1, b3, b5, pool}, -1)
}

// auxiliaryHead is the mid-trunk classifier: pool, 1x1 bottleneck, readout.
func auxiliaryHead(ctx *context.Context, x *Node, numClasses int) *Node {
	x = MeanPool(x).Window(3).Strides(2).PadSame().Done()
	x = layers.Convolution(ctx.In("bottleneck"), x).Channels(128).KernelSize(1).PadSame().Done()
	x = activations.ApplyFromContext(ctx.In("bottleneck"), x)
	x = ReduceMean(x, 1, 2)
	return fnn.New(ctx.In("readout"), x, numClasses).NumHiddenLayers(0, 0).Done()
}
