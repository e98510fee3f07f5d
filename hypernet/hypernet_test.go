package hypernet

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *hyperlora.Config {
	cfg := &hyperlora.Config{
		Dim:         32,
		Layers:      4,
		Heads:       4,
		KVHeads:     2,
		VocabSize:   64,
		MaxSeqLen:   64,
		SegmentSize: 16,
		LoraRank:    4,
		HyperLayers: 2,
		CompressDim: 8,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// flatten lays out per-layer tuples layer-major, the order the forward
// graphs consume.
func flatten(tuples [][]*Node) []*Node {
	var out []*Node
	for _, tuple := range tuples {
		out = append(out, tuple...)
	}
	return out
}

func testPooled(cfg *hyperlora.Config, batchSize int) [][]float32 {
	pooled := make([][]float32, batchSize)
	for b := range pooled {
		row := make([]float32, cfg.PooledDim())
		for i := range row {
			row[i] = float32(b+1) * float32(i%7-3) * 0.1
		}
		pooled[b] = row
	}
	return pooled
}

func TestGenerateShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	gen := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(42)

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return flatten(gen.Generate(ctx, inputs[0]))
	})
	require.NoError(t, err)

	outputs := exec.MustExec(testPooled(cfg, 2))
	require.Len(t, outputs, cfg.HyperLayers*adapters.TupleSize)

	want := adapters.ExpectedShapes(cfg, 2)
	for layer := 0; layer < cfg.HyperLayers; layer++ {
		for i := 0; i < adapters.TupleSize; i++ {
			got := outputs[layer*adapters.TupleSize+i]
			assert.True(t, got.Shape().Equal(want[i]),
				"layer %d component %d: got %s, want %s", layer, i, got.Shape(), want[i])
		}
	}
}

func TestUpHeadsStartAtZero(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	gen := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(42)

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return flatten(gen.Generate(ctx, inputs[0]))
	})
	require.NoError(t, err)
	outputs := exec.MustExec(testPooled(cfg, 1))

	for layer := 0; layer < cfg.HyperLayers; layer++ {
		downSum, upSum := float32(0), float32(0)
		for _, v := range tensors.MustCopyFlatData[float32](outputs[layer*adapters.TupleSize]) {
			if v < 0 {
				v = -v
			}
			downSum += v
		}
		for _, v := range tensors.MustCopyFlatData[float32](outputs[layer*adapters.TupleSize+1]) {
			if v < 0 {
				v = -v
			}
			upSum += v
		}
		assert.NotZero(t, downSum, "layer %d down factors should be random at init", layer)
		assert.Zero(t, upSum, "layer %d up factors should start at zero", layer)
	}
}

func TestSerialMatchesParallel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	gen := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(17)

	all, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return flatten(gen.Generate(ctx, inputs[0]))
	})
	require.NoError(t, err)

	pooled := testPooled(cfg, 2)
	fromAll := all.MustExec(pooled)

	// The per-layer path shares variable scopes with the all-layers path,
	// so it must synthesize identical values from the same pooled vector.
	// The variables already exist, hence the Reuse marking.
	for layer := 0; layer < cfg.HyperLayers; layer++ {
		layer := layer
		one, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*Node) []*Node {
			return gen.GenerateLayer(ctx, inputs[0], layer)
		})
		require.NoError(t, err)
		fromOne := one.MustExec(pooled)
		require.Len(t, fromOne, adapters.TupleSize)
		for i := 0; i < adapters.TupleSize; i++ {
			wantVals := tensors.MustCopyFlatData[float32](fromAll[layer*adapters.TupleSize+i])
			gotVals := tensors.MustCopyFlatData[float32](fromOne[i])
			require.Len(t, gotVals, len(wantVals))
			for j := range wantVals {
				assert.InDelta(t, wantVals[j], gotVals[j], 1e-5,
					"layer %d component %d element %d", layer, i, j)
			}
		}
	}
}

func TestDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	gen := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(3)

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return flatten(gen.Generate(ctx, inputs[0]))
	})
	require.NoError(t, err)

	pooled := testPooled(cfg, 1)
	first := exec.MustExec(pooled)
	second := exec.MustExec(pooled)
	for i := range first {
		assert.Equal(t,
			tensors.MustCopyFlatData[float32](first[i]),
			tensors.MustCopyFlatData[float32](second[i]),
			"component %d changed between executions", i)
	}
}

func TestLayersDiffer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	gen := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(7)

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return flatten(gen.Generate(ctx, inputs[0]))
	})
	require.NoError(t, err)
	outputs := exec.MustExec(testPooled(cfg, 1))

	// Each layer has its own decoding heads: down factors differ layer to
	// layer even from the same pooled vector.
	layer0 := tensors.MustCopyFlatData[float32](outputs[0])
	layer1 := tensors.MustCopyFlatData[float32](outputs[adapters.TupleSize])
	assert.NotEqual(t, layer0, layer1)
}

func TestCommonEncoder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	cfg.CommonEncoder = true
	gen := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(11)

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return flatten(gen.Generate(ctx, inputs[0]))
	})
	require.NoError(t, err)
	outputs := exec.MustExec(testPooled(cfg, 2))
	require.Len(t, outputs, cfg.HyperLayers*adapters.TupleSize)

	want := adapters.ExpectedShapes(cfg, 2)
	for i, shape := range want {
		assert.True(t, outputs[i].Shape().Equal(shape))
	}
}

func TestSubnetCounts(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	gen := New(cfg)
	ctx := context.New()
	ctx.RngStateFromSeed(1)
	require.Zero(t, gen.Subnets())

	all, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return flatten(gen.Generate(ctx, inputs[0]))
	})
	require.NoError(t, err)
	pooled := testPooled(cfg, 1)
	all.MustExec(pooled)
	assert.Equal(t, 1, gen.Subnets(), "one subnet for an all-layers synthesis")

	all.MustExec(pooled)
	assert.Equal(t, 1, gen.Subnets(), "cached graph: no new subnet")

	gen.ResetSubnets()
	for layer := 0; layer < cfg.HyperLayers; layer++ {
		layer := layer
		one, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*Node) []*Node {
			return gen.GenerateLayer(ctx, inputs[0], layer)
		})
		require.NoError(t, err)
		one.MustExec(pooled)
	}
	assert.Equal(t, cfg.HyperLayers, gen.Subnets(), "one subnet per layer")
}
