// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package llama

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention/pos"
	"github.com/gomlx/hyperlora"
)

// retrievalEpsilon guards the compressive-store denominator. The stores
// start empty, making retrieval exactly zero until the first fold.
const retrievalEpsilon = 1e-8

// Chunk bundles the chunk-wide nodes shared by every block of a forward.
type Chunk struct {
	Positions *Node // (chunkLen) int32, absolute
	WindowLen *Node // scalar int32: append offset into the window
	AttnMask  *Node // additive (1, chunkLen, 1, bound)
	FoldMask  *Node // (batch, bound): prompt-ness of the folded window
	Fold      bool
}

// Block is one decoder layer: segment-compressive attention followed by a
// SwiGLU feed-forward, both pre-normalized with RMSNorm. Blocks in the
// hyper-adapted partition additionally take a six-component LoRA tuple.
type Block struct {
	cfg  *hyperlora.Config
	idx  int
	rope *pos.RoPE
}

// Index returns the block's absolute position in the layer stack.
func (b *Block) Index() int { return b.idx }

// Apply runs the block over one chunk. state holds the layer's carried
// tensors in segment.State Flat order; lora is the six-component
// parameter tuple in target order, or nil to run the layer unadapted.
// It returns the transformed hidden states and the updated state nodes.
func (b *Block) Apply(ctx *context.Context, h *Node, chunk *Chunk, state, lora []*Node) (*Node, []*Node) {
	normed := layers.RMSNorm(ctx.In("attention_norm"), h).WithEpsilon(b.cfg.NormEps).Done()
	attnOut, newState := b.attention(ctx.In("attention"), normed, chunk, state, lora)
	h = Add(h, attnOut)

	normed = layers.RMSNorm(ctx.In("ffn_norm"), h).WithEpsilon(b.cfg.NormEps).Done()
	h = Add(h, b.feedForward(ctx.In("feed_forward"), normed))
	return h, newState
}

// elu1 is the compressive-attention kernel σ(x) = ELU(x)+1: x+1 where
// x >= 0, exp(x) elsewhere. Strictly positive, so accumulated norm terms
// grow monotonically.
func elu1(x *Node) *Node {
	return Where(GreaterOrEqual(x, ZerosLike(x)), OnePlus(x), Exp(x))
}

// loraDelta computes the low-rank update (x·down)·up for one projection,
// with per-sequence factors: x (batch, chunkLen, dim), down (batch, dim,
// rank), up (batch, rank, width).
func loraDelta(x, down, up *Node) *Node {
	compressed := Einsum("bld,bdr->blr", x, down)
	return Einsum("blr,brw->blw", compressed, up)
}

// project applies one named projection with its optional LoRA update.
func (b *Block) project(ctx *context.Context, name string, x *Node, width int, factors []*Node) *Node {
	out := layers.Dense(ctx.In(name), x, b.cfg.UseBias, width)
	if factors != nil {
		out = Add(out, loraDelta(x, factors[0], factors[1]))
	}
	return out
}

// loraByTarget splits the flat tuple into per-target factor pairs, in
// configuration order.
func (b *Block) loraByTarget(lora []*Node) map[string][]*Node {
	if lora == nil {
		return nil
	}
	byTarget := make(map[string][]*Node, len(lora)/2)
	for i, target := range b.cfg.Targets() {
		byTarget[target] = lora[2*i : 2*i+2]
	}
	return byTarget
}

func (b *Block) attention(ctx *context.Context, x *Node, chunk *Chunk, state, lora []*Node) (*Node, []*Node) {
	cfg := b.cfg
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	chunkLen := x.Shape().Dimensions[1]
	headDim := cfg.HeadDim()
	factors := b.loraByTarget(lora)

	xq := b.project(ctx, "wq", x, cfg.Dim, factors["Q"])
	xk := b.project(ctx, "wk", x, cfg.KVDim(), factors["K"])
	xv := b.project(ctx, "wv", x, cfg.KVDim(), factors["V"])
	xq = Reshape(xq, batchSize, chunkLen, cfg.Heads, headDim)
	xk = Reshape(xk, batchSize, chunkLen, cfg.KVHeads, headDim)
	xv = Reshape(xv, batchSize, chunkLen, cfg.KVHeads, headDim)

	xq = b.rope.Apply(xq, chunk.Positions, 1)
	xk = b.rope.Apply(xk, chunk.Positions, 1)

	windowK, windowV := state[0], state[1]
	long, query := state[2], state[3]
	longNorm, queryNorm := state[4], state[5]

	if chunk.Fold {
		// Segment rollover: absorb the full window into the stores. The
		// long store takes every position, the query store only prompt
		// positions.
		sigmaK := elu1(windowK)
		long = Add(long, Einsum("bske,bskf->bkef", sigmaK, windowV))
		longNorm = Add(longNorm, ReduceSum(sigmaK, 1))
		promptSigmaK := Mul(sigmaK, InsertAxes(chunk.FoldMask, -1, -1))
		query = Add(query, Einsum("bske,bskf->bkef", promptSigmaK, windowV))
		queryNorm = Add(queryNorm, ReduceSum(promptSigmaK, 1))
		windowK = ZerosLike(windowK)
		windowV = ZerosLike(windowV)
	}

	// Retrieval reads the stores as they stand after any fold: they cover
	// exactly the segments before the current one.
	aLong := b.retrieve(xq, long, longNorm)
	aQuery := b.retrieve(xq, query, queryNorm)

	zero := Const(g, int32(0))
	offsets := []*Node{zero, chunk.WindowLen, zero, zero}
	windowK = DynamicUpdateSlice(windowK, xk, offsets)
	windowV = DynamicUpdateSlice(windowV, xv, offsets)

	keys := b.expandKVHeads(windowK)
	values := b.expandKVHeads(windowV)
	scores := Einsum("bqhd,bkhd->bqhk", xq, keys)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))
	scores = Add(scores, chunk.AttnMask)
	weights := Softmax(scores, -1)
	aLocal := Einsum("bqhk,bkhd->bqhd", weights, values)

	// Learned per-head blend: first between the two stores, then between
	// memory and local attention. Zero-initialized gates start balanced.
	beta := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("memory_gate", shapes.Make(cfg.DType, cfg.Heads)).ValueGraph(g)
	gamma := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("store_gate", shapes.Make(cfg.DType, cfg.Heads)).ValueGraph(g)
	sBeta := InsertAxes(Sigmoid(beta), 0, 0, -1)
	sGamma := InsertAxes(Sigmoid(gamma), 0, 0, -1)
	aMem := Add(Mul(sGamma, aLong), Mul(OneMinus(sGamma), aQuery))
	blended := Add(Mul(sBeta, aMem), Mul(OneMinus(sBeta), aLocal))

	merged := Reshape(blended, batchSize, chunkLen, cfg.Dim)
	out := b.project(ctx, "wo", merged, cfg.Dim, factors["O"])
	return out, []*Node{windowK, windowV, long, query, longNorm, queryNorm}
}

// retrieve reads a compressive store: (σ(Q)·M) / (σ(Q)·z + ε), each query
// head addressing its KV group's store.
func (b *Block) retrieve(q, store, norm *Node) *Node {
	cfg := b.cfg
	dims := q.Shape().Dimensions
	group := cfg.Heads / cfg.KVHeads
	grouped := Reshape(elu1(q), dims[0], dims[1], cfg.KVHeads, group, dims[3])
	num := Einsum("blkge,bkef->blkgf", grouped, store)
	den := AddScalar(Einsum("blkge,bke->blkg", grouped, norm), retrievalEpsilon)
	att := Div(num, InsertAxes(den, -1))
	return Reshape(att, dims[0], dims[1], cfg.Heads, dims[3])
}

// expandKVHeads repeats each KV head to cover its query group, turning
// (batch, seq, kvHeads, headDim) into (batch, seq, heads, headDim).
func (b *Block) expandKVHeads(x *Node) *Node {
	cfg := b.cfg
	group := cfg.Heads / cfg.KVHeads
	if group == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	expanded := InsertAxes(x, 3)
	expanded = BroadcastToShape(expanded,
		shapes.Make(x.DType(), dims[0], dims[1], cfg.KVHeads, group, dims[3]))
	return Reshape(expanded, dims[0], dims[1], cfg.Heads, dims[3])
}

func (b *Block) feedForward(ctx *context.Context, x *Node) *Node {
	cfg := b.cfg
	gated := activations.Swish(layers.Dense(ctx.In("w1"), x, cfg.UseBias, cfg.FFNDim))
	up := layers.Dense(ctx.In("w3"), x, cfg.UseBias, cfg.FFNDim)
	return layers.Dense(ctx.In("w2"), Mul(gated, up), cfg.UseBias, cfg.Dim)
}
