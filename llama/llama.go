// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package llama builds the forward graphs of a LLaMA-family decoder with
// two extensions: segment-compressive attention (a bounded local window
// plus long/query stores carried across chunks) and hyper-generated LoRA
// on the trailing layers.
//
// The layer stack is split into a plain partition and a hyper-adapted
// partition. A forward call processes one chunk of at most the segment
// bound in length; everything carried between calls enters and leaves the
// graph as explicit inputs and outputs, so concurrent generations never
// share mutable state. Weights live in a *context.Context shared by all
// graph variants.
package llama

import (
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention/pos"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/adapters"
	"github.com/gomlx/hyperlora/hypernet"
	"github.com/gomlx/hyperlora/pooling"
	"github.com/gomlx/hyperlora/segment"
)

// ForwardSpec selects a forward-graph variant. The decoding driver builds
// one executable per spec it needs; all variants share the same weights.
type ForwardSpec struct {
	// First marks the chunk at position zero: pooling masks arrive as
	// inputs, parameter synthesis runs inline, and the synthesized
	// parameters (plus the pooled vector) are emitted as outputs.
	First bool

	// Serial switches the First variant to per-layer synthesis, pooling
	// anew from each hyper-adapted layer's input. Only meaningful with
	// First.
	Serial bool

	// Fold absorbs the full local window into the long/query stores
	// before the chunk is processed.
	Fold bool

	// ParamsIn feeds previously synthesized LoRA parameters as inputs.
	ParamsIn bool

	// PooledIn feeds a previously pooled vector as input and re-runs
	// synthesis from it.
	PooledIn bool
}

// Model is a graph builder for the adapted decoder. It is safe for
// concurrent use: it holds configuration only, no per-generation state.
type Model struct {
	cfg   *hyperlora.Config
	gen   *hypernet.Generator
	rope  *pos.RoPE
	plain []*Block
	hyper []*Block
}

// New assembles a model from a validated configuration and a parameter
// generator.
func New(cfg *hyperlora.Config, gen *hypernet.Generator) *Model {
	rope := pos.NewRoPE(cfg.RopeBase).WithInterleaved(true)
	m := &Model{cfg: cfg, gen: gen, rope: rope}
	for i := 0; i < cfg.Layers; i++ {
		blk := &Block{cfg: cfg, idx: i, rope: rope}
		if i < cfg.HyperStart() {
			m.plain = append(m.plain, blk)
		} else {
			m.hyper = append(m.hyper, blk)
		}
	}
	return m
}

// Config returns the model configuration.
func (m *Model) Config() *hyperlora.Config { return m.cfg }

// Generator returns the hypernetwork.
func (m *Model) Generator() *hypernet.Generator { return m.gen }

// poolMaskInputs returns how many pooling-mask inputs the First variant
// takes.
func (m *Model) poolMaskInputs() int {
	if m.cfg.HyperLayers == 0 {
		return 0
	}
	if m.cfg.SpanMode == hyperlora.SpanModeBoth {
		return 2
	}
	return 1
}

// NumInputs returns the number of input nodes Forward expects for spec.
//
// The fixed prefix is: tokens (batch, chunkLen) int32; positions
// (chunkLen) int32; prompt mask (batch, chunkLen); window length scalar
// int32; window prompt mask (batch, bound); then the per-layer carried
// state in segment.State Flat order. The First variant appends the
// pooling masks, PooledIn the pooled vector, ParamsIn the flattened
// parameter tuples.
func (m *Model) NumInputs(spec ForwardSpec) int {
	n := 5 + segment.TensorsPerLayer()*m.cfg.Layers
	if spec.First {
		n += m.poolMaskInputs()
	}
	if spec.PooledIn {
		n++
	}
	if spec.ParamsIn {
		n += adapters.TupleSize * m.cfg.HyperLayers
	}
	return n
}

// NumOutputs returns the number of output nodes Forward produces for
// spec: logits (batch, vocab); updated window prompt mask; the per-layer
// state in Flat order; and, on First with hyper-adapted layers, the
// pooled vector followed by the flattened parameter tuples.
func (m *Model) NumOutputs(spec ForwardSpec) int {
	n := 2 + segment.TensorsPerLayer()*m.cfg.Layers
	if spec.First && m.cfg.HyperLayers > 0 {
		n += 1 + adapters.TupleSize*m.cfg.HyperLayers
	}
	return n
}

type nodeCursor struct {
	nodes []*Node
	pos   int
}

func (c *nodeCursor) take() *Node {
	n := c.nodes[c.pos]
	c.pos++
	return n
}

func (c *nodeCursor) takeN(n int) []*Node {
	out := c.nodes[c.pos : c.pos+n]
	c.pos += n
	return out
}

// Forward builds the graph of one chunk forward. The input and output
// packing is documented on NumInputs and NumOutputs. It panics (graph
// plane convention) on malformed specs or input counts; the driver
// recovers panics at its boundary.
func (m *Model) Forward(ctx *context.Context, spec ForwardSpec, inputs []*Node) []*Node {
	cfg := m.cfg
	if spec.First && (spec.ParamsIn || spec.PooledIn) {
		exceptions.Panicf("llama: First forward cannot also take parameters or pooled inputs (spec %+v)", spec)
	}
	if spec.ParamsIn && spec.PooledIn {
		exceptions.Panicf("llama: ParamsIn and PooledIn are mutually exclusive (spec %+v)", spec)
	}
	if len(inputs) != m.NumInputs(spec) {
		exceptions.Panicf("llama: forward got %d inputs, want %d (spec %+v)", len(inputs), m.NumInputs(spec), spec)
	}

	in := &nodeCursor{nodes: inputs}
	tokens := in.take()
	positions := in.take()
	promptMask := ConvertDType(in.take(), cfg.DType)
	windowLen := in.take()
	windowMask := in.take()
	states := make([][]*Node, cfg.Layers)
	for i := range states {
		states[i] = in.takeN(segment.TensorsPerLayer())
	}

	g := tokens.Graph()
	chunkLen := tokens.Shape().Dimensions[1]

	chunk := &Chunk{
		Positions: positions,
		WindowLen: windowLen,
		AttnMask:  causalWindowMask(g, chunkLen, cfg.SegmentSize, windowLen, cfg.DType),
		FoldMask:  windowMask,
		Fold:      spec.Fold,
	}

	// The window prompt mask follows the same fold-then-append cycle as
	// the per-layer windows, but it is layer-independent so it is updated
	// once here.
	maskBase := windowMask
	if spec.Fold {
		maskBase = ZerosLike(windowMask)
	}
	zero := Const(g, int32(0))
	newWindowMask := DynamicUpdateSlice(maskBase, promptMask, []*Node{zero, windowLen})

	h := layers.Embedding(ctx.In("tok_embeddings"), tokens, cfg.DType, cfg.VocabSize, cfg.Dim)

	for _, blk := range m.plain {
		h, states[blk.idx] = blk.Apply(m.layerCtx(ctx, blk.idx), h, chunk, states[blk.idx], nil)
	}

	var pooled *Node
	params := make([][]*Node, cfg.HyperLayers)
	switch {
	case spec.ParamsIn:
		for i := range params {
			params[i] = in.takeN(adapters.TupleSize)
		}
	case spec.PooledIn:
		pooled = in.take()
		params = m.gen.Generate(ctx.In("hyper"), pooled)
	case spec.First && cfg.HyperLayers > 0 && !spec.Serial:
		primary, secondary := m.takePoolMasks(in)
		pooled = pooling.Pool(h, primary, secondary)
		params = m.gen.Generate(ctx.In("hyper"), pooled)
	}

	if spec.First && cfg.HyperLayers > 0 && spec.Serial {
		// Per-layer synthesis: each hyper-adapted layer pools from its own
		// input hidden state, so deeper layers see deeper representations.
		primary, secondary := m.takePoolMasks(in)
		for i, blk := range m.hyper {
			layerPooled := pooling.Pool(h, primary, secondary)
			if pooled == nil {
				pooled = layerPooled
			}
			params[i] = m.gen.GenerateLayer(ctx.In("hyper"), layerPooled, i)
			h, states[blk.idx] = blk.Apply(m.layerCtx(ctx, blk.idx), h, chunk, states[blk.idx], params[i])
		}
	} else {
		for i, blk := range m.hyper {
			h, states[blk.idx] = blk.Apply(m.layerCtx(ctx, blk.idx), h, chunk, states[blk.idx], params[i])
		}
	}

	h = layers.RMSNorm(ctx.In("norm"), h).WithEpsilon(cfg.NormEps).Done()
	last := Squeeze(Slice(h, AxisRange(), AxisRange(chunkLen-1, chunkLen), AxisRange()), 1)
	logits := layers.Dense(ctx.In("output"), last, false, cfg.VocabSize)

	outputs := make([]*Node, 0, m.NumOutputs(spec))
	outputs = append(outputs, logits, newWindowMask)
	for _, st := range states {
		outputs = append(outputs, st...)
	}
	if spec.First && cfg.HyperLayers > 0 {
		outputs = append(outputs, pooled)
		for _, tuple := range params {
			outputs = append(outputs, tuple...)
		}
	}
	return outputs
}

func (m *Model) layerCtx(ctx *context.Context, idx int) *context.Context {
	return ctx.In("layers").In(strconv.Itoa(idx))
}

func (m *Model) takePoolMasks(in *nodeCursor) (primary, secondary *Node) {
	primary = in.take()
	if m.cfg.SpanMode == hyperlora.SpanModeBoth {
		secondary = in.take()
	}
	return
}

// causalWindowMask builds the additive attention mask for a chunk over
// the local window, shaped (1, chunkLen, 1, bound) so it broadcasts over
// batch and heads. A query at chunk offset i may attend window slots
// [0, windowLen+i]: the carried positions of the current segment plus the
// chunk itself, causally. Slots past the appended chunk stay masked.
func causalWindowMask(g *Graph, chunkLen, bound int, windowLen *Node, dtype dtypes.DType) *Node {
	idxShape := shapes.Make(dtypes.Int32, chunkLen, bound)
	queryIdx := Iota(g, idxShape, 0)
	slotIdx := Iota(g, idxShape, 1)
	allowed := LessOrEqual(slotIdx, Add(queryIdx, windowLen))
	additive := Where(allowed, ScalarZero(g, dtype), Infinity(g, dtype, -1))
	return InsertAxes(additive, 0, 1)
}
