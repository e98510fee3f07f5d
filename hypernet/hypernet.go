// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hypernet synthesizes per-layer LoRA parameters from a pooled
// hidden-state vector.
//
// The generator is a pure graph builder: given the same weights and pooled
// input it emits the same parameters on every execution, which is what lets
// the parallel policy reuse one synthesis across all segments of a
// generation. It holds no state between calls other than a subnet counter
// used by tests.
package hypernet

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/adapters"
)

// Generator builds the parameter-synthesis subnets. One Generator serves
// all graph variants of a model; its variables live under the scope passed
// to Generate/GenerateLayer.
type Generator struct {
	cfg *hyperlora.Config

	// subnets counts parameter-producing subnets emitted into graphs,
	// for wiring tests: a parallel forward emits 1, a serial forward
	// emits one per hyper-adapted layer.
	subnets int
}

// New returns a Generator for the given configuration.
func New(cfg *hyperlora.Config) *Generator {
	return &Generator{cfg: cfg}
}

// Subnets returns the number of parameter-producing subnets emitted so far.
func (g *Generator) Subnets() int { return g.subnets }

// ResetSubnets zeroes the subnet counter.
func (g *Generator) ResetSubnets() { g.subnets = 0 }

// encode applies the bottleneck encoder stage, pooled (batch, in) to
// (batch, compressDim). With a common encoder the scope is shared across
// layers; otherwise each layer carries its own copy.
func (g *Generator) encode(ctx *context.Context, pooled *Node) *Node {
	h := layers.DenseWithBias(ctx.In("compress"), pooled, g.cfg.CompressDim)
	return activations.Gelu(h)
}

// layerTuple decodes one hyper-adapted layer's six-component tuple from
// the encoded vector: per target, a down factor (batch, dim, rank) and an
// up factor (batch, rank, targetWidth). Up heads start at zero so a fresh
// model's adapters are a no-op.
func (g *Generator) layerTuple(ctx *context.Context, encoded *Node, layer int) []*Node {
	cfg := g.cfg
	batchSize := encoded.Shape().Dimensions[0]
	headCtx := ctx.In(fmt.Sprintf("hyper_layer_%d", layer))
	tuple := make([]*Node, 0, adapters.TupleSize)
	for _, target := range cfg.Targets() {
		width := cfg.TargetWidth(target)
		down := layers.DenseWithBias(headCtx.In("down_"+target), encoded, cfg.Dim*cfg.LoraRank)
		down = Reshape(down, batchSize, cfg.Dim, cfg.LoraRank)
		upCtx := headCtx.In("up_" + target).WithInitializer(initializers.Zero)
		up := layers.DenseWithBias(upCtx, encoded, cfg.LoraRank*width)
		up = Reshape(up, batchSize, cfg.LoraRank, width)
		tuple = append(tuple, down, up)
	}
	return tuple
}

// Generate emits every hyper-adapted layer's parameter tuple from one
// pooled vector (batch, pooledDim). Used by the parallel and segmentwise
// policies, which synthesize all layers in a single pass.
func (g *Generator) Generate(ctx *context.Context, pooled *Node) [][]*Node {
	g.subnets++
	cfg := g.cfg
	var shared *Node
	if cfg.CommonEncoder {
		shared = g.encode(ctx.In("encoder"), pooled)
	}
	out := make([][]*Node, cfg.HyperLayers)
	for layer := range out {
		encoded := shared
		if encoded == nil {
			encoded = g.encode(ctx.In(fmt.Sprintf("encoder_%d", layer)), pooled)
		}
		out[layer] = g.layerTuple(ctx, encoded, layer)
	}
	return out
}

// GenerateLayer emits a single hyper-adapted layer's parameter tuple. The
// serial policy calls it once per layer, pooling anew from that layer's
// input hidden state. Layer indexes count from the first hyper-adapted
// layer. Variable scopes are shared with Generate, so serial and parallel
// synthesize from the same weights.
func (g *Generator) GenerateLayer(ctx *context.Context, pooled *Node, layer int) []*Node {
	g.subnets++
	cfg := g.cfg
	var encoded *Node
	if cfg.CommonEncoder {
		encoded = g.encode(ctx.In("encoder"), pooled)
	} else {
		encoded = g.encode(ctx.In(fmt.Sprintf("encoder_%d", layer)), pooled)
	}
	return g.layerTuple(ctx, encoded, layer)
}
