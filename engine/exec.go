// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/adapters"
	"github.com/gomlx/hyperlora/llama"
	"github.com/gomlx/hyperlora/pooling"
	"github.com/gomlx/hyperlora/segment"
	"github.com/gomlx/hyperlora/tokens"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine compiles and caches the forward-graph variants of one model and
// drives batched generations against a single weight set.
//
// The weights context is shared by every executable and is read-only
// after loading; all mutable generation state is request-scoped, so an
// Engine is safe for concurrent Generate calls.
type Engine struct {
	backend backends.Backend
	weights *context.Context
	model   *llama.Model
	tok     tokens.Tokenizer

	mu    sync.Mutex
	execs map[llama.ForwardSpec]*context.Exec

	// testForward, when set, replaces the compiled forwards so the
	// decoding loop can run without a backend.
	testForward segment.Forward
}

// New assembles an engine. ctx holds the model weights, freshly
// initialized, checkpoint-loaded or ONNX-imported; nil creates a new
// empty context. It is switched to unchecked mode: the graph variants
// share the variable set, creating the missing ones on first use.
func New(backend backends.Backend, ctx *context.Context, model *llama.Model, tok tokens.Tokenizer) (*Engine, error) {
	if ctx == nil {
		ctx = context.New()
	}
	if v := tok.VocabSize(); v != 0 && v != model.Config().VocabSize {
		return nil, errors.Wrapf(hyperlora.ErrConfiguration,
			"tokenizer has %d vocabulary entries, model expects %d", v, model.Config().VocabSize)
	}
	return &Engine{
		backend: backend,
		weights: ctx.Checked(false),
		model:   model,
		tok:     tok,
		execs:   make(map[llama.ForwardSpec]*context.Exec),
	}, nil
}

// Model returns the graph builder the engine drives.
func (e *Engine) Model() *llama.Model { return e.model }

// Tokenizer returns the tokenizer the engine decodes with.
func (e *Engine) Tokenizer() tokens.Tokenizer { return e.tok }

// execFor returns the executable of one forward variant, building it on
// first use. Executables are shape-polymorphic over chunk lengths, so
// the cache holds one entry per variant.
func (e *Engine) execFor(spec llama.ForwardSpec) (*context.Exec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec, ok := e.execs[spec]; ok {
		return exec, nil
	}
	klog.V(1).Infof("building executable for forward variant %+v", spec)
	exec, err := context.NewExec(e.backend, e.weights, func(ctx *context.Context, inputs []*Node) []*Node {
		return e.model.Forward(ctx, spec, inputs)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "building forward variant %+v", spec)
	}
	e.execs[spec] = exec
	return exec, nil
}

// generation is the state of one Generate call: the token grid, the
// pooling masks of the first segment, the synthesized parameters and the
// work counters. Nothing here is shared between calls.
type generation struct {
	engine   *Engine
	grid     [][]int32
	isPrompt [][]bool

	masks  *pooling.Masks
	store  *adapters.Store
	pooled *tensors.Tensor

	stats Stats
}

// specFor maps a chunk call to the forward variant the policy requires.
func (g *generation) specFor(call segment.Call) llama.ForwardSpec {
	cfg := g.engine.model.Config()
	spec := llama.ForwardSpec{Fold: call.Fold}
	if cfg.HyperLayers == 0 {
		return spec
	}
	if call.First {
		spec.First = true
		spec.Serial = cfg.Policy == hyperlora.PolicySerial
		return spec
	}
	if cfg.Policy == hyperlora.PolicySegmentwise {
		spec.PooledIn = true
	} else {
		spec.ParamsIn = true
	}
	return spec
}

// run executes one chunk: it cuts the grid rows of the chunk's span,
// dispatches the right forward variant and threads the carried tensors
// back into st.
func (g *generation) run(call segment.Call, st *segment.State) (*tensors.Tensor, error) {
	e := g.engine
	cfg := e.model.Config()
	spec := g.specFor(call)

	g.stats.Chunks++
	if spec.Fold {
		g.stats.Folds++
	}
	if cfg.HyperLayers > 0 {
		switch {
		case spec.First && spec.Serial:
			g.stats.HypernetCalls += cfg.HyperLayers
		case spec.First, spec.PooledIn:
			g.stats.HypernetCalls++
		}
	}

	if e.testForward != nil {
		return e.testForward(call, st)
	}

	span := call.Tokens
	chunkTokens := make([][]int32, len(g.grid))
	for b, row := range g.grid {
		chunkTokens[b] = row[span.Start:span.End]
	}
	positions := make([]int32, span.Len())
	for i := range positions {
		positions[i] = int32(span.Start + i)
	}
	maskRows := make([][]float32, len(g.isPrompt))
	for b, flags := range g.isPrompt {
		row := make([]float32, span.Len())
		for i := range row {
			if flags[span.Start+i] {
				row[i] = 1
			}
		}
		maskRows[b] = row
	}

	args := make([]any, 0, e.model.NumInputs(spec))
	args = append(args, chunkTokens, positions, maskRows, int32(st.WindowLen), st.WindowMask)
	for _, carried := range st.Flat() {
		args = append(args, carried)
	}
	switch {
	case spec.First && cfg.HyperLayers > 0:
		args = append(args, g.masks.Primary)
		if g.masks.Secondary != nil {
			args = append(args, g.masks.Secondary)
		}
	case spec.PooledIn:
		args = append(args, g.pooled)
	case spec.ParamsIn:
		for _, tuple := range g.store.Flat() {
			args = append(args, tuple)
		}
	}

	exec, err := e.execFor(spec)
	if err != nil {
		return nil, err
	}
	var outputs []*tensors.Tensor
	if err := exceptions.TryCatch[error](func() { outputs = exec.MustExec(args...) }); err != nil {
		return nil, errors.WithMessagef(err, "forward variant %+v", spec)
	}

	carried := segment.TensorsPerLayer() * cfg.Layers
	st.WindowMask = outputs[1]
	st.SetFlat(outputs[2 : 2+carried])
	if spec.First && cfg.HyperLayers > 0 {
		g.pooled = outputs[2+carried]
		base := 2 + carried + 1
		for layer := 0; layer < cfg.HyperLayers; layer++ {
			params, err := adapters.FromTuple(outputs[base+layer*adapters.TupleSize : base+(layer+1)*adapters.TupleSize])
			if err != nil {
				return nil, err
			}
			if err := adapters.Verify(cfg, len(g.grid), params); err != nil {
				return nil, errors.WithMessagef(err, "hyper-adapted layer %d", layer)
			}
			g.store.Set(layer, params)
		}
	}
	return outputs[0], nil
}
