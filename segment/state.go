// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segment

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/hyperlora"
)

// LayerState is one transformer layer's carried memory, host-side between
// forward calls.
//
// WindowKeys/WindowValues hold the current segment's roped keys and values,
// capacity Bound positions, of which the first State.WindowLen are valid.
// Long and Query are the compressive memory matrices, per KV head, with
// their normalization terms; Query accumulates prompt positions only.
type LayerState struct {
	WindowKeys   *tensors.Tensor // (batch, bound, kvHeads, headDim)
	WindowValues *tensors.Tensor // (batch, bound, kvHeads, headDim)

	Long      *tensors.Tensor // (batch, kvHeads, headDim, headDim)
	Query     *tensors.Tensor // (batch, kvHeads, headDim, headDim)
	LongNorm  *tensors.Tensor // (batch, kvHeads, headDim)
	QueryNorm *tensors.Tensor // (batch, kvHeads, headDim)
}

// State is the memory carried across the segmented forward calls of one
// generation. It replaces ad-hoc per-layer maps with an explicit struct
// owned by the decoding driver: nothing here is shared between concurrent
// generations.
type State struct {
	Layers []LayerState

	// WindowMask marks which local-window positions hold original prompt
	// tokens, (batch, bound). It follows the same fold-then-append cycle
	// as the windows but is layer-independent; on fold it routes prompt
	// positions into the query store.
	WindowMask *tensors.Tensor

	// WindowLen is the number of valid local-window positions going into
	// the next forward call, already accounting for any fold. The
	// controller maintains it; forwards treat it as read-only.
	WindowLen int
}

// NewState returns a zeroed State for a generation of the given batch
// size: empty windows, empty memories.
func NewState(cfg *hyperlora.Config, batchSize int) *State {
	headDim := cfg.HeadDim()
	windowShape := shapes.Make(cfg.DType, batchSize, cfg.SegmentSize, cfg.KVHeads, headDim)
	memShape := shapes.Make(cfg.DType, batchSize, cfg.KVHeads, headDim, headDim)
	normShape := shapes.Make(cfg.DType, batchSize, cfg.KVHeads, headDim)

	st := &State{
		Layers:     make([]LayerState, cfg.Layers),
		WindowMask: tensors.FromShape(shapes.Make(cfg.DType, batchSize, cfg.SegmentSize)),
	}
	for i := range st.Layers {
		st.Layers[i] = LayerState{
			WindowKeys:   tensors.FromShape(windowShape),
			WindowValues: tensors.FromShape(windowShape),
			Long:         tensors.FromShape(memShape),
			Query:        tensors.FromShape(memShape),
			LongNorm:     tensors.FromShape(normShape),
			QueryNorm:    tensors.FromShape(normShape),
		}
	}
	return st
}

// Flat returns the state tensors in the order the forward graphs thread
// them: per layer, window keys, window values, long, query, long norm,
// query norm.
func (s *State) Flat() []*tensors.Tensor {
	out := make([]*tensors.Tensor, 0, len(s.Layers)*tensorsPerLayer)
	for i := range s.Layers {
		l := &s.Layers[i]
		out = append(out, l.WindowKeys, l.WindowValues, l.Long, l.Query, l.LongNorm, l.QueryNorm)
	}
	return out
}

// tensorsPerLayer is the number of carried tensors per layer in Flat order.
const tensorsPerLayer = 6

// TensorsPerLayer returns how many tensors each layer contributes to Flat.
func TensorsPerLayer() int { return tensorsPerLayer }

// SetFlat replaces the state tensors from a Flat-ordered slice, as
// returned by a forward execution.
func (s *State) SetFlat(ts []*tensors.Tensor) {
	for i := range s.Layers {
		l := &s.Layers[i]
		base := i * tensorsPerLayer
		l.WindowKeys = ts[base]
		l.WindowValues = ts[base+1]
		l.Long = ts[base+2]
		l.Query = ts[base+3]
		l.LongNorm = ts[base+4]
		l.QueryNorm = ts[base+5]
	}
}
