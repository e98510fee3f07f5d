// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package adapters holds the LoRA parameter sets synthesized by the
// hypernetwork and the shape contract the base layers expect from them.
//
// A parameter set is an ordered six-component tuple: one (down, up)
// low-rank factor pair per adapted projection target, in configuration
// order. Parameters are per-sequence, so every component carries a leading
// batch axis.
package adapters

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/hyperlora"
	"github.com/pkg/errors"
)

// TupleSize is the number of tensors in one layer's parameter set.
const TupleSize = 6

// Params is one hyper-adapted layer's parameter tuple, host-side.
// Component order is [down_0, up_0, down_1, up_1, down_2, up_2] following
// Config.Targets order.
type Params struct {
	tuple [TupleSize]*tensors.Tensor
}

// FromTuple wraps six tensors, in tuple order, into a Params.
func FromTuple(ts []*tensors.Tensor) (*Params, error) {
	if len(ts) != TupleSize {
		return nil, errors.Wrapf(hyperlora.ErrShapeMismatch, "parameter tuple has %d components, want %d", len(ts), TupleSize)
	}
	p := &Params{}
	copy(p.tuple[:], ts)
	return p, nil
}

// Tuple returns the six components in order.
func (p *Params) Tuple() []*tensors.Tensor { return p.tuple[:] }

// ExpectedShapes returns the shape of each tuple component for one layer,
// in tuple order: per target, down is [batch, dim, rank] and up is
// [batch, rank, targetWidth].
func ExpectedShapes(cfg *hyperlora.Config, batchSize int) []shapes.Shape {
	targets := cfg.Targets()
	out := make([]shapes.Shape, 0, 2*len(targets))
	for _, t := range targets {
		out = append(out,
			shapes.Make(cfg.DType, batchSize, cfg.Dim, cfg.LoraRank),
			shapes.Make(cfg.DType, batchSize, cfg.LoraRank, cfg.TargetWidth(t)))
	}
	return out
}

// Verify checks a parameter set against the layer contract. Mismatches
// return ErrShapeMismatch: they indicate a configuration or checkpoint
// mismatch, not a transient condition.
func Verify(cfg *hyperlora.Config, batchSize int, p *Params) error {
	want := ExpectedShapes(cfg, batchSize)
	for i, shape := range want {
		got := p.tuple[i]
		if got == nil {
			return errors.Wrapf(hyperlora.ErrShapeMismatch, "component %d missing", i)
		}
		if !got.Shape().Equal(shape) {
			return errors.Wrapf(hyperlora.ErrShapeMismatch, "component %d is %s, want %s", i, got.Shape(), shape)
		}
	}
	return nil
}

// Store maps hyper-adapted layer position (0 is the first hyper-adapted
// layer) to its synthesized parameter set. It is owned by a single
// generation call: written from hypernetwork output, read when feeding the
// adapted layers.
type Store struct {
	layers []*Params
}

// NewStore returns an empty store for numLayers hyper-adapted layers.
func NewStore(numLayers int) *Store {
	return &Store{layers: make([]*Params, numLayers)}
}

// NumLayers returns the number of hyper-adapted layer slots.
func (s *Store) NumLayers() int { return len(s.layers) }

// Set records the parameter set of one hyper-adapted layer.
func (s *Store) Set(layer int, p *Params) {
	s.layers[layer] = p
}

// Get returns a layer's parameter set, or nil while it has not been
// synthesized yet.
func (s *Store) Get(layer int) *Params { return s.layers[layer] }

// Complete reports whether every hyper-adapted layer has parameters.
func (s *Store) Complete() bool {
	for _, p := range s.layers {
		if p == nil {
			return false
		}
	}
	return len(s.layers) > 0
}

// Flat returns all stored tuples flattened layer-major, the order in which
// the forward graphs consume them. It must only be called on a Complete
// store.
func (s *Store) Flat() []*tensors.Tensor {
	out := make([]*tensors.Tensor, 0, len(s.layers)*TupleSize)
	for _, p := range s.layers {
		out = append(out, p.tuple[:]...)
	}
	return out
}

// Reset drops all stored parameter sets.
func (s *Store) Reset() {
	for i := range s.layers {
		s.layers[i] = nil
	}
}
