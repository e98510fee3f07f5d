// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hyperlora

import "github.com/pkg/errors"

// Error taxonomy of the generation engine. All of these are fatal for the
// current generation call and nothing is retried; wrap them with
// github.com/pkg/errors to add context and classify with errors.Is.
var (
	// ErrConfiguration reports malformed or out-of-range run parameters:
	// bad spans, an unknown policy or span mode, or adapted-target
	// mismatches. Raised before any computation starts.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrShapeMismatch reports hypernetwork output whose shape disagrees
	// with what the adapted layer expects, which indicates a
	// configuration/checkpoint mismatch rather than a transient condition.
	ErrShapeMismatch = errors.New("lora parameter shape mismatch")

	// ErrDivisionByZero reports a pooling mask row with zero unmasked
	// positions. The whole batch fails: a NaN pooled vector would propagate
	// into every adapted layer.
	ErrDivisionByZero = errors.New("pooling mask row sums to zero")

	// ErrBatchSizeExceeded reports a request with more sequences than the
	// configured maximum batch size. Checked once at entry.
	ErrBatchSizeExceeded = errors.New("batch size exceeds configured maximum")
)
