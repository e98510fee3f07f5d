// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hyperlora implements segmented long-context text generation for
// transformer models whose per-layer LoRA adapters are not fixed weights but
// are synthesized at inference time by a hypernetwork, conditioned on a
// pooled summary of the request.
//
// Long prompts are processed in fixed-size segments: an associative memory
// and its normalization accumulator are carried across segment boundaries,
// so earlier segments influence attention in later ones without
// reprocessing the whole sequence.
//
// The root package holds the run configuration and the error taxonomy.
// The engine itself is assembled from the sub-packages:
//
//   - pooling: span selection and masked mean pooling;
//   - hypernet: the LoRA parameter generator;
//   - adapters: synthesized parameter sets and their shape contracts;
//   - segment: segmentation planning and carried state;
//   - llama: the base transformer with gated infini-attention;
//   - engine: the autoregressive decoding driver;
//   - tokens, prompts, records: tokenizer, prompt-template and dataset
//     boundaries.
package hyperlora

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

//go:generate go tool enumer -type=Policy -trimprefix=Policy -transform=snake -json -yaml -text -output=gen_policy_enumer.go

// Policy selects when the hypernetwork synthesizes LoRA parameters.
type Policy int

const (
	// PolicySerial generates parameters one layer at a time during the
	// first segment, pooling from the hidden states as they evolve through
	// the stack. Parameters are cached per layer and never regenerated.
	PolicySerial Policy = iota

	// PolicyParallel pools once after the plain layers and generates the
	// parameters for every hyper-adapted layer in a single pass, on the
	// first segment only. The pooled vector is cached alongside the
	// parameters.
	PolicyParallel

	// PolicySegmentwise behaves like PolicyParallel but regenerates the
	// parameters from the cached pooled vector on every forward call after
	// the first. The generator is deterministic, so the values match
	// PolicyParallel; the policy mirrors the training-time schedule, which
	// re-synthesizes per segment.
	PolicySegmentwise
)

//go:generate go tool enumer -type=SpanMode -trimprefix=SpanMode -transform=snake -json -yaml -text -output=gen_spanmode_enumer.go

// SpanMode selects which token positions feed the pooled hypernetwork input.
type SpanMode int

const (
	// SpanModeInstruction pools over the caller-supplied instruction span.
	SpanModeInstruction SpanMode = iota

	// SpanModeDocument pools over every original prompt token.
	SpanModeDocument

	// SpanModeBoth pools instruction and document spans independently and
	// concatenates the two vectors on the feature axis.
	SpanModeBoth
)

// Default hyperparameters, used when the configuration documents omit them.
const (
	DefaultSegmentSize = 768
	DefaultMaxSeqLen   = 2048
	DefaultCompressDim = 64
	DefaultRopeBase    = 10000.0
	DefaultNormEps     = 1e-5
)

// loraTargetSet lists the adaptable projections of a layer. The width of
// each target's up-projection follows the base layer: Q and O project to the
// embedding width, K and V to the key/value width (smaller under
// grouped-query attention).
var loraTargetSet = map[string]bool{"Q": true, "K": true, "V": true, "O": true}

// Config is the immutable run configuration: base model geometry, adapter
// hyperparameters and generation bounds. JSON tags follow the on-disk
// adapter_params.json document; Validate fills defaults and must be called
// once before use.
type Config struct {
	// Base model geometry.
	Dim       int     `json:"dim"`
	Layers    int     `json:"n_layers"`
	Heads     int     `json:"n_heads"`
	KVHeads   int     `json:"n_kv_heads"` // 0 means Heads
	FFNDim    int     `json:"ffn_dim"`    // 0 derives the SwiGLU default
	VocabSize int     `json:"vocab_size"`
	NormEps   float64 `json:"norm_eps"`
	RopeBase  float64 `json:"rope_theta"`
	UseBias   bool    `json:"w_bias"`

	// Generation bounds.
	MaxSeqLen    int `json:"max_seq_len"`
	MaxBatchSize int `json:"max_batch_size"`
	SegmentSize  int `json:"segment_size"`

	// Adapter hyperparameters.
	LoraRank      int      `json:"lora_rank"`
	LoraTargets   string   `json:"lora_targets"` // comma-separated, e.g. "Q,K,V"
	HyperLayers   int      `json:"n_hyper_lora_layers"`
	Policy        Policy   `json:"policy"`
	CommonEncoder bool     `json:"common_encoder"`
	SpanMode      SpanMode `json:"hyper_input_type"`
	CompressDim   int      `json:"compress_dim"`

	// DType is the computation dtype of the model graphs. Set by the
	// loader, not part of the JSON documents.
	DType dtypes.DType `json:"-"`
}

// Validate fills defaults and checks the configuration for consistency.
// Violations return ErrConfiguration.
func (c *Config) Validate() error {
	if c.Dim <= 0 || c.Layers <= 0 || c.Heads <= 0 || c.VocabSize <= 0 {
		return errors.Wrapf(ErrConfiguration, "dim=%d, n_layers=%d, n_heads=%d and vocab_size=%d must all be positive",
			c.Dim, c.Layers, c.Heads, c.VocabSize)
	}
	if c.Dim%c.Heads != 0 {
		return errors.Wrapf(ErrConfiguration, "dim=%d must be a multiple of n_heads=%d", c.Dim, c.Heads)
	}
	if c.KVHeads == 0 {
		c.KVHeads = c.Heads
	}
	if c.Heads%c.KVHeads != 0 {
		return errors.Wrapf(ErrConfiguration, "n_heads=%d must be a multiple of n_kv_heads=%d", c.Heads, c.KVHeads)
	}
	if c.FFNDim == 0 {
		// SwiGLU sizing used by the LLaMA family: 2/3 of 4*dim, rounded up
		// to a multiple of 256.
		ffn := 4 * c.Dim * 2 / 3
		c.FFNDim = (ffn + 255) / 256 * 256
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.SegmentSize < 1 {
		return errors.Wrapf(ErrConfiguration, "segment_size=%d must be at least 1", c.SegmentSize)
	}
	if c.MaxSeqLen == 0 {
		c.MaxSeqLen = DefaultMaxSeqLen
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 1
	}
	if c.NormEps == 0 {
		c.NormEps = DefaultNormEps
	}
	if c.RopeBase == 0 {
		c.RopeBase = DefaultRopeBase
	}
	if c.DType == dtypes.InvalidDType {
		c.DType = dtypes.Float32
	}
	if !c.Policy.IsAPolicy() {
		return errors.Wrapf(ErrConfiguration, "unknown dynamic-parameter policy %d", int(c.Policy))
	}
	if !c.SpanMode.IsASpanMode() {
		return errors.Wrapf(ErrConfiguration, "unknown hyper_input_type %d", int(c.SpanMode))
	}
	if c.HyperLayers < 0 || c.HyperLayers > c.Layers {
		return errors.Wrapf(ErrConfiguration, "n_hyper_lora_layers=%d must be in [0, n_layers=%d]", c.HyperLayers, c.Layers)
	}
	if c.HyperLayers > 0 {
		if c.LoraRank < 1 {
			return errors.Wrapf(ErrConfiguration, "lora_rank=%d must be at least 1 when hyper-adapting layers", c.LoraRank)
		}
		targets := c.Targets()
		if len(targets) != 3 {
			return errors.Wrapf(ErrConfiguration, "lora_targets=%q must name exactly three projections", c.LoraTargets)
		}
		seen := make(map[string]bool, len(targets))
		for _, t := range targets {
			if !loraTargetSet[t] {
				return errors.Wrapf(ErrConfiguration, "unknown lora target %q (supported: Q, K, V, O)", t)
			}
			if seen[t] {
				return errors.Wrapf(ErrConfiguration, "duplicate lora target %q", t)
			}
			seen[t] = true
		}
		if c.CompressDim == 0 {
			c.CompressDim = DefaultCompressDim
		}
	}
	return nil
}

// Targets returns the adapted projection names in configuration order.
func (c *Config) Targets() []string {
	if c.LoraTargets == "" {
		return []string{"Q", "K", "V"}
	}
	parts := strings.Split(c.LoraTargets, ",")
	targets := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			targets = append(targets, p)
		}
	}
	return targets
}

// HeadDim returns the per-head feature width.
func (c *Config) HeadDim() int { return c.Dim / c.Heads }

// KVDim returns the total key/value projection width.
func (c *Config) KVDim() int { return c.KVHeads * c.HeadDim() }

// TargetWidth returns the up-projection width of one adapted target.
func (c *Config) TargetWidth(target string) int {
	switch target {
	case "K", "V":
		return c.KVDim()
	default:
		return c.Dim
	}
}

// HyperStart returns the index of the first hyper-adapted layer; layers
// [0, HyperStart) run unadapted, layers [HyperStart, Layers) consume
// synthesized parameters.
func (c *Config) HyperStart() int { return c.Layers - c.HyperLayers }

// PooledDim returns the width of the hypernetwork input vector.
func (c *Config) PooledDim() int {
	if c.SpanMode == SpanModeBoth {
		return 2 * c.Dim
	}
	return c.Dim
}

// adapterDoc mirrors Config for decoding adapter_params.json, keeping the
// legacy serial_generate boolean readable.
type adapterDoc struct {
	Config
	SerialGenerate *bool   `json:"serial_generate"`
	PolicyName     *Policy `json:"policy"`
}

// generateDoc is the on-disk generate_params.json document.
type generateDoc struct {
	MaxSeqLen      int       `json:"max_seq_len"`
	HyperInputType *SpanMode `json:"hyper_input_type"`
}

// LoadConfig reads the adapter and generation hyperparameter documents and
// merges them into a validated Config. generatePath may be empty.
func LoadConfig(adapterPath, generatePath string) (*Config, error) {
	data, err := os.ReadFile(adapterPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading adapter params %q", adapterPath)
	}
	var doc adapterDoc
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "parsing %q: %v", adapterPath, err)
	}
	cfg := doc.Config
	if doc.PolicyName != nil {
		cfg.Policy = *doc.PolicyName
	} else if doc.SerialGenerate != nil {
		if *doc.SerialGenerate {
			cfg.Policy = PolicySerial
		} else {
			cfg.Policy = PolicyParallel
		}
	}

	if generatePath != "" {
		data, err = os.ReadFile(generatePath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading generate params %q", generatePath)
		}
		var gen generateDoc
		if err = json.Unmarshal(data, &gen); err != nil {
			return nil, errors.Wrapf(ErrConfiguration, "parsing %q: %v", generatePath, err)
		}
		if gen.MaxSeqLen > 0 {
			cfg.MaxSeqLen = gen.MaxSeqLen
		}
		if gen.HyperInputType != nil {
			cfg.SpanMode = *gen.HyperInputType
		}
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
