// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package llama

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
)

// AttachCheckpoint attaches the checkpoint directory dir to ctx. The
// directory is created if it does not exist; if it already holds a
// checkpoint, variables load lazily from it as the graphs are built.
// Call Handler.Save to persist the current variables (adapter weights
// included) back to the directory.
func AttachCheckpoint(ctx *context.Context, dir string) (*checkpoints.Handler, error) {
	return checkpoints.Build(ctx).Dir(dir).Done()
}

// LoadCheckpoint is like AttachCheckpoint but fails if dir holds no
// checkpoint to load from.
func LoadCheckpoint(ctx *context.Context, dir string) (*checkpoints.Handler, error) {
	return checkpoints.Load(ctx).Dir(dir).Done()
}

// onnxTarget describes where one base-model tensor lands in the model's
// variable layout, and how it is adapted on the way in.
type onnxTarget struct {
	ctx  *context.Context
	name string

	// transpose swaps the two axes of a linear weight: torch exports
	// store [outputDim, inputDim], Dense stores [inputDim, outputDim].
	transpose bool
	dims      []int
}

// baseWeightMap maps the parameter names of a torch ONNX export of the
// base model onto the variable layout built by Forward, relative to the
// current scope of ctx. Dense layers nest their variables under a
// "dense" scope and RMSNorm under "rms_norm", hence the trailing
// component on every projection and norm. Adapter variables (gates,
// hypernetwork, LoRA) have no counterpart in the export and keep their
// initializers.
func baseWeightMap(ctx *context.Context, cfg *hyperlora.Config) map[string]onnxTarget {
	m := map[string]onnxTarget{
		"model.embed_tokens.weight": {ctx.In("tok_embeddings"), "embeddings", false, []int{cfg.VocabSize, cfg.Dim}},
		"model.norm.weight":         {ctx.In("norm").In("rms_norm"), "scale", false, []int{cfg.Dim}},
		"lm_head.weight":            {ctx.In("output").In("dense"), "weights", true, []int{cfg.Dim, cfg.VocabSize}},
	}
	for i := range cfg.Layers {
		hf := fmt.Sprintf("model.layers.%d.", i)
		layer := ctx.In("layers").In(strconv.Itoa(i))
		attn := layer.In("attention")
		ffn := layer.In("feed_forward")
		m[hf+"input_layernorm.weight"] = onnxTarget{layer.In("attention_norm").In("rms_norm"), "scale", false, []int{cfg.Dim}}
		m[hf+"post_attention_layernorm.weight"] = onnxTarget{layer.In("ffn_norm").In("rms_norm"), "scale", false, []int{cfg.Dim}}
		m[hf+"self_attn.q_proj.weight"] = onnxTarget{attn.In("wq").In("dense"), "weights", true, []int{cfg.Dim, cfg.Dim}}
		m[hf+"self_attn.k_proj.weight"] = onnxTarget{attn.In("wk").In("dense"), "weights", true, []int{cfg.Dim, cfg.KVDim()}}
		m[hf+"self_attn.v_proj.weight"] = onnxTarget{attn.In("wv").In("dense"), "weights", true, []int{cfg.Dim, cfg.KVDim()}}
		m[hf+"self_attn.o_proj.weight"] = onnxTarget{attn.In("wo").In("dense"), "weights", true, []int{cfg.Dim, cfg.Dim}}
		m[hf+"mlp.gate_proj.weight"] = onnxTarget{ffn.In("w1").In("dense"), "weights", true, []int{cfg.Dim, cfg.FFNDim}}
		m[hf+"mlp.down_proj.weight"] = onnxTarget{ffn.In("w2").In("dense"), "weights", true, []int{cfg.FFNDim, cfg.Dim}}
		m[hf+"mlp.up_proj.weight"] = onnxTarget{ffn.In("w3").In("dense"), "weights", true, []int{cfg.Dim, cfg.FFNDim}}
		if cfg.UseBias {
			m[hf+"self_attn.q_proj.bias"] = onnxTarget{attn.In("wq").In("dense"), "biases", false, []int{cfg.Dim}}
			m[hf+"self_attn.k_proj.bias"] = onnxTarget{attn.In("wk").In("dense"), "biases", false, []int{cfg.KVDim()}}
			m[hf+"self_attn.v_proj.bias"] = onnxTarget{attn.In("wv").In("dense"), "biases", false, []int{cfg.KVDim()}}
			m[hf+"self_attn.o_proj.bias"] = onnxTarget{attn.In("wo").In("dense"), "biases", false, []int{cfg.Dim}}
			m[hf+"mlp.gate_proj.bias"] = onnxTarget{ffn.In("w1").In("dense"), "biases", false, []int{cfg.FFNDim}}
			m[hf+"mlp.down_proj.bias"] = onnxTarget{ffn.In("w2").In("dense"), "biases", false, []int{cfg.Dim}}
			m[hf+"mlp.up_proj.bias"] = onnxTarget{ffn.In("w3").In("dense"), "biases", false, []int{cfg.FFNDim}}
		}
	}
	return m
}

// ImportONNX reads the base model weights from an ONNX export at path and
// copies them into the model's variable layout, relative to the current
// scope of ctx. Weights are converted to cfg.DType and linear weights
// transposed to Dense layout; the backend runs those transforms. It
// returns the number of tensors imported.
//
// The export must preserve the torch parameter names
// ("model.layers.N.self_attn.q_proj.weight", ...). Tensors of the export
// that have no place in the layout are ignored, as are layout entries the
// export does not carry, so a plain base-model export leaves every
// adapter variable untouched.
func ImportONNX(backend backends.Backend, ctx *context.Context, cfg *hyperlora.Config, path string) (int, error) {
	model, err := onnx.ReadFile(path)
	if err != nil {
		return 0, errors.WithMessagef(err, "reading ONNX model from %q", path)
	}
	defer model.Close()

	staging := context.New()
	if err := model.VariablesToContext(staging); err != nil {
		return 0, errors.WithMessagef(err, "extracting variables from %q", path)
	}

	targets := baseWeightMap(ctx, cfg)
	imported := 0
	var firstErr error
	staging.EnumerateVariables(func(v *context.Variable) {
		if firstErr != nil {
			return
		}
		target, ok := targets[onnxParamName(v.Name())]
		if !ok {
			return
		}
		value, err := v.Value()
		if err != nil {
			firstErr = errors.WithMessagef(err, "reading tensor %q", v.Name())
			return
		}
		adapted, err := adaptTensor(backend, value, cfg.DType, target.transpose)
		if err != nil {
			firstErr = errors.WithMessagef(err, "adapting tensor %q", v.Name())
			return
		}
		if !slices.Equal(adapted.Shape().Dimensions, target.dims) {
			firstErr = errors.Wrapf(hyperlora.ErrShapeMismatch,
				"tensor %q has shape %s, the layout expects dimensions %v",
				v.Name(), adapted.Shape(), target.dims)
			return
		}
		targetVar := target.ctx.VariableWithValue(target.name, adapted)
		if err := targetVar.SetValue(adapted); err != nil {
			firstErr = errors.WithMessagef(err, "setting variable %q in scope %q", target.name, target.ctx.Scope())
			return
		}
		imported++
	})
	if firstErr != nil {
		return imported, firstErr
	}
	if imported == 0 {
		return 0, errors.Errorf("no base model weights found in %q: the export must preserve torch parameter names", path)
	}
	return imported, nil
}

// onnxParamName undoes the name sanitization applied when the ONNX
// variables were extracted: exporters that emit path-style names
// ("/model/layers.0/...") are folded back to the dotted form.
func onnxParamName(name string) string {
	name = strings.TrimPrefix(name, "/")
	return strings.ReplaceAll(name, "/", ".")
}

// adaptTensor converts src to dtype and optionally transposes its two
// axes, running on the backend. It returns src itself when there is
// nothing to do.
func adaptTensor(backend backends.Backend, src *tensors.Tensor, dtype dtypes.DType, transpose bool) (*tensors.Tensor, error) {
	if src.DType() == dtype && !transpose {
		return src, nil
	}
	return ExecOnce(backend, func(x *Node) *Node {
		x = ConvertDType(x, dtype)
		if transpose {
			x = Transpose(x, 0, 1)
		}
		return x
	}, src)
}
