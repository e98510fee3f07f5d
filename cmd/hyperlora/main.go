// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hyperlora runs instruction-conditioned generation over a JSONL dataset:
// it renders Alpaca prompts, synthesizes per-request LoRA parameters with
// the hypernetwork and decodes with segmented infini-attention, appending
// JSONL results batch by batch.
//
// The base model weights come from an ONNX export, downloaded from a
// HuggingFace repository or read from a local file. The adapter directory
// holds the hyperparameter documents and, optionally, trained adapter
// variables:
//
//	adapter_params.json    adapter geometry, targets and policy
//	generate_params.json   sequence budget and span mode (optional)
//	checkpoint/            adapter variables (optional)
//
// Usage:
//
//	hyperlora -base-repo=onnx-community/Llama-3.2-1B-Instruct-ONNX \
//	    -adapter-dir=./adapter -data=CovidET/test.jsonl -out=results/run.jsonl
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/engine"
	"github.com/gomlx/hyperlora/hypernet"
	"github.com/gomlx/hyperlora/llama"
	"github.com/gomlx/hyperlora/tokens"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagBaseRepo   = flag.String("base-repo", "", "HuggingFace repository with the base model ONNX export and tokenizer.")
	flagBaseONNX   = flag.String("base-onnx", "", "Local ONNX file with the base model weights; overrides the repository download.")
	flagONNXFile   = flag.String("onnx-file", "onnx/model.onnx", "ONNX file name inside the base repository.")
	flagAdapterDir = flag.String("adapter-dir", "", "Directory with adapter_params.json, optional generate_params.json and checkpoint/.")
	flagData       = flag.String("data", "", "JSONL dataset to generate over.")
	flagOut        = flag.String("out", "", "JSONL results file, appended per batch.")
	flagTemp       = flag.Float64("temperature", 0.1, "Sampling temperature (0 = greedy).")
	flagTopP       = flag.Float64("top-p", 0.75, "Nucleus sampling mass (>=1 = plain sampling).")
	flagMaxGen     = flag.Int("max-gen-len", 128, "Maximum generated tokens per request.")
	flagMinGen     = flag.Int("min-gen-len", 30, "Generation room reserved when truncating documents.")
	flagMaxSeqLen  = flag.Int("max-seq-len", 0, "Override the configured maximum sequence length (0 = keep).")
	flagBatch      = flag.Int("max-batch-size", 32, "Maximum requests per generation batch.")
	flagLimit      = flag.Int("limit", 0, "Generate only the first N dataset records (0 = all).")
	flagSeed       = flag.Uint64("seed", 0, "Sampling seed (0 = fresh randomness).")
	flagBackend    = flag.String("backend", "", "Backend to use (default: auto-detect).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagBaseRepo == "" || *flagAdapterDir == "" || *flagData == "" || *flagOut == "" {
		flag.Usage()
		klog.Exitf("-base-repo, -adapter-dir, -data and -out are required")
	}
	if *flagBackend != "" {
		must.M(os.Setenv("GOMLX_BACKEND", *flagBackend))
	}

	cfg := loadConfig()
	backend := backends.MustNew()
	fmt.Printf("Backend: %s\n", backend.Name())
	fmt.Printf("Model: %d layers (%d hyper-adapted, policy %s), segment %d, max_seq_len %d\n",
		cfg.Layers, cfg.HyperLayers, cfg.Policy, cfg.SegmentSize, cfg.MaxSeqLen)

	repo := hub.New(*flagBaseRepo).WithProgressBar(true)
	must.M(repo.DownloadInfo(false))
	tok := must.M1(tokens.FromHub(repo, cfg.VocabSize))

	ctx := context.New()
	loadAdapterCheckpoint(ctx)
	importBaseWeights(backend, ctx, cfg, repo)

	eng := must.M1(engine.New(backend, ctx, llama.New(cfg, hypernet.New(cfg)), tok))
	run(eng, cfg)
}

// loadConfig merges the adapter directory's hyperparameter documents with
// the command line overrides.
func loadConfig() *hyperlora.Config {
	adapterPath := filepath.Join(*flagAdapterDir, "adapter_params.json")
	generatePath := filepath.Join(*flagAdapterDir, "generate_params.json")
	if _, err := os.Stat(generatePath); err != nil {
		generatePath = ""
	}
	cfg := must.M1(hyperlora.LoadConfig(adapterPath, generatePath))
	if *flagMaxSeqLen > 0 {
		cfg.MaxSeqLen = *flagMaxSeqLen
	}
	cfg.MaxBatchSize = *flagBatch
	must.M(cfg.Validate())
	return cfg
}

// loadAdapterCheckpoint attaches the trained adapter variables, if any.
// Attaching happens before the base import, so a checkpoint that also
// carries base tensors cannot shadow the fresh ONNX weights.
func loadAdapterCheckpoint(ctx *context.Context) {
	dir := filepath.Join(*flagAdapterDir, "checkpoint")
	if _, err := os.Stat(dir); err != nil {
		klog.Warningf("No adapter checkpoint under %s: adapter variables keep their initializers", dir)
		return
	}
	must.M1(llama.LoadCheckpoint(ctx, dir))
	fmt.Printf("Adapter checkpoint: %s\n", dir)
}

func importBaseWeights(backend backends.Backend, ctx *context.Context, cfg *hyperlora.Config, repo *hub.Repo) {
	path := *flagBaseONNX
	if path == "" {
		path = must.M1(repo.DownloadFile(*flagONNXFile))
		// Larger exports keep the weights in an external data file next to
		// the graph file.
		if _, err := repo.DownloadFile(*flagONNXFile + "_data"); err != nil {
			klog.V(1).Infof("No external data file for %s: %v", *flagONNXFile, err)
		}
	}
	count := must.M1(llama.ImportONNX(backend, ctx, cfg, path))
	fmt.Printf("Base weights: %s tensors from %s\n", humanize.Comma(int64(count)), path)
}
