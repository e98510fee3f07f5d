// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/engine"
	"github.com/gomlx/hyperlora/prompts"
	"github.com/gomlx/hyperlora/records"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// run drives the dataset through the engine batch by batch, appending
// results as each batch finishes so an interrupted run keeps its prefix.
func run(eng *engine.Engine, cfg *hyperlora.Config) {
	requests := must.M1(records.ReadRequests(*flagData))
	if *flagLimit > 0 && len(requests) > *flagLimit {
		requests = requests[:*flagLimit]
	}
	// Group requests of similar document length: prompts in a batch pad to
	// the longest member, and the shorter ones are teacher forced while it
	// finishes.
	slices.SortStableFunc(requests, func(a, b records.Request) int {
		return len(strings.Fields(a.Input)) - len(strings.Fields(b.Input))
	})

	encoder := &prompts.Encoder{
		Tokenizer: eng.Tokenizer(),
		MaxSeqLen: cfg.MaxSeqLen,
		MinGenLen: *flagMinGen,
	}
	writer := must.M1(records.NewWriter(*flagOut))
	defer func() { must.M(writer.Close()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runID := uuid.NewString()
	numBatches := (len(requests) + cfg.MaxBatchSize - 1) / cfg.MaxBatchSize
	fmt.Printf("Run %s: %s requests in %s batches of up to %d\n",
		runID, humanize.Comma(int64(len(requests))), humanize.Comma(int64(numBatches)), cfg.MaxBatchSize)

	bar := progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription("generating"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)

	start := time.Now()
	done := 0
	for batch := range slices.Chunk(requests, cfg.MaxBatchSize) {
		req := &engine.Request{
			MaxGenLen:   *flagMaxGen,
			Temperature: *flagTemp,
			TopP:        *flagTopP,
			Seed:        *flagSeed,
		}
		for _, r := range batch {
			encoded, err := encoder.Encode(r.Instruction, r.Input)
			if err != nil {
				klog.Fatalf("Encoding prompt for %q: %+v", r.Instruction, err)
			}
			req.Prompts = append(req.Prompts, encoded.Tokens)
			req.Spans = append(req.Spans, encoded.Spans)
		}

		resp, err := eng.Generate(ctx, req)
		if err != nil {
			klog.Fatalf("Generation failed after %d requests: %+v", done, err)
		}

		results := make([]records.Result, len(batch))
		for i, r := range batch {
			results[i] = records.FromRequest(r, resp.Texts[i])
		}
		must.M(writer.Append(results))
		done += len(batch)
		_ = bar.Add(1)
		klog.V(1).Infof("batch of %d: %d chunks (%d folds), %d hypernet calls, %d steps",
			len(batch), resp.Stats.Chunks, resp.Stats.Folds, resp.Stats.HypernetCalls, resp.Stats.Steps)
	}
	_ = bar.Finish()

	fmt.Printf("\nWrote %s results to %s in %s\n",
		humanize.Comma(int64(done)), *flagOut, time.Since(start).Round(time.Second))
}
