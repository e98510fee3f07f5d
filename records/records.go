// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package records reads JSONL generation datasets and appends JSONL
// results.
//
// Two dataset shapes are understood, distinguished per line by their
// fields rather than by file name: query records already carry an
// instruction, aspect records (CovidET, NEWTS, MA-News) carry an article
// plus aspect phrases and are rewritten into a summarization instruction.
package records

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/hyperlora"
	"github.com/pkg/errors"
)

// Request is one generation task: an instruction applied to a document,
// with the reference answer kept for the result record.
type Request struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// rawRecord is the union of the two dataset line shapes.
type rawRecord struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`

	Article  string          `json:"article"`
	Phrases  json.RawMessage `json:"phrases"`
	Abstract string          `json:"abstract"`
}

// aspectPhrases renders the phrases field, either a string or a list of
// strings, into the instruction text.
func aspectPhrases(raw json.RawMessage) (string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return one, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return "", err
	}
	return strings.Join(many, ", "), nil
}

// ReadRequests loads a JSONL dataset. Empty lines are skipped; a line that
// is neither a query nor an aspect record fails with ErrConfiguration.
func ReadRequests(path string) ([]Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening dataset %q", path)
	}
	defer f.Close()

	var requests []Request
	scanner := bufio.NewScanner(f)
	// Summarization articles run far past the default line limit.
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw rawRecord
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, errors.Wrapf(hyperlora.ErrConfiguration, "%s:%d: %v", path, lineNo, err)
		}
		switch {
		case raw.Instruction != "":
			requests = append(requests, Request{
				Instruction: raw.Instruction,
				Input:       raw.Input,
				Output:      raw.Output,
			})
		case raw.Article != "":
			phrases, err := aspectPhrases(raw.Phrases)
			if err != nil {
				return nil, errors.Wrapf(hyperlora.ErrConfiguration, "%s:%d: aspect phrases: %v", path, lineNo, err)
			}
			requests = append(requests, Request{
				Instruction: fmt.Sprintf("Write a summary from %s perspective", phrases),
				Input:       raw.Article,
				Output:      raw.Abstract,
			})
		default:
			return nil, errors.Wrapf(hyperlora.ErrConfiguration, "%s:%d: neither a query nor an aspect record", path, lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading dataset %q", path)
	}
	return requests, nil
}

// Result is one generated record. Field order matches the line layout the
// evaluation scripts expect.
type Result struct {
	Generate    string `json:"generate"`
	Abstract    string `json:"abstract"`
	Article     string `json:"article"`
	Instruction string `json:"instruction"`
}

// FromRequest pairs a generated continuation with the request it answers.
func FromRequest(req Request, generated string) Result {
	return Result{
		Generate:    generated,
		Abstract:    req.Output,
		Article:     req.Input,
		Instruction: req.Instruction,
	}
}

// Writer appends results to a JSONL file, one object per line. Batches are
// written as they finish, so an interrupted run leaves a valid prefix.
type Writer struct {
	f   *os.File
	enc *json.Encoder
}

// NewWriter opens path for appending, creating parent directories as
// needed.
func NewWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating results directory %q", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening results %q", path)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &Writer{f: f, enc: enc}, nil
}

// Append writes one batch of results, preserving their order.
func (w *Writer) Append(results []Result) error {
	for i, result := range results {
		if err := w.enc.Encode(result); err != nil {
			return errors.Wrapf(err, "writing result %d", i)
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	return errors.Wrap(w.f.Close(), "closing results")
}
