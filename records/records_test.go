package records

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/hyperlora"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestReadRequests(t *testing.T) {
	path := writeDataset(t,
		`{"instruction": "Summarize the meeting", "input": "the transcript", "output": "the summary"}`,
		``,
		`{"article": "a long article", "phrases": ["economy", "health"], "abstract": "short"}`,
		`{"article": "another article", "phrases": "fear", "abstract": "tiny"}`,
	)

	got, err := ReadRequests(path)
	require.NoError(t, err)
	want := []Request{
		{Instruction: "Summarize the meeting", Input: "the transcript", Output: "the summary"},
		{Instruction: "Write a summary from economy, health perspective", Input: "a long article", Output: "short"},
		{Instruction: "Write a summary from fear perspective", Input: "another article", Output: "tiny"},
	}
	assert.Equal(t, want, got)
}

func TestReadRequestsUnrecognized(t *testing.T) {
	path := writeDataset(t, `{"question": "what"}`)
	_, err := ReadRequests(path)
	assert.ErrorIs(t, err, hyperlora.ErrConfiguration)
}

func TestReadRequestsBadJSON(t *testing.T) {
	path := writeDataset(t, `{"instruction": `)
	_, err := ReadRequests(path)
	assert.ErrorIs(t, err, hyperlora.ErrConfiguration)
}

func TestWriterAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.jsonl")

	w, err := NewWriter(path)
	require.NoError(t, err)
	req := Request{Instruction: "Summarize", Input: "article text", Output: "reference"}
	require.NoError(t, w.Append([]Result{FromRequest(req, "generated text")}))
	require.NoError(t, w.Close())

	// A second writer lands after the existing rows, the per-batch append
	// behavior an interrupted and restarted run relies on.
	w, err = NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append([]Result{FromRequest(req, "second")}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], `{"generate":`), "field order: %s", lines[0])

	var got Result
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	assert.Equal(t, Result{Generate: "second", Abstract: "reference", Article: "article text", Instruction: "Summarize"}, got)
}
