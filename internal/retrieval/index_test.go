package retrieval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "rag.jsonl")
	ix, err := Open(path)
	require.NoError(t, err)

	added, err := ix.Upsert("git status shows the working tree", Meta{Source: "https://a", Kind: "search"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = ix.Upsert("git status shows the working tree", Meta{Source: "https://b", Kind: "rss"})
	require.NoError(t, err)
	assert.False(t, added, "same text is stored once regardless of meta")
	assert.Equal(t, 1, ix.Len())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestReopenReplaysLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rag.jsonl")
	ix, err := Open(path)
	require.NoError(t, err)
	_, err = ix.Upsert("alpha beta", Meta{Kind: "search", Query: "alpha"})
	require.NoError(t, err)
	_, err = ix.Upsert("gamma delta", Meta{Kind: "rss", Feed: "https://f", RawLen: 42})
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	if diff := cmp.Diff(ix.Documents(), reopened.Documents()); diff != "" {
		t.Errorf("documents differ after reopen (-want +got):\n%s", diff)
	}

	added, err := reopened.Upsert("alpha beta", Meta{})
	require.NoError(t, err)
	assert.False(t, added, "dedup survives restart")
}

func TestOpenSkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rag.jsonl")
	id := DocumentID("hello world")
	content := "\n{not json}\n" +
		`{"id":"` + id + `","text":"hello world","meta":{},"ts":1}` + "\n" +
		`{"id":"` + id + `","text":"hello world","meta":{},"ts":2}` + "\n" +
		"   \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	ix, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 1, ix.Len())
	assert.InDelta(t, 1.0, ix.Documents()[0].TS, 1e-9)
}

func TestQueryRanksByBM25(t *testing.T) {
	ix, err := Open(filepath.Join(t.TempDir(), "rag.jsonl"))
	require.NoError(t, err)

	for _, text := range []string{
		"python venv pip install requirements",
		"git commit amend rewrite message",
		"git push force with lease is safer",
		"macOS ls -la lists hidden files",
		"rice portions per person",
	} {
		_, err := ix.Upsert(text, Meta{Kind: "search"})
		require.NoError(t, err)
	}

	hits := ix.Query("GIT push", 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "git push force with lease is safer", hits[0].Text)
	assert.Equal(t, "git commit amend rewrite message", hits[1].Text)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	assert.Len(t, ix.Query("anything", 0), DefaultTopK)
}

func TestQueryTiesKeepInsertionOrder(t *testing.T) {
	ix, err := Open(filepath.Join(t.TempDir(), "rag.jsonl"))
	require.NoError(t, err)
	for _, text := range []string{"first doc", "second doc", "third doc"} {
		_, err := ix.Upsert(text, Meta{})
		require.NoError(t, err)
	}

	hits := ix.Query("nomatch", 3)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"first doc", "second doc", "third doc"}, []string{hits[0].Text, hits[1].Text, hits[2].Text})
}

func TestQueryEmptyIndex(t *testing.T) {
	ix, err := Open(filepath.Join(t.TempDir(), "rag.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, ix.Query("git", 3))
}

func TestBM25NegativeIDFFloor(t *testing.T) {
	// "common" appears in every document, giving a negative raw idf.
	m := newBM25([][]string{
		{"common", "a", "x1"},
		{"common", "b", "x2"},
		{"common", "c", "x3"},
	})
	assert.Greater(t, m.idf["common"], 0.0)
	assert.Greater(t, m.idf["a"], m.idf["common"])
}
