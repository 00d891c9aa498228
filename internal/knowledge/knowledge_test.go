package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-screening-engine/internal/domain"
)

func testCorpus() []Document {
	return []Document{
		{ID: "ada-t2d", Text: "Metformin remains first-line therapy for T2D when eGFR is at least 45."},
		{ID: "dka", Text: "Diabetic ketoacidosis (DKA) is a serious complication, more common in type 1 diabetes."},
		{ID: "hba1c", Text: "HbA1c between 7.0 and 10.5 percent indicates inadequate glycemic control."},
		{ID: "bmi", Text: "Body mass index above 40 increases perioperative risk."},
		{ID: "empty", Text: "   "},
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	embedder, err := NewHashingEmbedder(256, 64)
	require.NoError(t, err)
	return NewIndex(testCorpus(), embedder)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"t2d", "hba1c", "8", "2"}, Tokenize("T2D with HbA1c 8.2"))
	assert.Equal(t, []string{"history", "dka"}, Tokenize("History of DKA"))
	assert.Empty(t, Tokenize("the and of"))
}

func TestLexicalIndex_Search(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	t.Run("Acronym_Exact_Match", func(t *testing.T) {
		results, err := ix.Lexical.Search(ctx, "DKA", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "dka", results[0].DocumentID)
		assert.Equal(t, domain.ChannelLexical, results[0].Channel)
		assert.Greater(t, results[0].Score, 0.0)
	})

	t.Run("Ranks_Best_First", func(t *testing.T) {
		results, err := ix.Lexical.Search(ctx, "metformin eGFR T2D", 10)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "ada-t2d", results[0].DocumentID)
	})

	t.Run("TopK_Truncates", func(t *testing.T) {
		results, err := ix.Lexical.Search(ctx, "diabetes metformin hba1c body", 2)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("No_Overlap", func(t *testing.T) {
		results, err := ix.Lexical.Search(ctx, "astronaut", 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("Empty_Documents_Dropped", func(t *testing.T) {
		assert.Equal(t, 4, ix.Lexical.Len())
	})

	t.Run("Cancelled_Context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ix.Lexical.Search(cctx, "DKA", 10)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDenseIndex_Search(t *testing.T) {
	ix := newTestIndex(t)

	results, err := ix.Dense.Search(context.Background(), "diabetic ketoacidosis type 1", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "dka", results[0].DocumentID)
	assert.Equal(t, domain.ChannelDense, results[0].Channel)
	assert.LessOrEqual(t, len(results), 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestHashingEmbedder(t *testing.T) {
	embedder, err := NewHashingEmbedder(128, 8)
	require.NoError(t, err)

	a := embedder.Embed("type 2 diabetes")
	b := embedder.Embed("type 2 diabetes")
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, dot(a, a), 1e-9)
	assert.Equal(t, "hashing-embedder-128", embedder.Name())

	_, err = NewHashingEmbedder(0, 8)
	assert.Error(t, err)
}

func TestLoadCorpus(t *testing.T) {
	dir := t.TempDir()

	t.Run("JSON_Array", func(t *testing.T) {
		path := filepath.Join(dir, "corpus.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a","text":"alpha"},{"id":"b","text":"beta"}]`), 0644))

		docs, err := LoadCorpus(path)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
		assert.Equal(t, domain.SourceReference, docs[0].Source)
	})

	t.Run("Explicit_Source_Kept", func(t *testing.T) {
		path := filepath.Join(dir, "labelled.jsonl")
		require.NoError(t, os.WriteFile(path, []byte(`{"id":"a","text":"alpha","source":"guideline"}`+"\n"), 0644))

		docs, err := LoadCorpus(path)
		require.NoError(t, err)
		assert.Equal(t, "guideline", docs[0].Source)
	})

	t.Run("JSON_Lines", func(t *testing.T) {
		path := filepath.Join(dir, "corpus.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\",\"text\":\"alpha\"}\n\n{\"id\":\"b\",\"text\":\"beta\"}\n"), 0644))

		docs, err := LoadCorpus(path)
		require.NoError(t, err)
		assert.Equal(t, "b", docs[1].ID)
	})

	t.Run("Bad_Line", func(t *testing.T) {
		path := filepath.Join(dir, "bad.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\nnot json\n"), 0644))

		_, err := LoadCorpus(path)
		assert.ErrorContains(t, err, "line 2")
	})

	t.Run("Missing_File", func(t *testing.T) {
		_, err := LoadCorpus(filepath.Join(dir, "absent.json"))
		assert.Error(t, err)
	})
}

func TestHistoryDocuments(t *testing.T) {
	docs := HistoryDocuments("P-1", []string{"No history of DKA", "Metformin dose stable for 6 months"})
	require.Len(t, docs, 2)
	assert.Equal(t, "P-1-history-2", docs[1].ID)
	assert.Equal(t, domain.SourcePatientHistory, docs[0].Source)

	ix := NewLexicalIndex(docs)
	hits, err := ix.Search(context.Background(), "DKA", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].FromPatientRecord())
}
