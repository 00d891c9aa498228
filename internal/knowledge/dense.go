package knowledge

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trial-screening-engine/internal/domain"
)

// DefaultMinSimilarity drops dense neighbours that share almost nothing with the query
const DefaultMinSimilarity = 0.1

// Embedder turns text into a unit-length vector
type Embedder interface {
	Embed(text string) []float64
	Name() string
}

// HashingEmbedder embeds text by feature hashing tokens and character trigrams.
// It stands in for a learned embedding model and is deterministic across runs.
type HashingEmbedder struct {
	dims  int
	cache *lru.Cache[string, []float64]
}

// NewHashingEmbedder creates an embedder with the given dimensionality and memo size
func NewHashingEmbedder(dims, cacheSize int) (*HashingEmbedder, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("embedding dims must be positive: %d", dims)
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, []float64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &HashingEmbedder{dims: dims, cache: cache}, nil
}

// Name identifies the embedding model in audit metadata
func (e *HashingEmbedder) Name() string {
	return fmt.Sprintf("hashing-embedder-%d", e.dims)
}

// Embed returns the cached or freshly computed embedding. The returned slice is shared
// and must not be modified.
func (e *HashingEmbedder) Embed(text string) []float64 {
	if vec, ok := e.cache.Get(text); ok {
		return vec
	}

	vec := make([]float64, e.dims)
	for _, tok := range Tokenize(text) {
		e.add(vec, "w:"+tok, 1.0)
		padded := "#" + tok + "#"
		for i := 0; i+3 <= len(padded); i++ {
			e.add(vec, "c:"+padded[i:i+3], 0.5)
		}
	}
	normalize(vec)

	e.cache.Add(text, vec)
	return vec
}

func (e *HashingEmbedder) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func normalize(vec []float64) {
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// DenseIndex ranks documents by cosine similarity of their embeddings
type DenseIndex struct {
	embedder      Embedder
	docs          []Document
	vectors       [][]float64
	minSimilarity float64
}

// NewDenseIndex embeds every document once up front
func NewDenseIndex(docs []Document, embedder Embedder) *DenseIndex {
	vectors := make([][]float64, len(docs))
	for i, doc := range docs {
		vectors[i] = embedder.Embed(doc.Text)
	}
	return &DenseIndex{
		embedder:      embedder,
		docs:          docs,
		vectors:       vectors,
		minSimilarity: DefaultMinSimilarity,
	}
}

// Search returns the topK nearest documents above the similarity floor
func (ix *DenseIndex) Search(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := ix.embedder.Embed(query)
	results := make([]domain.RetrievedEvidence, 0)
	for i, vec := range ix.vectors {
		sim := dot(q, vec)
		if sim < ix.minSimilarity {
			continue
		}
		results = append(results, domain.RetrievedEvidence{
			DocumentID: ix.docs[i].ID,
			Text:       ix.docs[i].Text,
			Source:     ix.docs[i].Source,
			Score:      sim,
			Channel:    domain.ChannelDense,
		})
	}

	sortByScore(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
