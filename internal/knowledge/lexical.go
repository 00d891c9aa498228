// Package knowledge provides the in-process reference knowledge index: a BM25
// lexical index and a hashed-embedding dense index over a shared document corpus.
// Both indexes are immutable after construction and safe for concurrent reads.
package knowledge

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/trial-screening-engine/internal/domain"
)

// BM25 parameters
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// Document is one searchable snippet of the knowledge corpus
type Document struct {
	ID     string   `json:"id"`
	Text   string   `json:"text"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "of": {}, "or": {}, "in": {}, "on": {},
	"to": {}, "for": {}, "with": {}, "at": {}, "by": {}, "is": {}, "are": {}, "be": {},
	"as": {}, "from": {}, "that": {}, "this": {}, "was": {}, "has": {}, "have": {},
}

// Tokenize lowercases text and splits it on anything but letters and digits.
// Acronyms and lab names such as "T2D" or "HbA1c" survive as single terms.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// LexicalIndex ranks documents by BM25 over exact terms
type LexicalIndex struct {
	docs      []Document
	termFreqs []map[string]int
	docLens   []int
	avgLen    float64
	docFreq   map[string]int
	k1, b     float64
}

// NewLexicalIndex builds a BM25 index over docs
func NewLexicalIndex(docs []Document) *LexicalIndex {
	ix := &LexicalIndex{
		docs:      docs,
		termFreqs: make([]map[string]int, len(docs)),
		docLens:   make([]int, len(docs)),
		docFreq:   make(map[string]int),
		k1:        DefaultK1,
		b:         DefaultB,
	}

	total := 0
	for i, doc := range docs {
		tf := make(map[string]int)
		tokens := Tokenize(doc.Text)
		for _, tok := range tokens {
			tf[tok]++
		}
		for term := range tf {
			ix.docFreq[term]++
		}
		ix.termFreqs[i] = tf
		ix.docLens[i] = len(tokens)
		total += len(tokens)
	}
	if len(docs) > 0 {
		ix.avgLen = float64(total) / float64(len(docs))
	}
	return ix
}

// Len returns the number of indexed documents
func (ix *LexicalIndex) Len() int {
	return len(ix.docs)
}

func (ix *LexicalIndex) idf(term string) float64 {
	n := float64(len(ix.docs))
	df := float64(ix.docFreq[term])
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// Search returns up to topK documents with a positive BM25 score, best first
func (ix *LexicalIndex) Search(ctx context.Context, query string, topK int) ([]domain.RetrievedEvidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := uniqueTerms(Tokenize(query))
	if len(terms) == 0 || len(ix.docs) == 0 {
		return nil, nil
	}

	results := make([]domain.RetrievedEvidence, 0)
	for i, tf := range ix.termFreqs {
		score := 0.0
		norm := ix.k1 * (1 - ix.b + ix.b*float64(ix.docLens[i])/ix.avgLen)
		for _, term := range terms {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			score += ix.idf(term) * f * (ix.k1 + 1) / (f + norm)
		}
		if score > 0 {
			results = append(results, domain.RetrievedEvidence{
				DocumentID: ix.docs[i].ID,
				Text:       ix.docs[i].Text,
				Source:     ix.docs[i].Source,
				Score:      score,
				Channel:    domain.ChannelLexical,
			})
		}
	}

	sortByScore(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func sortByScore(results []domain.RetrievedEvidence) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocumentID < results[j].DocumentID
	})
}
