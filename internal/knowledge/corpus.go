package knowledge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/trial-screening-engine/internal/domain"
)

// Index bundles both retrieval channels over one corpus
type Index struct {
	Lexical *LexicalIndex
	Dense   *DenseIndex
}

// NewIndex builds the lexical and dense indexes over docs. Documents without an
// id or text are dropped.
func NewIndex(docs []Document, embedder Embedder) *Index {
	clean := make([]Document, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Text) == "" {
			continue
		}
		clean = append(clean, d)
	}
	return &Index{
		Lexical: NewLexicalIndex(clean),
		Dense:   NewDenseIndex(clean, embedder),
	}
}

// LoadCorpus reads documents from a JSON array file or a JSON-lines file (.jsonl)
func LoadCorpus(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		var docs []Document
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var doc Document
			if err := json.Unmarshal([]byte(text), &doc); err != nil {
				return nil, fmt.Errorf("corpus line %d: %w", line, err)
			}
			docs = append(docs, doc)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read corpus: %w", err)
		}
		return withDefaultSource(docs), nil
	}

	var docs []Document
	if err := json.NewDecoder(f).Decode(&docs); err != nil {
		return nil, fmt.Errorf("failed to decode corpus: %w", err)
	}
	return withDefaultSource(docs), nil
}

// withDefaultSource marks unlabelled corpus documents as reference material
func withDefaultSource(docs []Document) []Document {
	for i := range docs {
		if strings.TrimSpace(docs[i].Source) == "" {
			docs[i].Source = domain.SourceReference
		}
	}
	return docs
}

// HistoryDocuments turns free-text history fragments into documents so that a
// patient's own notes can be searched alongside the shared corpus
func HistoryDocuments(patientID string, history []string) []Document {
	docs := make([]Document, 0, len(history))
	for i, fragment := range history {
		docs = append(docs, Document{
			ID:     fmt.Sprintf("%s-history-%d", patientID, i+1),
			Text:   fragment,
			Source: domain.SourcePatientHistory,
		})
	}
	return docs
}
