// Package retrieval defines the context-retrieval boundary the turn loop
// calls before composing the model prompt. Implementations may be backed by
// a vector store, a search index, or nothing at all.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Snippet is one retrieved piece of context.
type Snippet struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// Retriever returns up to limit snippets relevant to the query. Returning
// no snippets is not an error; the turn proceeds without retrieved context.
type Retriever interface {
	Retrieve(ctx context.Context, query, sessionID string, limit int) ([]Snippet, error)
}

// Memory is an in-process retriever over documents registered at startup.
// Scoring is keyword overlap, which is enough for small fixed corpora like
// tool usage notes or canned FAQs.
type Memory struct {
	mu   sync.RWMutex
	docs []doc
}

type doc struct {
	text   string
	source string
	terms  map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{}
}

// Add registers a document. Safe to call concurrently with Retrieve.
func (m *Memory) Add(text, source string) {
	terms := map[string]struct{}{}
	for _, term := range tokenize(text) {
		terms[term] = struct{}{}
	}
	m.mu.Lock()
	m.docs = append(m.docs, doc{text: text, source: source, terms: terms})
	m.mu.Unlock()
}

func (m *Memory) Retrieve(ctx context.Context, query, sessionID string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = 3
	}
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snippet
	for _, d := range m.docs {
		matched := 0
		for _, term := range queryTerms {
			if _, ok := d.terms[term]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		out = append(out, Snippet{
			Text:   d.text,
			Score:  float64(matched) / float64(len(queryTerms)),
			Source: d.source,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
