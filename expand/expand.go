// Package expand generates paraphrased query variants via the chat LLM so
// hybrid retrieval can cast a wider net than the user's literal phrasing.
// Expansion is always best-effort: a failure or timeout falls back to the
// original query alone rather than failing the surrounding search.
package expand

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/ragcore/llm"
)

const (
	defaultVariants = 3
	softTimeout     = 5 * time.Second
	temperature     = 0.3
)

const expansionPrompt = `Generate %d alternative phrasings of the user's query that preserve its meaning but vary vocabulary and structure, to widen search recall. Return a JSON object with exactly one key:
  "variants": array of strings (not including the original query)

QUERY: %s`

// Expander produces query variants via an LLM.
type Expander struct {
	chat     llm.Provider
	nVariant int
}

// New creates an Expander. nVariants of zero uses the default (3).
func New(chat llm.Provider, nVariants int) *Expander {
	if nVariants <= 0 {
		nVariants = defaultVariants
	}
	return &Expander{chat: chat, nVariant: nVariants}
}

// Expand returns [query] plus up to nVariant paraphrases. It never returns
// an error: any LLM or parse failure degrades to just the original query.
func (e *Expander) Expand(ctx context.Context, query string) []string {
	ctx, cancel := context.WithTimeout(ctx, softTimeout)
	defer cancel()

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(expansionPrompt, e.nVariant, query)},
		},
		Temperature:    temperature,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Debug("expand: llm call failed, using original query only", "error", err)
		return []string{query}
	}

	var parsed struct {
		Variants []string `json:"variants"`
	}
	content := strings.TrimSpace(resp.Content)
	if i := strings.Index(content, "{"); i > 0 {
		content = content[i:]
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		slog.Debug("expand: failed to parse variants, using original query only", "error", err)
		return []string{query}
	}

	variants := []string{query}
	seen := map[string]bool{strings.ToLower(query): true}
	for _, v := range parsed.Variants {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		variants = append(variants, v)
		if len(variants) > e.nVariant { // +1 accounts for the original query at index 0
			break
		}
	}
	return variants
}
