// Package corrective implements the corrective relevance gate: an LLM
// scores each retrieved candidate 0-10, and if fewer than min_relevant
// candidates clear the threshold, the caller is told to re-trial retrieval
// with a wider window. At most one re-trial ever happens per query; this
// package tracks that by returning a Verdict the caller acts on, not by
// looping internally.
package corrective

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/ragcore/llm"
	"github.com/brunobiangulo/ragcore/store"
)

const (
	defaultThreshold   = 7
	defaultMinRelevant = 3
	gateTimeout        = 15 * time.Second
)

// Config controls the gate's thresholds.
type Config struct {
	RelevanceThreshold int // 0-10, default 7
	MinRelevant        int // default 3
}

func (c Config) withDefaults() Config {
	if c.RelevanceThreshold <= 0 {
		c.RelevanceThreshold = defaultThreshold
	}
	if c.MinRelevant <= 0 {
		c.MinRelevant = defaultMinRelevant
	}
	return c
}

// ScoredCandidate pairs a retrieval result with its relevance score.
type ScoredCandidate struct {
	store.RetrievalResult
	RelevanceScore int
}

// Verdict reports the gate's decision for a round of candidates.
type Verdict struct {
	Scored      []ScoredCandidate
	NumRelevant int
	NeedsRetry  bool
}

// Gate scores candidates and decides whether the caller should re-trial
// retrieval with a wider window.
type Gate struct {
	chat llm.Provider
	cfg  Config
}

func New(chat llm.Provider, cfg Config) *Gate {
	return &Gate{chat: chat, cfg: cfg.withDefaults()}
}

// Evaluate scores each candidate against the query and reports whether a
// re-trial is warranted. allowRetry should be false on the second pass so
// the caller enforces the at-most-one-retrial invariant, not this package.
func (g *Gate) Evaluate(ctx context.Context, query string, candidates []store.RetrievalResult, allowRetry bool) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, gateTimeout)
	defer cancel()

	scored := make([]ScoredCandidate, len(candidates))
	relevant := 0
	for i, c := range candidates {
		score, err := g.scoreOne(ctx, query, c.Content)
		if err != nil {
			slog.Warn("corrective: scoring failed, treating candidate as relevant", "error", err)
			score = g.cfg.RelevanceThreshold
		}
		scored[i] = ScoredCandidate{RetrievalResult: c, RelevanceScore: score}
		if score >= g.cfg.RelevanceThreshold {
			relevant++
		}
	}

	return &Verdict{
		Scored:      scored,
		NumRelevant: relevant,
		NeedsRetry:  allowRetry && relevant < g.cfg.MinRelevant,
	}, nil
}

const scorePrompt = `Score how relevant this passage is to answering the query, on a scale of 0 (irrelevant) to 10 (directly answers it). Return a JSON object with exactly one key: "score" (integer 0-10).

QUERY: %s

PASSAGE:
%s`

func (g *Gate) scoreOne(ctx context.Context, query, passage string) (int, error) {
	resp, err := g.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(scorePrompt, query, passage)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return 0, err
	}

	content := strings.TrimSpace(resp.Content)
	if i := strings.Index(content, "{"); i > 0 {
		content = content[i:]
	}
	var parsed struct {
		Score json.Number `json:"score"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return 0, fmt.Errorf("corrective: parsing score response: %w", err)
	}
	score, err := strconv.Atoi(parsed.Score.String())
	if err != nil {
		return 0, fmt.Errorf("corrective: non-integer score %q: %w", parsed.Score.String(), err)
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score, nil
}
