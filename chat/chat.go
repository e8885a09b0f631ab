// Package chat implements the Chat Orchestrator: the streaming
// conversational entry point that sits above hybrid retrieval and the
// reasoning engine. GenerateAnswer persists the user's message, loads
// recent conversation history, optionally runs retrieval (expansion →
// hybrid search → rerank → corrective gate), streams the generated answer
// token-by-token to the Session Bus, and finalizes the exchange with its
// retrieval metadata. RegenerateAnswer replays the same pipeline for the
// last turn without re-appending a new user message.
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/brunobiangulo/ragcore/corrective"
	"github.com/brunobiangulo/ragcore/expand"
	"github.com/brunobiangulo/ragcore/reasoning"
	"github.com/brunobiangulo/ragcore/rerank"
	"github.com/brunobiangulo/ragcore/retrieval"
	"github.com/brunobiangulo/ragcore/session"
	"github.com/brunobiangulo/ragcore/store"
)

const historyWindow = 10

// Features toggles the optional stages of the retrieval pipeline.
type Features struct {
	UseRAG            bool
	UseHybrid         bool
	UseReranker       bool
	UseQueryExpansion bool
	UseCorrective     bool
}

// Config configures the Orchestrator.
type Config struct {
	Features   Features
	MaxResults int
	MaxRounds  int
}

// Result is the outcome of a generate/regenerate call.
type Result struct {
	ConversationID int64
	MessageID      int64
	Text           string
	Cancelled      bool
	Answer         *reasoning.Answer
	Trace          *retrieval.SearchTrace
}

// Orchestrator runs the chat pipeline.
type Orchestrator struct {
	store     *store.Store
	retriever *retrieval.Engine
	reasoner  *reasoning.Engine
	expander  *expand.Expander
	reranker  *rerank.Reranker
	gate      *corrective.Gate
	bus       *session.Bus
	cfg       Config
}

// New creates an Orchestrator. reranker and gate may be nil to disable
// those stages regardless of Features (e.g. no embedder configured).
func New(s *store.Store, retriever *retrieval.Engine, reasoner *reasoning.Engine, expander *expand.Expander, reranker *rerank.Reranker, gate *corrective.Gate, bus *session.Bus, cfg Config) *Orchestrator {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	return &Orchestrator{
		store: s, retriever: retriever, reasoner: reasoner,
		expander: expander, reranker: reranker, gate: gate, bus: bus, cfg: cfg,
	}
}

// GenerateAnswer runs the full 6-step pipeline for a new user turn:
// persist the user message, load history, retrieve context, assemble the
// prompt, stream the answer to sessionID's stream topic, and finalize.
func (o *Orchestrator) GenerateAnswer(ctx context.Context, owner string, conversationID int64, sessionID, question string) (*Result, error) {
	if err := o.persistWithRetry(ctx, conversationID, "user", question); err != nil {
		return nil, fmt.Errorf("chat: persisting user message: %w", err)
	}

	history, err := o.store.RecentMessages(ctx, conversationID, historyWindow)
	if err != nil {
		slog.Warn("chat: loading history failed, proceeding without it", "error", err)
	}

	var chunks []store.RetrievalResult
	var trace *retrieval.SearchTrace
	if o.cfg.Features.UseRAG {
		chunks, trace, err = o.retrieve(ctx, owner, question)
		if err != nil {
			return nil, fmt.Errorf("chat: retrieval: %w", err)
		}
	}

	return o.stream(ctx, conversationID, sessionID, question, chunks, trace, toHistoryTurns(history))
}

// RegenerateAnswer re-runs retrieval and generation for conversationID
// without appending a new user message, replacing the assistant's last
// reply. Used when the user asks for a different answer to their last
// question.
func (o *Orchestrator) RegenerateAnswer(ctx context.Context, owner string, conversationID int64, sessionID string) (*Result, error) {
	recent, err := o.store.RecentMessages(ctx, conversationID, historyWindow)
	if err != nil {
		return nil, fmt.Errorf("chat: loading history: %w", err)
	}
	var lastQuestion string
	lastUser := -1
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Role == "user" {
			lastQuestion = recent[i].Content
			lastUser = i
			break
		}
	}
	if lastQuestion == "" {
		return nil, fmt.Errorf("chat: no prior user message to regenerate an answer for")
	}

	var chunks []store.RetrievalResult
	var trace *retrieval.SearchTrace
	if o.cfg.Features.UseRAG {
		chunks, trace, err = o.retrieve(ctx, owner, lastQuestion)
		if err != nil {
			return nil, fmt.Errorf("chat: retrieval: %w", err)
		}
	}

	// Delete the stale assistant reply (or replies) after the last user
	// turn, then answer that turn again. History ends before the user turn
	// since it is also the question being (re)answered, to avoid it
	// appearing twice in the prompt.
	for _, m := range recent[lastUser+1:] {
		if err := o.store.DeleteMessage(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("chat: deleting stale reply: %w", err)
		}
	}
	history := recent[:lastUser]

	return o.stream(ctx, conversationID, sessionID, lastQuestion, chunks, trace, toHistoryTurns(history))
}

func toHistoryTurns(messages []store.Message) []reasoning.HistoryTurn {
	turns := make([]reasoning.HistoryTurn, len(messages))
	for i, m := range messages {
		turns[i] = reasoning.HistoryTurn{Role: m.Role, Content: m.Content}
	}
	return turns
}

// retrieve runs expansion, hybrid search, rerank, and the corrective gate
// according to the orchestrator's enabled features.
func (o *Orchestrator) retrieve(ctx context.Context, owner, question string) ([]store.RetrievalResult, *retrieval.SearchTrace, error) {
	queries := []string{question}
	if o.cfg.Features.UseQueryExpansion && o.expander != nil {
		queries = o.expander.Expand(ctx, question)
	}

	seen := make(map[int64]bool)
	var merged []store.RetrievalResult
	var lastTrace *retrieval.SearchTrace
	for _, q := range queries {
		results, trace, err := o.retriever.Search(ctx, q, retrieval.SearchOptions{
			Owner:      owner,
			MaxResults: o.cfg.MaxResults,
		})
		if err != nil {
			if len(merged) > 0 {
				continue // a later variant failing doesn't sink a query that already found results
			}
			return nil, trace, err
		}
		lastTrace = trace
		for _, r := range results {
			if !seen[r.ChunkID] {
				seen[r.ChunkID] = true
				merged = append(merged, r)
			}
		}
	}

	if o.cfg.Features.UseReranker && o.reranker != nil && len(merged) > 0 {
		merged = o.reranker.Rerank(ctx, question, merged, o.cfg.MaxResults)
	}

	if o.cfg.Features.UseCorrective && o.gate != nil && len(merged) > 0 {
		verdict, err := o.gate.Evaluate(ctx, question, merged, true)
		if err == nil && verdict.NeedsRetry {
			wider := o.cfg.MaxResults * 2
			retryResults, _, rerr := o.retriever.Search(ctx, question, retrieval.SearchOptions{
				Owner: owner, MaxResults: wider,
			})
			if rerr == nil {
				unionSeen := make(map[int64]bool)
				var union []store.RetrievalResult
				for _, r := range append(merged, retryResults...) {
					if !unionSeen[r.ChunkID] {
						unionSeen[r.ChunkID] = true
						union = append(union, r)
					}
				}
				if o.reranker != nil {
					union = o.reranker.Rerank(ctx, question, union, o.cfg.MaxResults)
				}
				// At most one re-trial: re-evaluate once more purely for
				// diagnostics, but never trigger a second retry.
				o.gate.Evaluate(ctx, question, union, false)
				merged = union
			}
		}
	}

	return merged, lastTrace, nil
}

// stream runs generation and relays tokens to the session's chat stream
// topic, publishing a terminal stream_ended event with the cancellation
// reason when the context is cancelled mid-stream.
func (o *Orchestrator) stream(ctx context.Context, conversationID int64, sessionID, question string, chunks []store.RetrievalResult, trace *retrieval.SearchTrace, history []reasoning.HistoryTurn) (*Result, error) {
	topic := session.ChatStreamTopic(sessionID)
	var partial []byte

	onToken := func(tok string) error {
		partial = append(partial, tok...)
		if o.bus != nil {
			o.bus.Publish(ctx, topic, session.ChatStreamEvent{Type: "token", Token: tok})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	answer, err := o.reasoner.ReasonStream(ctx, question, chunks, reasoning.Options{MaxRounds: o.cfg.MaxRounds, History: history}, onToken)

	cancelled := false
	reason := "completed"
	if err != nil {
		if ctx.Err() != nil {
			cancelled = true
			reason = "cancelled"
		} else {
			reason = "error"
		}
	}

	if o.bus != nil {
		o.bus.Publish(context.Background(), topic, session.ChatStreamEvent{Type: "stream_ended", Reason: reason})
	}

	text := string(partial)
	if answer != nil {
		text = answer.Text
	}

	// Persist whatever text was produced, even on cancellation, so a
	// partial answer survives the interrupted stream.
	var msgID int64
	if text != "" {
		msgID, _ = o.appendWithRetry(context.Background(), conversationID, "assistant", text)
	}

	result := &Result{
		ConversationID: conversationID,
		MessageID:      msgID,
		Text:           text,
		Cancelled:      cancelled,
		Answer:         answer,
		Trace:          trace,
	}
	if cancelled {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("chat: generation: %w", err)
	}
	return result, nil
}

// persistWithRetry appends a message, retrying on transient store failures
// with exponential backoff since a dropped user message would silently
// desync the conversation from what the model actually saw.
func (o *Orchestrator) persistWithRetry(ctx context.Context, conversationID int64, role, content string) error {
	_, err := o.appendWithRetry(ctx, conversationID, role, content)
	return err
}

func (o *Orchestrator) appendWithRetry(ctx context.Context, conversationID int64, role, content string) (int64, error) {
	var id int64
	op := func() error {
		var err error
		id, err = o.store.AppendMessage(ctx, conversationID, role, content, "")
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return 0, err
	}
	return id, nil
}
