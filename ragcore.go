package ragcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/brunobiangulo/ragcore/chat"
	"github.com/brunobiangulo/ragcore/chunker"
	"github.com/brunobiangulo/ragcore/corrective"
	"github.com/brunobiangulo/ragcore/embed"
	"github.com/brunobiangulo/ragcore/expand"
	"github.com/brunobiangulo/ragcore/graph"
	"github.com/brunobiangulo/ragcore/ingest"
	"github.com/brunobiangulo/ragcore/llm"
	"github.com/brunobiangulo/ragcore/parser"
	"github.com/brunobiangulo/ragcore/reasoning"
	"github.com/brunobiangulo/ragcore/rerank"
	"github.com/brunobiangulo/ragcore/retrieval"
	"github.com/brunobiangulo/ragcore/session"
	"github.com/brunobiangulo/ragcore/store"
)

// Engine is the main entry point for the Graph RAG engine. Every operation
// that touches stored documents, conversations, or chunks is scoped to an
// owner (tenant); owner-scoped isolation is enforced all the way down to the
// SQL layer, not just at this API boundary.
type Engine interface {
	// Ingest runs a document through the ingestion coordinator: hashing,
	// parsing, chunking, embedding, and (optionally) graph extraction.
	// Deduplicates on (owner, content hash) — re-uploading unchanged content
	// returns the existing document id without redoing any work.
	Ingest(ctx context.Context, owner, path string, opts ...IngestOption) (int64, error)

	// Query runs a one-shot question through hybrid retrieval + multi-round
	// reasoning, scoped to owner's documents.
	Query(ctx context.Context, owner, question string, opts ...QueryOption) (*Answer, error)

	// StartConversation opens a new conversation for owner and returns its id.
	StartConversation(ctx context.Context, owner, title string) (int64, error)

	// CreateSession opens a new session on the Session Bus for owner and
	// returns its id, used to subscribe to this session's chat stream topic.
	CreateSession(ctx context.Context, owner string) (string, error)

	// Chat streams an answer into an existing conversation, publishing token
	// and stream_ended events to the Session Bus under sessionID's topic.
	// onToken is invoked synchronously for every generated token; returning
	// an error (or ctx being cancelled) stops generation but a partial
	// answer is still persisted and returned.
	Chat(ctx context.Context, owner string, conversationID int64, sessionID, question string, onToken func(string) error) (*Answer, error)

	// Update re-checks a document by hash. Re-ingests if changed.
	Update(ctx context.Context, owner, path string) (bool, error)

	// UpdateAll checks all of owner's ingested documents for changes.
	UpdateAll(ctx context.Context, owner string) ([]UpdateResult, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// ListDocuments returns owner's ingested documents.
	ListDocuments(ctx context.Context, owner string) ([]Document, error)

	// Store returns the underlying store for diagnostic access (e.g. eval ground-truth checks).
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Answer represents the result of a query.
type Answer struct {
	Text             string                `json:"text"`
	Confidence       float64               `json:"confidence"`
	Sources          []Source              `json:"sources"`
	Reasoning        []Step                `json:"reasoning"`
	RetrievalTrace   *retrieval.SearchTrace `json:"retrieval_trace,omitempty"`
	ModelUsed        string                `json:"model_used"`
	Rounds           int                   `json:"rounds"`
	PromptTokens     int                   `json:"prompt_tokens"`
	CompletionTokens int                   `json:"completion_tokens"`
	TotalTokens      int                   `json:"total_tokens"`
	Cancelled        bool                  `json:"cancelled,omitempty"`
}

// Source represents a retrieved source chunk backing an answer.
type Source struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading"`
	PageNumber int     `json:"page_number"`
	Score      float64 `json:"score"`
}

// Step represents a single reasoning round in the multi-round pipeline.
type Step struct {
	Round      int      `json:"round"`
	Action     string   `json:"action"`
	Input      string   `json:"input,omitempty"`
	Output     string   `json:"output,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Response   string   `json:"response,omitempty"`
	Validation string   `json:"validation,omitempty"`
	ChunksUsed int      `json:"chunks_used,omitempty"`
	Tokens     int      `json:"tokens,omitempty"`
	ElapsedMs  int64    `json:"elapsed_ms,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// Document represents an ingested document.
type Document struct {
	ID          int64             `json:"id"`
	Path        string            `json:"path"`
	Filename    string            `json:"filename"`
	Format      string            `json:"format"`
	ContentHash string            `json:"content_hash"`
	ParseMethod string            `json:"parse_method"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// UpdateResult reports the outcome of a document update check.
type UpdateResult struct {
	DocumentID int64  `json:"document_id"`
	Path       string `json:"path"`
	Changed    bool   `json:"changed"`
	Error      error  `json:"error,omitempty"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	forceReparse bool
	parseMethod  string
	metadata     map[string]string
}

// WithForceReparse forces re-parsing even if the hash hasn't changed.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.forceReparse = true }
}

// WithParseMethod overrides the automatic parse method selection.
func WithParseMethod(method string) IngestOption {
	return func(o *ingestOptions) { o.parseMethod = method }
}

// WithMetadata attaches custom metadata to the ingested document.
func WithMetadata(metadata map[string]string) IngestOption {
	return func(o *ingestOptions) { o.metadata = metadata }
}

// QueryOption configures query behavior.
type QueryOption func(*queryOptions)

type queryOptions struct {
	maxResults        int
	maxRounds         int
	weightVec         float64
	weightFTS         float64
	weightGraph       float64
	useReranker       *bool
	useQueryExpansion *bool
	useCorrective     *bool
}

// WithMaxResults sets the maximum number of chunks to retrieve.
func WithMaxResults(n int) QueryOption {
	return func(o *queryOptions) { o.maxResults = n }
}

// WithMaxRounds overrides the maximum reasoning rounds for this query.
func WithMaxRounds(n int) QueryOption {
	return func(o *queryOptions) { o.maxRounds = n }
}

// WithWeights overrides the retrieval weights for this query.
func WithWeights(vec, fts, graph float64) QueryOption {
	return func(o *queryOptions) {
		o.weightVec = vec
		o.weightFTS = fts
		o.weightGraph = graph
	}
}

// WithReranker overrides the engine-level reranker toggle for this query.
func WithReranker(enabled bool) QueryOption {
	return func(o *queryOptions) { o.useReranker = &enabled }
}

// WithQueryExpansion overrides the engine-level query expansion toggle for this query.
func WithQueryExpansion(enabled bool) QueryOption {
	return func(o *queryOptions) { o.useQueryExpansion = &enabled }
}

// WithCorrective overrides the engine-level corrective gate toggle for this query.
func WithCorrective(enabled bool) QueryOption {
	return func(o *queryOptions) { o.useCorrective = &enabled }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg          Config
	store        *store.Store
	chatLLM      llm.Provider
	embedLLM     llm.Provider
	visionLLM    llm.Provider
	parsers      *parser.Registry
	chunkr       *chunker.Chunker
	graphB       *graph.Builder
	retriever    *retrieval.Engine
	reasoner     *reasoning.Engine
	embedder     *embed.Embedder
	bus          *session.Bus
	coordinator  *ingest.Coordinator
	orchestrator *chat.Orchestrator
	expander     *expand.Expander
	reranker     *rerank.Reranker
	gate         *corrective.Gate
}

// New creates a new ragcore engine with the given configuration.
func New(cfg Config) (Engine, error) {
	// Resolve database path from config (DBPath > DBName+StorageDir > default)
	dbPath := cfg.resolveDBPath()

	// Apply defaults for zero values
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	// Open store
	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// Create LLM providers
	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var visionLLM llm.Provider
	if cfg.Vision.Provider != "" {
		visionLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Vision.Provider,
			Model:    cfg.Vision.Model,
			BaseURL:  cfg.Vision.BaseURL,
			APIKey:   cfg.Vision.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating vision provider: %w", err)
		}
	}

	// Create parser registry
	reg := parser.NewRegistry()
	if cfg.LlamaParse != nil {
		reg.SetLlamaParse(parser.LlamaParseConfig{
			APIKey:  cfg.LlamaParse.APIKey,
			BaseURL: cfg.LlamaParse.BaseURL,
		})
	}

	// Create chunker
	chunkr := chunker.New(chunker.Policy{
		TargetWords:        cfg.ChunkTargetWords,
		OverlapWords:       cfg.ChunkOverlap,
		MinWords:           cfg.ChunkMinWords,
		MaxChars:           cfg.ChunkMaxChars,
		PreserveTables:     cfg.ChunkPreserveTables,
		SectionInheritance: cfg.ChunkSectionInheritance,
	})

	// Create graph builder
	graphB := graph.NewBuilder(s, chatLLM, embedLLM, cfg.GraphConcurrency)

	// Create retrieval engine (chatLLM enables cross-language query translation)
	retriever := retrieval.New(s, embedLLM, chatLLM, retrieval.Config{
		WeightVector: cfg.WeightVector,
		WeightFTS:    cfg.WeightFTS,
		WeightGraph:  cfg.WeightGraph,
	})

	// Create reasoning engine
	reasoner := reasoning.New(chatLLM, reasoning.Config{
		MaxRounds:           cfg.MaxRounds,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	})

	// Shared embedder: adaptive-batch-size wrapper around the embedding
	// provider, used by both the ingestion coordinator and the reranker.
	embedder := embed.New(embedLLM, 0)

	// Session Bus: degrades to an in-process pub/sub if RedisAddr is unset.
	ttl := time.Duration(cfg.SessionTTL) * time.Second
	bus := session.New(cfg.RedisAddr, ttl)

	coordinator := ingest.New(s, reg, chunkr, embedder, graphB, chatLLM, bus, cfg.IngestWorkers)

	expander := expand.New(chatLLM, 0)
	reranker := rerank.New(embedder)
	gate := corrective.New(chatLLM, corrective.Config{})

	orchestrator := chat.New(s, retriever, reasoner, expander, reranker, gate, bus, chat.Config{
		Features: chat.Features{
			UseRAG:            cfg.UseRAG,
			UseHybrid:         cfg.UseHybrid,
			UseReranker:       cfg.UseReranker,
			UseQueryExpansion: cfg.UseQueryExpansion,
			UseCorrective:     cfg.UseCorrective,
		},
		MaxResults: 20,
		MaxRounds:  cfg.MaxRounds,
	})

	return &engine{
		cfg:          cfg,
		store:        s,
		chatLLM:      chatLLM,
		embedLLM:     embedLLM,
		visionLLM:    visionLLM,
		parsers:      reg,
		chunkr:       chunkr,
		graphB:       graphB,
		retriever:    retriever,
		reasoner:     reasoner,
		embedder:     embedder,
		bus:          bus,
		coordinator:  coordinator,
		orchestrator: orchestrator,
		expander:     expander,
		reranker:     reranker,
		gate:         gate,
	}, nil
}

// Ingest processes a document through the ingestion coordinator, scoped to owner.
func (e *engine) Ingest(ctx context.Context, owner, path string, opts ...IngestOption) (int64, error) {
	if owner == "" {
		return 0, NewError(KindInvalidInput, "Ingest", fmt.Errorf("owner is required"))
	}
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	docID, err := e.coordinator.Ingest(ctx, owner, path, ingest.Options{
		ForceReparse: options.forceReparse,
		ParseMethod:  options.parseMethod,
		Metadata:     options.metadata,
		SkipGraph:    e.cfg.SkipGraph,
	})
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}
	return docID, nil
}

// StartConversation opens a new conversation for owner.
func (e *engine) StartConversation(ctx context.Context, owner, title string) (int64, error) {
	if owner == "" {
		return 0, NewError(KindInvalidInput, "StartConversation", fmt.Errorf("owner is required"))
	}
	return e.store.CreateConversation(ctx, owner, title)
}

// CreateSession opens a new Session Bus session for owner.
func (e *engine) CreateSession(ctx context.Context, owner string) (string, error) {
	if owner == "" {
		return "", NewError(KindInvalidInput, "CreateSession", fmt.Errorf("owner is required"))
	}
	s, err := e.bus.CreateSession(ctx, owner)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// Chat streams an answer into conversationID via the chat orchestrator.
// onToken is driven by subscribing to the Session Bus topic the orchestrator
// publishes to, so a caller watching via onToken sees the same token stream
// a Redis (or degraded in-process) subscriber on another process would. If
// onToken returns an error, generation is cancelled cooperatively: the
// subscription loop cancels a derived context, which the orchestrator's
// streaming loop observes on its own next token boundary.
func (e *engine) Chat(ctx context.Context, owner string, conversationID int64, sessionID, question string, onToken func(string) error) (*Answer, error) {
	if owner == "" {
		return nil, NewError(KindInvalidInput, "Chat", fmt.Errorf("owner is required"))
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if onToken != nil {
		sub := e.bus.Subscribe(ctx, session.ChatStreamTopic(sessionID))
		go func() {
			defer sub.Close()
			for {
				select {
				case <-genCtx.Done():
					return
				case payload, ok := <-sub.C:
					if !ok {
						return
					}
					var evt session.ChatStreamEvent
					if err := json.Unmarshal(payload, &evt); err != nil {
						continue
					}
					switch evt.Type {
					case "token":
						if err := onToken(evt.Token); err != nil {
							cancel()
							return
						}
					case "stream_ended":
						return
					}
				}
			}
		}()
	}

	result, err := e.orchestrator.GenerateAnswer(genCtx, owner, conversationID, sessionID, question)
	if err != nil {
		return nil, err
	}
	answer := &Answer{Text: result.Text, Cancelled: result.Cancelled}
	if result.Answer != nil {
		answer.Confidence = result.Answer.Confidence
		answer.ModelUsed = result.Answer.ModelUsed
		answer.Rounds = result.Answer.Rounds
		answer.PromptTokens = result.Answer.PromptTokens
		answer.CompletionTokens = result.Answer.CompletionTokens
		answer.TotalTokens = result.Answer.TotalTokens
		for _, s := range result.Answer.Sources {
			answer.Sources = append(answer.Sources, Source{
				ChunkID:    s.ChunkID,
				DocumentID: s.DocumentID,
				Filename:   s.Filename,
				Content:    s.Content,
				Heading:    s.Heading,
				PageNumber: s.PageNumber,
				Score:      s.Score,
			})
		}
	}
	answer.RetrievalTrace = result.Trace
	return answer, nil
}

// Query runs hybrid retrieval and multi-round reasoning, scoped to owner.
func (e *engine) Query(ctx context.Context, owner, question string, opts ...QueryOption) (*Answer, error) {
	if owner == "" {
		return nil, NewError(KindInvalidInput, "Query", fmt.Errorf("owner is required"))
	}
	options := &queryOptions{
		maxResults:  20,
		maxRounds:   e.cfg.MaxRounds,
		weightVec:   e.cfg.WeightVector,
		weightFTS:   e.cfg.WeightFTS,
		weightGraph: e.cfg.WeightGraph,
	}
	for _, o := range opts {
		o(options)
	}
	useReranker := e.cfg.UseReranker
	if options.useReranker != nil {
		useReranker = *options.useReranker
	}
	useExpansion := e.cfg.UseQueryExpansion
	if options.useQueryExpansion != nil {
		useExpansion = *options.useQueryExpansion
	}
	useCorrective := e.cfg.UseCorrective
	if options.useCorrective != nil {
		useCorrective = *options.useCorrective
	}

	queries := []string{question}
	if useExpansion && e.expander != nil {
		queries = e.expander.Expand(ctx, question)
	}

	// Hybrid retrieval, merged across expanded query variants.
	seenChunks := make(map[int64]bool)
	var results []store.RetrievalResult
	var searchTrace *retrieval.SearchTrace
	for _, q := range queries {
		qResults, trace, err := e.retriever.Search(ctx, q, retrieval.SearchOptions{
			Owner:       owner,
			MaxResults:  options.maxResults,
			WeightVec:   options.weightVec,
			WeightFTS:   options.weightFTS,
			WeightGraph: options.weightGraph,
		})
		if err != nil {
			if len(results) > 0 {
				continue
			}
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		searchTrace = trace
		for _, r := range qResults {
			if !seenChunks[r.ChunkID] {
				seenChunks[r.ChunkID] = true
				results = append(results, r)
			}
		}
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	if useReranker && e.reranker != nil {
		results = e.reranker.Rerank(ctx, question, results, options.maxResults)
	}

	if useCorrective && e.gate != nil {
		verdict, gerr := e.gate.Evaluate(ctx, question, results, true)
		if gerr == nil && verdict.NeedsRetry {
			wider := options.maxResults * 2
			retryResults, _, rerr := e.retriever.Search(ctx, question, retrieval.SearchOptions{
				Owner:       owner,
				MaxResults:  wider,
				WeightVec:   options.weightVec * 2,
				WeightFTS:   options.weightFTS * 2,
				WeightGraph: options.weightGraph,
			})
			if rerr == nil {
				unionSeen := make(map[int64]bool)
				var union []store.RetrievalResult
				for _, r := range append(results, retryResults...) {
					if !unionSeen[r.ChunkID] {
						unionSeen[r.ChunkID] = true
						union = append(union, r)
					}
				}
				if useReranker && e.reranker != nil {
					union = e.reranker.Rerank(ctx, question, union, options.maxResults)
				}
				// At most one re-trial: evaluate once more for diagnostics
				// but never trigger a second retry.
				e.gate.Evaluate(ctx, question, union, false)
				results = union
			}
		}
	}

	// Multi-round reasoning
	rAnswer, err := e.reasoner.Reason(ctx, question, results, reasoning.Options{
		MaxRounds: options.maxRounds,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning: %w", err)
	}

	// Follow-up retrieval for synthesis queries with a full initial window.
	// When the first retrieval filled the entire result window, there are
	// likely more relevant chunks we didn't see. Extract identifiers from
	// the round-1 answer that don't appear in retrieved chunks (these may
	// be hallucinated or from LLM prior knowledge) and do a targeted FTS
	// search to find supporting evidence or disprove them.
	//
	// Gate: compare against FusedResults (the actual window size after
	// synthesis widening) rather than the caller's original maxResults,
	// so we only fire when the widened window was truly filled.
	if searchTrace != nil && searchTrace.SynthesisMode && searchTrace.FusedResults >= searchTrace.MaxRequested {
		// The widened window was filled — there are likely more chunks.
		missing := extractMissingTerms(rAnswer.Text, results)
		if len(missing) > 0 {
			slog.Debug("retrieval: synthesis follow-up",
				"missing_terms", missing, "count", len(missing))

			// Replace hyphens with spaces so FTS tokenisation matches the
			// index (FTS5 treats hyphens as separators). E.g. "ISO 13849-1"
			// becomes "ISO 13849 1" → tokens match the indexed content.
			ftsTerms := make([]string, len(missing))
			for i, m := range missing {
				ftsTerms[i] = strings.ReplaceAll(m, "-", " ")
			}
			ftsQuery := strings.Join(ftsTerms, " OR ")

			extraResults, followTrace, ferr := e.retriever.Search(ctx, ftsQuery, retrieval.SearchOptions{
				Owner:       owner,
				MaxResults:  15,
				WeightFTS:   2.0,
				WeightVec:   0.5,
				WeightGraph: 1.0,
			})

			// Record follow-up in the original trace for diagnostics.
			searchTrace.FollowUpTerms = missing
			if followTrace != nil {
				searchTrace.FollowUpResults = followTrace.FusedResults
			}

			if ferr == nil && len(extraResults) > 0 {
				merged := mergeResults(results, extraResults)
				slog.Debug("retrieval: synthesis follow-up merged",
					"extra", len(extraResults), "total", len(merged))

				// Accumulate token counts from the first reasoning call
				// so the final answer reflects total usage.
				firstPromptTokens := rAnswer.PromptTokens
				firstCompletionTokens := rAnswer.CompletionTokens

				// Re-run reasoning with expanded context
				rAnswer2, rerr := e.reasoner.Reason(ctx, question, merged, reasoning.Options{
					MaxRounds: options.maxRounds,
				})
				if rerr == nil {
					rAnswer2.PromptTokens += firstPromptTokens
					rAnswer2.CompletionTokens += firstCompletionTokens
					rAnswer2.TotalTokens = rAnswer2.PromptTokens + rAnswer2.CompletionTokens
					rAnswer2.Rounds += rAnswer.Rounds
					rAnswer = rAnswer2
					results = merged
				}
			}
		}
	}

	// Convert reasoning.Answer -> ragcore.Answer
	answer := &Answer{
		Text:             rAnswer.Text,
		Confidence:       rAnswer.Confidence,
		RetrievalTrace:   searchTrace,
		ModelUsed:        rAnswer.ModelUsed,
		Rounds:           rAnswer.Rounds,
		PromptTokens:     rAnswer.PromptTokens,
		CompletionTokens: rAnswer.CompletionTokens,
		TotalTokens:      rAnswer.TotalTokens,
	}
	for _, s := range rAnswer.Sources {
		answer.Sources = append(answer.Sources, Source{
			ChunkID:    s.ChunkID,
			DocumentID: s.DocumentID,
			Filename:   s.Filename,
			Content:    s.Content,
			Heading:    s.Heading,
			PageNumber: s.PageNumber,
			Score:      s.Score,
		})
	}
	for _, s := range rAnswer.Reasoning {
		answer.Reasoning = append(answer.Reasoning, Step{
			Round:      s.Round,
			Action:     s.Action,
			Input:      s.Input,
			Output:     s.Output,
			Prompt:     s.Prompt,
			Response:   s.Response,
			Validation: s.Validation,
			ChunksUsed: s.ChunksUsed,
			Tokens:     s.Tokens,
			ElapsedMs:  s.ElapsedMs,
			Issues:     s.Issues,
		})
	}

	// Log query
	e.store.LogQuery(ctx, store.QueryLog{
		Query:            question,
		Answer:           answer.Text,
		Confidence:       answer.Confidence,
		Sources:          answer.Sources,
		RetrievalMethod:  "hybrid",
		ModelUsed:        answer.ModelUsed,
		Rounds:           answer.Rounds,
		PromptTokens:     answer.PromptTokens,
		CompletionTokens: answer.CompletionTokens,
		TotalTokens:      answer.TotalTokens,
	})

	return answer, nil
}

// Update checks if a document has changed and re-ingests if needed. Content
// hashing and (owner, hash) dedup happen inside the ingestion coordinator;
// Update only needs to tell whether re-ingestion produced a different
// document id than what was previously on record for this path.
func (e *engine) Update(ctx context.Context, owner, path string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}

	var previousID int64
	if existing, err := e.store.GetDocumentByPath(ctx, absPath); err == nil {
		previousID = existing.ID
	}

	docID, err := e.Ingest(ctx, owner, absPath)
	if err != nil {
		return false, err
	}
	return docID != previousID, nil
}

// UpdateAll checks all of owner's documents for changes.
func (e *engine) UpdateAll(ctx context.Context, owner string) ([]UpdateResult, error) {
	docs, err := e.store.ListDocuments(ctx, owner)
	if err != nil {
		return nil, err
	}

	results := make([]UpdateResult, 0, len(docs))
	for _, doc := range docs {
		changed, err := e.Update(ctx, owner, doc.Path)
		results = append(results, UpdateResult{
			DocumentID: doc.ID,
			Path:       doc.Path,
			Changed:    changed,
			Error:      err,
		})
	}
	return results, nil
}

// Delete removes a document and all its associated data.
func (e *engine) Delete(ctx context.Context, documentID int64) error {
	return e.store.DeleteDocument(ctx, documentID)
}

// ListDocuments returns owner's ingested documents.
func (e *engine) ListDocuments(ctx context.Context, owner string) ([]Document, error) {
	docs, err := e.store.ListDocuments(ctx, owner)
	if err != nil {
		return nil, err
	}

	result := make([]Document, len(docs))
	for i, d := range docs {
		result[i] = Document{
			ID:          d.ID,
			Path:        d.Path,
			Filename:    d.Filename,
			Format:      d.Format,
			ContentHash: d.ContentHash,
			ParseMethod: d.ParseMethod,
			Status:      d.Status,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		}
		if d.Metadata != "" {
			_ = json.Unmarshal([]byte(d.Metadata), &result[i].Metadata)
		}
	}
	return result, nil
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	e.embedder.Close()
	e.bus.Close()
	return e.store.Close()
}

// Regex patterns for extracting technical identifiers from answer text.
// Mirrors the patterns in graph/builder.go for consistency.
var answerIdentifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:ISO|EN|IEC|MIL-STD|ASTM|IEEE|NIST|AS|BS)\s*[-]?\s*\d[\w.-]*`),
	regexp.MustCompile(`(?i)(?:PN[:\s]*|P/N[:\s]*)?[A-Z]{1,3}[-]?\d{3,6}`),
	regexp.MustCompile(`(?i)Rev\.?\s*[A-Z0-9]{1,5}`),
	regexp.MustCompile(`\b[A-Z]{2,4}-[A-Z]{1,4}\b`),
	regexp.MustCompile(`(?i)\d+(?:\.\d+)?\s*[Vv](?:AC|DC|ac|dc)?\b`),
	regexp.MustCompile(`(?i)IP\s*\d{2}\b`),                          // IP ratings like IP54
	regexp.MustCompile(`(?i)(?:UNE|NTP|ANSI|DIN|JIS|NF)\s*[-]?\s*\d[\w.-]*`), // additional standard prefixes
}

// falsePositivePrefixes filters out regex matches that are common in LLM
// prose but are not real technical identifiers.
var falsePositivePrefixes = []string{
	"figure ", "fig ", "table ", "step ", "page ", "section ",
	"chapter ", "item ", "part ", "ref ",
}

// isFalsePositiveIdentifier returns true if the matched string is likely
// a document cross-reference rather than a real technical identifier.
func isFalsePositiveIdentifier(ctx string, match string) bool {
	// Check if the match is preceded by a prose prefix in the surrounding text.
	idx := strings.Index(strings.ToLower(ctx), strings.ToLower(match))
	if idx <= 0 {
		return false
	}
	before := strings.ToLower(ctx[max(0, idx-10):idx])
	for _, p := range falsePositivePrefixes {
		if strings.HasSuffix(before, p) {
			return true
		}
	}
	return false
}

// extractMissingTerms finds technical identifiers in the answer text that do
// not appear in any of the retrieved chunks. These are candidates for targeted
// follow-up retrieval — they may be hallucinated or sourced from the LLM's
// prior knowledge, and finding supporting chunks improves answer grounding.
func extractMissingTerms(answer string, chunks []store.RetrievalResult) []string {
	// Build a single lowercase string of all retrieved content for fast lookup.
	var buf strings.Builder
	for _, c := range chunks {
		buf.WriteString(strings.ToLower(c.Content))
		buf.WriteByte(' ')
	}
	chunkContent := buf.String()

	seen := make(map[string]bool)
	var missing []string
	for _, p := range answerIdentifierPatterns {
		for _, m := range p.FindAllString(answer, -1) {
			key := strings.ToLower(strings.TrimSpace(m))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if isFalsePositiveIdentifier(answer, m) {
				continue
			}
			if !strings.Contains(chunkContent, key) {
				missing = append(missing, m)
			}
		}
	}
	return missing
}

// mergeResults appends extra retrieval results to the existing set,
// deduplicating by ChunkID. New results are appended at the end (lower
// priority than the original set).
func mergeResults(existing, extra []store.RetrievalResult) []store.RetrievalResult {
	seen := make(map[int64]bool, len(existing))
	for _, r := range existing {
		seen[r.ChunkID] = true
	}
	merged := make([]store.RetrievalResult, len(existing))
	copy(merged, existing)
	for _, r := range extra {
		if !seen[r.ChunkID] {
			seen[r.ChunkID] = true
			merged = append(merged, r)
		}
	}
	return merged
}
