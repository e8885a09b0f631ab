// Package ingest implements the Ingestion Coordinator: a state machine that
// carries a document from bytes on disk through parsing, chunking,
// embedding, and (optionally) knowledge-graph extraction, publishing
// rate-limited progress events to the Session Bus as it goes. A bounded
// worker pool caps how many documents are processed concurrently
// process-wide, and a per-owner lock serializes the embedding stage so one
// tenant's large upload can't starve another's embedding throughput.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brunobiangulo/ragcore/chunker"
	"github.com/brunobiangulo/ragcore/embed"
	"github.com/brunobiangulo/ragcore/graph"
	"github.com/brunobiangulo/ragcore/llm"
	"github.com/brunobiangulo/ragcore/parser"
	"github.com/brunobiangulo/ragcore/session"
	"github.com/brunobiangulo/ragcore/store"
)

const (
	defaultWorkers      = 4
	progressRateLimit   = 250 * time.Millisecond
	stageHashDone       = 5
	stageParseDone      = 40
	stageChunkDone      = 55
	stageEmbedDone      = 95
	stageComplete       = 100
)

// Options configures a single ingest call.
type Options struct {
	ForceReparse bool
	ParseMethod  string
	Metadata     map[string]string
	SkipGraph    bool
}

// Coordinator runs documents through the ingestion state machine.
type Coordinator struct {
	store    *store.Store
	parsers  *parser.Registry
	chunkr   *chunker.Chunker
	embedder *embed.Embedder
	graphB   *graph.Builder
	chat     llm.Provider
	bus      *session.Bus

	workers chan struct{}

	ownerLocksMu sync.Mutex
	ownerLocks   map[string]*sync.Mutex
}

// New creates a Coordinator. workers of zero uses the default pool size (4).
func New(s *store.Store, parsers *parser.Registry, chunkr *chunker.Chunker, embedder *embed.Embedder, graphB *graph.Builder, chat llm.Provider, bus *session.Bus, workers int) *Coordinator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Coordinator{
		store:      s,
		parsers:    parsers,
		chunkr:     chunkr,
		embedder:   embedder,
		graphB:     graphB,
		chat:       chat,
		bus:        bus,
		workers:    make(chan struct{}, workers),
		ownerLocks: make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) ownerLock(owner string) *sync.Mutex {
	c.ownerLocksMu.Lock()
	defer c.ownerLocksMu.Unlock()
	l, ok := c.ownerLocks[owner]
	if !ok {
		l = &sync.Mutex{}
		c.ownerLocks[owner] = l
	}
	return l
}

// Ingest runs the full pipeline for a document belonging to owner, blocking
// until it completes, fails, or ctx is cancelled. It acquires a worker-pool
// slot up front so no more than the configured number of documents are
// mid-pipeline at once.
func (c *Coordinator) Ingest(ctx context.Context, owner, path string, opts Options) (int64, error) {
	select {
	case c.workers <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-c.workers }()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("ingest: resolving path: %w", err)
	}
	filename := filepath.Base(absPath)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))

	hash, err := fileHash(absPath)
	if err != nil {
		return 0, fmt.Errorf("ingest: hashing file: %w", err)
	}

	docID, alreadyPresent, err := c.store.CreateDocument(ctx, owner, filename, absPath, ext, hash, fileSize(absPath))
	if err != nil {
		return 0, fmt.Errorf("ingest: create document: %w", err)
	}
	if alreadyPresent && !opts.ForceReparse {
		slog.Info("ingest: duplicate content, skipping re-ingestion", "owner", owner, "doc_id", docID)
		return docID, nil
	}

	limiter := rate.NewLimiter(rate.Every(progressRateLimit), 1)
	publish := func(stage string, progress int, state, msg string) {
		// Only in-progress updates are rate-limited; a state change such as
		// a failure is always recorded.
		if progress < stageComplete && state == store.DocumentProcessing && !limiter.Allow() {
			return
		}
		c.store.UpdateDocumentStatus(ctx, docID, state, progress, stage, msg)
		if c.bus != nil {
			c.bus.Publish(ctx, session.DocumentProgressTopic(docID), session.DocumentProgressEvent{
				DocumentID: docID,
				Stage:      stage,
				Progress:   progress,
				State:      state,
				Message:    msg,
			})
		}
	}

	var metadataJSON string
	if opts.Metadata != nil {
		data, _ := json.Marshal(opts.Metadata)
		metadataJSON = string(data)
	}
	if metadataJSON != "" {
		c.store.UpdateDocumentMetadata(ctx, docID, metadataJSON)
	}

	publish("hashing", stageHashDone, store.DocumentProcessing, "")

	parseMethod := opts.ParseMethod
	if parseMethod == "" {
		parseMethod = "native"
	}
	p, err := c.parsers.Get(ext)
	if err != nil {
		publish("content_extraction", stageHashDone, store.DocumentFailed, "unsupported format: "+ext)
		return 0, fmt.Errorf("ingest: unsupported format %s: %w", ext, err)
	}

	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		publish("content_extraction", stageHashDone, store.DocumentFailed, err.Error())
		return 0, fmt.Errorf("ingest: parsing: %w", err)
	}
	c.store.UpdateDocumentParseMethod(ctx, docID, parsed.Method)
	publish("content_extraction", stageParseDone, store.DocumentProcessing, "")

	chunks := c.chunkr.Chunk(parsed.Sections)
	if err := c.store.DeleteDocumentData(ctx, docID); err != nil {
		return 0, fmt.Errorf("ingest: cleaning old data: %w", err)
	}
	for i := range chunks {
		chunks[i].DocumentID = docID
	}
	chunkIDs, err := c.store.InsertChunks(ctx, chunks)
	if err != nil {
		publish("chunking", stageParseDone, store.DocumentFailed, err.Error())
		return 0, fmt.Errorf("ingest: inserting chunks: %w", err)
	}
	publish("chunking", stageChunkDone, store.DocumentProcessing, "")

	// Embedding is serialized per owner so one tenant's large document
	// doesn't starve another tenant's embedding throughput on the shared
	// embedder.
	lock := c.ownerLock(owner)
	lock.Lock()
	embedErr := c.embedChunks(ctx, chunks, chunkIDs, docID, stageChunkDone, stageEmbedDone, publish)
	lock.Unlock()
	if embedErr != nil {
		publish("embedding", stageChunkDone, store.DocumentFailed, embedErr.Error())
		return 0, fmt.Errorf("ingest: embedding: %w", embedErr)
	}
	publish("embedding", stageEmbedDone, store.DocumentProcessing, "")

	if !opts.SkipGraph && c.graphB != nil {
		if err := c.graphB.Build(ctx, docID, chunks, chunkIDs); err != nil {
			slog.Warn("ingest: graph build had errors (non-fatal)", "doc_id", docID, "error", err)
		}
		communities, err := graph.DetectCommunities(ctx, c.store)
		if err != nil {
			slog.Warn("ingest: community detection failed (non-fatal)", "error", err)
		} else if len(communities) > 0 && c.chat != nil {
			if err := graph.SummarizeCommunities(ctx, c.store, c.chat, communities); err != nil {
				slog.Warn("ingest: community summarization failed (non-fatal)", "error", err)
			}
		}
	}

	publish("done", stageComplete, store.DocumentCompleted, "")
	return docID, nil
}

// embedChunks embeds in batches via the shared Embedder, publishing
// interpolated progress between startPct and endPct as batches complete.
func (c *Coordinator) embedChunks(ctx context.Context, chunks []store.Chunk, chunkIDs []int64, docID int64, startPct, endPct int, publish func(stage string, progress int, state, msg string)) error {
	const batchSize = 32
	total := len(chunks)
	if total == 0 {
		return nil
	}

	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = chunks[i].Content
		}
		vecs, err := c.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, v := range vecs {
			if err := c.store.InsertEmbedding(ctx, chunkIDs[start+i], v); err != nil {
				return fmt.Errorf("inserting embedding for chunk %d: %w", chunkIDs[start+i], err)
			}
		}

		frac := float64(end) / float64(total)
		progress := startPct + int(frac*float64(endPct-startPct))
		publish("embedding", progress, store.DocumentProcessing, "")
	}
	return nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
