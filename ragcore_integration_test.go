//go:build integration && cgo

package ragcore

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brunobiangulo/ragcore/store"
)

const (
	ollamaURL   = "http://localhost:11434"
	chatModel   = "qwen3:8b"
	embedModel  = "qwen3-embedding"
	embedDim    = 4096
	testTimeout = 10 * time.Minute
	testOwner   = "u1"
)

// shared holds the engine and ingested document ID set up once for all tests.
var shared struct {
	once    sync.Once
	eng     Engine
	docID   int64
	docPath string
	dbDir   string
	err     error
}

func ollamaAvailable() bool {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(ollamaURL + "/api/tags")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// warmModel sends a tiny request to force Ollama to load a model into memory.
func warmModel(model string) error {
	body := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}],"stream":false,"options":{"num_predict":1}}`, model)
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(ollamaURL+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// warmEmbedModel sends a tiny embedding request.
func warmEmbedModel(model string) error {
	body := fmt.Sprintf(`{"model":%q,"input":["test"]}`, model)
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(ollamaURL+"/api/embed", "application/json", strings.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func newTestEngine(t *testing.T, dbPath string) Engine {
	t.Helper()
	cfg := Config{
		DBPath: dbPath,
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    chatModel,
			BaseURL:  ollamaURL,
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    embedModel,
			BaseURL:  ollamaURL,
		},
		WeightVector:        1.0,
		WeightFTS:           1.0,
		WeightGraph:         0.5,
		MaxChunkTokens:      512,
		ChunkOverlap:        64,
		MaxRounds:           2,
		ConfidenceThreshold: 0.3,
		EmbeddingDim:        embedDim,
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

// setupShared creates the shared engine and ingests the scenario-1 document once.
func setupShared(t *testing.T) {
	t.Helper()
	shared.once.Do(func() {
		if !ollamaAvailable() {
			shared.err = fmt.Errorf("ollama not available")
			return
		}

		// Warm up both models sequentially (avoid concurrent loading).
		t.Log("Warming up embedding model...")
		if err := warmEmbedModel(embedModel); err != nil {
			shared.err = fmt.Errorf("warming embed model: %w", err)
			return
		}
		t.Log("Warming up chat model...")
		if err := warmModel(chatModel); err != nil {
			shared.err = fmt.Errorf("warming chat model: %w", err)
			return
		}

		dir, err := os.MkdirTemp("", "ragcore-integration-*")
		if err != nil {
			shared.err = err
			return
		}
		shared.dbDir = dir

		eng := newTestEngine(t, filepath.Join(dir, "integration_test.db"))
		shared.eng = eng

		docPath := createCapitalsDoc(dir)
		shared.docPath = docPath

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		t.Log("Ingesting scenario document...")
		docID, err := eng.Ingest(ctx, testOwner, docPath)
		if err != nil {
			shared.err = fmt.Errorf("ingesting document: %w", err)
			eng.Close()
			return
		}
		shared.docID = docID
		t.Logf("Document ingested: ID=%d", docID)
	})
}

func skipOrSetup(t *testing.T) {
	t.Helper()
	setupShared(t)
	if shared.err != nil {
		t.Skipf("shared setup failed: %v", shared.err)
	}
}

// createCapitalsDoc creates a minimal DOCX containing scenario 1's exact text.
func createCapitalsDoc(dir string) string {
	return createDOCX(dir, "capitals.docx", "Barcelona is the capital of Catalonia. Paris is the capital of France.")
}

func createDOCX(dir, name, text string) string {
	path := filepath.Join(dir, name)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	ct, _ := w.Create("[Content_Types].xml")
	ct.Write([]byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`))

	rels, _ := w.Create("_rels/.rels")
	rels.Write([]byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`))

	doc, _ := w.Create("word/document.xml")
	fmt.Fprintf(doc, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>%s</w:t></w:r></w:p>
  </w:body>
</w:document>`, text)

	w.Close()
	os.WriteFile(path, buf.Bytes(), 0644)
	return path
}

// --- Engine creation tests ---

func TestIntegrationEngineNew(t *testing.T) {
	if !ollamaAvailable() {
		t.Skip("Ollama not reachable")
	}

	dir := t.TempDir()
	eng := newTestEngine(t, filepath.Join(dir, "test.db"))
	defer eng.Close()

	docs, err := eng.ListDocuments(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("expected 0 documents in fresh DB, got %d", len(docs))
	}
}

// --- Scenario 1: basic ingest+query round-trip ---

func TestIntegrationScenario1BasicRoundTrip(t *testing.T) {
	skipOrSetup(t)

	if shared.docID <= 0 {
		t.Fatalf("expected valid docID, got %d", shared.docID)
	}

	ctx := context.Background()
	docs, err := shared.eng.ListDocuments(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) < 1 {
		t.Fatalf("expected at least 1 document, got %d", len(docs))
	}

	doc := docs[0]
	if doc.Format != "docx" {
		t.Errorf("document format: got %q, want %q", doc.Format, "docx")
	}
	if doc.Status != store.DocumentCompleted {
		t.Errorf("document status: got %q, want %q", doc.Status, store.DocumentCompleted)
	}

	qctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	answer, err := shared.eng.Query(qctx, testOwner, "What is the capital of France?",
		WithQueryExpansion(false),
		WithReranker(false),
	)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(answer.Sources) == 0 {
		t.Fatal("expected at least one source")
	}
	if !strings.Contains(answer.Sources[0].Content, "Paris") {
		t.Errorf("top chunk should contain %q, got: %s", "Paris", answer.Sources[0].Content)
	}
}

// --- Scenario 2: dedup on re-upload ---

func TestIntegrationScenario2DedupOnReupload(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	id2, err := shared.eng.Ingest(ctx, testOwner, shared.docPath)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if shared.docID != id2 {
		t.Errorf("idempotent Ingest: got different IDs %d vs %d", shared.docID, id2)
	}
}

// --- Scenario 3: hybrid fusion dominates either single stage ---

func TestIntegrationScenario3HybridFusionDominance(t *testing.T) {
	if !ollamaAvailable() {
		t.Skip("Ollama not reachable")
	}
	warmEmbedModel(embedModel)
	warmModel(chatModel)

	dir := t.TempDir()
	eng := newTestEngine(t, filepath.Join(dir, "hybrid_test.db"))
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	docPath := createDOCX(dir, "forcite.docx",
		"the Forcite module documentation describes polymer field setup. "+
			"molecular dynamics simulation guide for running MD trajectories. "+
			"unrelated notes about quarterly expense reports.")
	if _, err := eng.Ingest(ctx, testOwner, docPath); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	answer, err := eng.Query(ctx, testOwner, "Forcite MD guide", WithReranker(false))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	var hasForcite, hasMD bool
	for _, src := range answer.Sources {
		lower := strings.ToLower(src.Content)
		if strings.Contains(lower, "forcite") {
			hasForcite = true
		}
		if strings.Contains(lower, "molecular dynamics") || strings.Contains(lower, " md ") {
			hasMD = true
		}
	}
	if !hasForcite || !hasMD {
		t.Errorf("hybrid fusion should surface both lexical and semantic matches; forcite=%v md=%v, sources=%d",
			hasForcite, hasMD, len(answer.Sources))
	}
}

// --- Scenario 4: cancellation mid-stream ---

func TestIntegrationScenario4CancellationMidStream(t *testing.T) {
	skipOrSetup(t)

	convID, err := shared.eng.StartConversation(context.Background(), testOwner, "scenario-4")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	sessionID, err := shared.eng.CreateSession(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var tokens int
	stop := time.After(500 * time.Millisecond)
	onToken := func(tok string) error {
		tokens++
		select {
		case <-stop:
			return fmt.Errorf("stop requested")
		default:
			return nil
		}
	}

	start := time.Now()
	answer, err := shared.eng.Chat(ctx, testOwner, convID, sessionID, "Describe European capitals in detail.", onToken)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !answer.Cancelled {
		t.Error("expected Cancelled=true after stop signal")
	}
	if elapsed > 2*time.Second+testTimeout {
		t.Errorf("token emission should cease promptly, took %v", elapsed)
	}
}

// --- Scenario 5: ingestion embedder OOM-then-recover ---
//
// The batch-size step-down and retry behavior itself is covered at the unit
// level (embed.TestEmbedBatchStepsDownOnOOMThenRecovers); this confirms the
// end-to-end ingest path still reaches completed with a real embedder.

func TestIntegrationScenario5IngestRecoversToCompleted(t *testing.T) {
	skipOrSetup(t)

	ctx := context.Background()
	docs, err := shared.eng.ListDocuments(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	for _, d := range docs {
		if d.ID == shared.docID && d.Status != store.DocumentCompleted {
			t.Errorf("document %d should be completed, got %q", d.ID, d.Status)
		}
	}
}

// --- Scenario 6: corrective gate triggers re-retrieval ---
//
// Gate re-trial bounding is covered at the unit level
// (corrective.TestEvaluateNeedsRetryBelowMinRelevant); this exercises the
// full Query path with the corrective feature enabled against a real store.

func TestIntegrationScenario6CorrectiveGateRetrial(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	answer, err := shared.eng.Query(ctx, testOwner, "What is the capital of France?", WithCorrective(true))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if answer.Text == "" {
		t.Fatal("expected non-empty answer")
	}
}

// --- General query tests ---

func TestIntegrationQueryNoResults(t *testing.T) {
	if !ollamaAvailable() {
		t.Skip("Ollama not reachable")
	}

	dir := t.TempDir()
	eng := newTestEngine(t, filepath.Join(dir, "empty.db"))
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := eng.Query(ctx, testOwner, "What is the tensile strength?")
	if err == nil {
		t.Fatal("expected error querying empty database")
	}
}

func TestIntegrationQueryWithOptions(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	answer, err := shared.eng.Query(ctx, testOwner, "What is the capital of Catalonia?",
		WithMaxRounds(1),
		WithMaxResults(5),
	)
	if err != nil {
		t.Fatalf("Query with options: %v", err)
	}

	if answer.Rounds != 1 {
		t.Errorf("expected 1 round with MaxRounds=1, got %d", answer.Rounds)
	}
	if answer.Text == "" {
		t.Error("empty answer")
	}
}

// --- Answer structure test ---

func TestIntegrationAnswerStructure(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	answer, err := shared.eng.Query(ctx, testOwner, "What is the capital of France?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if answer.Text == "" {
		t.Error("Text is empty")
	}
	if answer.Confidence < 0 || answer.Confidence > 1 {
		t.Errorf("Confidence out of range [0,1]: %f", answer.Confidence)
	}
	if answer.Rounds < 1 {
		t.Errorf("Rounds < 1: %d", answer.Rounds)
	}
	if answer.ModelUsed == "" {
		t.Error("ModelUsed is empty")
	}

	if len(answer.Sources) == 0 {
		t.Fatal("no sources returned")
	}
	for i, src := range answer.Sources {
		if src.ChunkID <= 0 {
			t.Errorf("source[%d].ChunkID invalid: %d", i, src.ChunkID)
		}
		if src.DocumentID != shared.docID {
			t.Errorf("source[%d].DocumentID: got %d, want %d",
				i, src.DocumentID, shared.docID)
		}
		if src.Content == "" {
			t.Errorf("source[%d].Content is empty", i)
		}
	}

	if len(answer.Reasoning) == 0 {
		t.Fatal("no reasoning steps returned")
	}
	for i, step := range answer.Reasoning {
		if step.Round < 1 {
			t.Errorf("reasoning[%d].Round < 1: %d", i, step.Round)
		}
		if step.Action == "" {
			t.Errorf("reasoning[%d].Action is empty", i)
		}
	}
}

// --- Update tests ---

func TestIntegrationUpdateNoChange(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	changed, err := shared.eng.Update(ctx, testOwner, shared.docPath)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if changed {
		t.Error("Update should return false for unchanged document")
	}
}

// --- Delete test (uses a separate engine to avoid breaking shared state) ---

func TestIntegrationDelete(t *testing.T) {
	if !ollamaAvailable() {
		t.Skip("Ollama not reachable")
	}
	warmEmbedModel(embedModel)

	dir := t.TempDir()
	eng := newTestEngine(t, filepath.Join(dir, "delete_test.db"))
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	docPath := createCapitalsDoc(dir)
	docID, err := eng.Ingest(ctx, testOwner, docPath)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := eng.Delete(ctx, docID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	docs, err := eng.ListDocuments(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("expected 0 documents after delete, got %d", len(docs))
	}
}

// --- Multi-tenant isolation ---

func TestIntegrationOwnerIsolation(t *testing.T) {
	skipOrSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	docs, err := shared.eng.ListDocuments(ctx, "someone-else")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("owner %q should see no documents belonging to %q, got %d", "someone-else", testOwner, len(docs))
	}
}
