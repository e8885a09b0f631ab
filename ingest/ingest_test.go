//go:build cgo

package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/ragcore/chunker"
	"github.com/brunobiangulo/ragcore/embed"
	"github.com/brunobiangulo/ragcore/llm"
	"github.com/brunobiangulo/ragcore/parser"
	"github.com/brunobiangulo/ragcore/store"
)

type fakeProvider struct {
	embedCalls int
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) ChatStream(ctx context.Context, req llm.ChatRequest, onToken func(string) error) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.embedCalls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return out, nil
}
func (f *fakeProvider) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeProvider) HealthCheck(ctx context.Context) error            { return nil }

type txtParser struct{}

func (txtParser) SupportedFormats() []string { return []string{"txt"} }
func (txtParser) Parse(ctx context.Context, path string) (*parser.ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &parser.ParseResult{
		Method:   "native",
		Sections: []parser.Section{{Heading: "body", Content: string(data), Type: "paragraph"}},
	}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCoordinator(t *testing.T, fp *fakeProvider) *Coordinator {
	t.Helper()
	s := newTestStore(t)
	reg := parser.NewRegistry()
	reg.Register("txt", txtParser{})
	chunkr := chunker.New(chunker.Policy{TargetWords: 50, OverlapWords: 5})
	embedder := embed.New(fp, 0)
	t.Cleanup(embedder.Close)
	return New(s, reg, chunkr, embedder, nil, nil, nil, 2)
}

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	return path
}

func TestIngestCompletesDocument(t *testing.T) {
	fp := &fakeProvider{}
	c := newTestCoordinator(t, fp)
	path := writeTestFile(t, "Barcelona is the capital of Catalonia.")

	docID, err := c.Ingest(context.Background(), "owner-1", path, Options{})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if docID == 0 {
		t.Fatal("expected non-zero document id")
	}

	doc, err := c.store.GetDocument(context.Background(), docID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != store.DocumentCompleted {
		t.Errorf("status = %q, want %q", doc.Status, store.DocumentCompleted)
	}
	if doc.Progress != 100 {
		t.Errorf("progress = %d, want 100", doc.Progress)
	}
}

func TestIngestDedupesReupload(t *testing.T) {
	fp := &fakeProvider{}
	c := newTestCoordinator(t, fp)
	path := writeTestFile(t, "Paris is the capital of France.")

	docID1, err := c.Ingest(context.Background(), "owner-1", path, Options{})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	callsAfterFirst := fp.embedCalls

	docID2, err := c.Ingest(context.Background(), "owner-1", path, Options{})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	if docID1 != docID2 {
		t.Errorf("expected same document id on re-upload, got %d and %d", docID1, docID2)
	}
	if fp.embedCalls != callsAfterFirst {
		t.Errorf("expected no additional embed calls on dedup, got %d -> %d", callsAfterFirst, fp.embedCalls)
	}
}

func TestIngestIsolatesOwners(t *testing.T) {
	fp := &fakeProvider{}
	c := newTestCoordinator(t, fp)
	path := writeTestFile(t, "Shared content for two tenants.")

	docA, err := c.Ingest(context.Background(), "owner-a", path, Options{})
	if err != nil {
		t.Fatalf("Ingest owner-a: %v", err)
	}
	docB, err := c.Ingest(context.Background(), "owner-b", path, Options{})
	if err != nil {
		t.Fatalf("Ingest owner-b: %v", err)
	}
	if docA == docB {
		t.Error("expected distinct document ids for distinct owners with identical content")
	}
}
