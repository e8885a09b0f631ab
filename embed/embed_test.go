package embed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brunobiangulo/ragcore/llm"
)

type fakeProvider struct {
	calls      int
	failFirstN int
	dim        int
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) ChatStream(ctx context.Context, req llm.ChatRequest, onToken func(string) error) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failFirstN {
		return nil, errors.New("CUDA error: out of memory")
	}
	dim := f.dim
	if dim == 0 {
		dim = 4
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, dim)
	}
	return out, nil
}
func (f *fakeProvider) ListModels(ctx context.Context) ([]string, error) { return []string{"fake"}, nil }
func (f *fakeProvider) HealthCheck(ctx context.Context) error            { return nil }

func TestEmbedBatchSplitsByCurrentStep(t *testing.T) {
	p := &fakeProvider{}
	e := New(p, 50*time.Millisecond)
	defer e.Close()

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = "text"
	}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 20 {
		t.Fatalf("expected 20 vectors, got %d", len(vecs))
	}
}

func TestEmbedBatchStepsDownOnOOMThenRecovers(t *testing.T) {
	p := &fakeProvider{failFirstN: 1}
	e := New(p, 50*time.Millisecond)
	defer e.Close()

	texts := make([]string, 16)
	for i := range texts {
		texts[i] = "text"
	}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 16 {
		t.Fatalf("expected 16 vectors after recovery, got %d", len(vecs))
	}
	if e.currentBatchSize() >= batchSteps[0] {
		t.Errorf("expected batch size to step down after OOM, still at %d", e.currentBatchSize())
	}
}

func TestEmbedBatchFailsAfterExhaustingRetries(t *testing.T) {
	p := &fakeProvider{failFirstN: 1000}
	e := New(p, 50*time.Millisecond)
	defer e.Close()

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error after exhausting OOM retries")
	}
}

func TestIdleUnload(t *testing.T) {
	p := &fakeProvider{}
	e := New(p, 20*time.Millisecond)
	defer e.Close()

	if _, err := e.EmbedOne(context.Background(), "hi"); err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()
	if !loaded {
		t.Fatal("expected embedder to be loaded after use")
	}

	time.Sleep(150 * time.Millisecond)

	e.mu.Lock()
	loaded = e.loaded
	e.mu.Unlock()
	if loaded {
		t.Error("expected embedder to be unloaded after idle timeout")
	}
}

func TestLooksLikeResourceExhausted(t *testing.T) {
	cases := map[string]bool{
		"CUDA error: out of memory": true,
		"429 Too Many Requests":     true,
		"connection refused":        false,
		"invalid request":           false,
	}
	for msg, want := range cases {
		got := looksLikeResourceExhausted(errors.New(msg))
		if got != want {
			t.Errorf("looksLikeResourceExhausted(%q) = %v, want %v", msg, got, want)
		}
	}
}
