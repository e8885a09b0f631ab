package expand

import (
	"context"
	"errors"
	"testing"

	"github.com/brunobiangulo/ragcore/llm"
)

type fakeChat struct {
	resp *llm.ChatResponse
	err  error
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return f.resp, f.err
}
func (f *fakeChat) ChatStream(ctx context.Context, req llm.ChatRequest, onToken func(string) error) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) { return nil, nil }
func (f *fakeChat) ListModels(ctx context.Context) ([]string, error)               { return nil, nil }
func (f *fakeChat) HealthCheck(ctx context.Context) error                          { return nil }

func TestExpandParsesVariants(t *testing.T) {
	c := &fakeChat{resp: &llm.ChatResponse{Content: `{"variants": ["what is the capital of Catalonia", "Barcelona facts"]}`}}
	e := New(c, 3)
	out := e.Expand(context.Background(), "tell me about Barcelona")
	if len(out) != 3 {
		t.Fatalf("expected original + 2 variants = 3, got %v", out)
	}
	if out[0] != "tell me about Barcelona" {
		t.Errorf("expected original query first, got %q", out[0])
	}
}

func TestExpandCapsAtNVariants(t *testing.T) {
	c := &fakeChat{resp: &llm.ChatResponse{Content: `{"variants": ["a", "b", "c", "d", "e"]}`}}
	e := New(c, 2)
	out := e.Expand(context.Background(), "q")
	if len(out) != 3 {
		t.Fatalf("expected original + 2 variants = 3, got %d: %v", len(out), out)
	}
}

func TestExpandFallsBackOnLLMError(t *testing.T) {
	c := &fakeChat{err: errors.New("boom")}
	e := New(c, 3)
	out := e.Expand(context.Background(), "q")
	if len(out) != 1 || out[0] != "q" {
		t.Errorf("expected fallback to original query only, got %v", out)
	}
}

func TestExpandFallsBackOnParseFailure(t *testing.T) {
	c := &fakeChat{resp: &llm.ChatResponse{Content: "not json"}}
	e := New(c, 3)
	out := e.Expand(context.Background(), "q")
	if len(out) != 1 || out[0] != "q" {
		t.Errorf("expected fallback to original query only, got %v", out)
	}
}

func TestExpandDedupesCaseInsensitive(t *testing.T) {
	c := &fakeChat{resp: &llm.ChatResponse{Content: `{"variants": ["Q", "other"]}`}}
	e := New(c, 3)
	out := e.Expand(context.Background(), "q")
	if len(out) != 2 {
		t.Fatalf("expected dedup of case-insensitive match, got %v", out)
	}
}
