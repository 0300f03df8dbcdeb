package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	chromem "github.com/philippgille/chromem-go"
)

func TestDisabled(t *testing.T) {
	if got := (Disabled{}).GetContext(context.Background(), "q", ""); got != "" {
		t.Errorf("Disabled context = %q, want empty", got)
	}
}

func TestStatic_Empty(t *testing.T) {
	if got := (Static{}).GetContext(context.Background(), "q", ""); got != NoDocumentsFound {
		t.Errorf("empty Static = %q", got)
	}
}

func TestStatic_Format(t *testing.T) {
	p := Static{Chunks: []string{"alpha", "beta"}}
	got := p.GetContext(context.Background(), "q", "<doc>{content}</doc>")
	want := "<doc>alpha</doc>\n<doc>beta</doc>"
	if got != want {
		t.Errorf("formatted = %q, want %q", got, want)
	}
}

func TestErrorContext(t *testing.T) {
	got := ErrorContext(errors.New("index offline"))
	if got != "[RAG ERROR: index offline]" {
		t.Errorf("ErrorContext = %q", got)
	}
	if !strings.HasPrefix(got, ErrorPrefix) {
		t.Errorf("missing prefix in %q", got)
	}
}

// fakeEmbedding gives each document a deterministic unit vector so queries
// resolve without any network dependency.
func fakeEmbedding(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, 3)
	for i, c := range []byte(text) {
		v[i%3] += float32(c)
	}
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		norm = 1
	}
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

func TestChromemProvider(t *testing.T) {
	provider, err := NewChromemProvider(ChromemConfig{
		Collection: "test",
		TopK:       2,
		Embedding:  fakeEmbedding,
	})
	if err != nil {
		t.Fatalf("NewChromemProvider() error = %v", err)
	}

	// Empty collection reports no documents.
	if got := provider.GetContext(context.Background(), "anything", ""); got != NoDocumentsFound {
		t.Errorf("empty collection = %q", got)
	}

	err = provider.Add(context.Background(), []chromem.Document{
		{ID: "1", Content: "fiduciary duty overview", Metadata: map[string]string{"source": "handbook"}},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	got := provider.GetContext(context.Background(), "fiduciary duty", "{content} ({source})")
	if !strings.Contains(got, "fiduciary duty overview") || !strings.Contains(got, "handbook") {
		t.Errorf("context = %q", got)
	}
}

func TestChromemProvider_EmbeddingModel(t *testing.T) {
	// A configured embedding model must select the OpenAI embedder at
	// construction time; no requests happen until a query runs.
	provider, err := NewChromemProvider(ChromemConfig{
		Collection:     "test",
		EmbeddingModel: "text-embedding-3-large",
	})
	if err != nil {
		t.Fatalf("NewChromemProvider() error = %v", err)
	}
	if provider == nil {
		t.Fatal("NewChromemProvider() returned nil provider")
	}
}
