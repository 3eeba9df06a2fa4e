package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

func sources(n int) []model.Source {
	out := make([]model.Source, n)
	for i := range out {
		out[i] = model.Source{DocID: fmt.Sprintf("d%d", i), Score: 0.9}
	}
	return out
}

func TestSearchCache_SetGet(t *testing.T) {
	c := New(time.Minute, 8)
	defer c.Stop()

	c.Set("연차 규정", "POLICY", 5, sources(2), "MILVUS")

	got, retriever, ok := c.Get("연차 규정", "POLICY", 5)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got) != 2 || retriever != "MILVUS" {
		t.Errorf("got %d sources, retriever %s", len(got), retriever)
	}
}

func TestSearchCache_NormalisedKey(t *testing.T) {
	c := New(time.Minute, 8)
	defer c.Stop()

	c.Set("연차  규정", "POLICY", 5, sources(1), "MILVUS")

	if _, _, ok := c.Get("  연차 규정 ", "POLICY", 5); !ok {
		t.Error("whitespace variants must share a cache slot")
	}
	if _, _, ok := c.Get("연차 규정", "EDUCATION", 5); ok {
		t.Error("different domain must miss")
	}
	if _, _, ok := c.Get("연차 규정", "POLICY", 3); ok {
		t.Error("different topK must miss")
	}
}

func TestSearchCache_TTLExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 8)
	defer c.Stop()

	c.Set("q", "POLICY", 5, sources(1), "MILVUS")
	time.Sleep(20 * time.Millisecond)

	if _, _, ok := c.Get("q", "POLICY", 5); ok {
		t.Error("expired entry must miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry must be removed on read, len = %d", c.Len())
	}
}

func TestSearchCache_LRUEviction(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Stop()

	c.Set("q1", "POLICY", 5, sources(1), "MILVUS")
	c.Set("q2", "POLICY", 5, sources(1), "MILVUS")

	// Touch q1 so q2 becomes the eviction candidate.
	c.Get("q1", "POLICY", 5)

	c.Set("q3", "POLICY", 5, sources(1), "MILVUS")

	if _, _, ok := c.Get("q1", "POLICY", 5); !ok {
		t.Error("recently used entry must survive eviction")
	}
	if _, _, ok := c.Get("q2", "POLICY", 5); ok {
		t.Error("least recently used entry must be evicted")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want bound 2", c.Len())
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  연차   규정  ALLOWED "); got != "연차 규정 allowed" {
		t.Errorf("Normalize = %q", got)
	}
}
