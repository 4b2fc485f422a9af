package memory

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), []string{"the user likes green tea"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.Embed(context.Background(), []string{"the user likes green tea"})
	if cosineSimilarity(a[0], b[0]) < 0.999 {
		t.Error("identical inputs must embed identically")
	}
}

func TestHashEmbedderNormalized(t *testing.T) {
	e := NewHashEmbedder(0) // default dim
	if e.Dimensions() != 256 {
		t.Errorf("default dimensions = %d, want 256", e.Dimensions())
	}
	vecs, err := e.Embed(context.Background(), []string{"some memory text"})
	if err != nil {
		t.Fatal(err)
	}
	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("vector norm² = %f, want 1 (L2-normalized)", norm)
	}
}

func TestHashEmbedderSimilarityOrdering(t *testing.T) {
	e := NewHashEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"the user likes green tea",
		"the user likes green tea in the morning",
		"weather forecast for tomorrow",
	})
	if err != nil {
		t.Fatal(err)
	}
	near := cosineSimilarity(vecs[0], vecs[1])
	far := cosineSimilarity(vecs[0], vecs[2])
	if near <= far {
		t.Errorf("lexically close texts scored %f, distant %f; want near > far", near, far)
	}
}

func TestNullEmbedderErrors(t *testing.T) {
	if _, err := (NullEmbedder{}).Embed(context.Background(), []string{"x"}); err == nil {
		t.Error("null embedder must refuse to embed")
	}
}

func TestCosineSimilarityEdges(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("mismatched lengths = %f, want 0", got)
	}
	if got := cosineSimilarity([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("zero vector = %f, want 0", got)
	}
	if got := cosineSimilarity([]float32{0, 1}, []float32{0, 2}); math.Abs(got-1) > 1e-9 {
		t.Errorf("parallel vectors = %f, want 1", got)
	}
}
