package trivia

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// normalizeVector rescales v to unit L2 length in place. A zero vector is
// left untouched rather than dividing by zero.
func normalizeVector(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// StubEmbedder is a deterministic, network-free EmbeddingProvider. It hashes
// the input text to seed a reproducible pseudo-random vector, then
// L2-normalizes it. Two calls with the same text always return the same
// vector, which is what makes it useful as the default in tests and as the
// zero-configuration fallback for Config.Embedder.
type StubEmbedder struct {
	dimension int
}

// NewStubEmbedder returns a StubEmbedder producing EmbeddingDimension vectors.
func NewStubEmbedder() *StubEmbedder {
	return &StubEmbedder{dimension: EmbeddingDimension}
}

func (e *StubEmbedder) Dimension() int { return e.dimension }

func (e *StubEmbedder) Embed(_ context.Context, text string, _ string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	block := []byte(text)
	for i := 0; i < e.dimension; i += 8 {
		h := sha256.Sum256(append(block, byte(i), byte(i>>8)))
		for j := 0; j < 8 && i+j < e.dimension; j++ {
			bits := binary.LittleEndian.Uint32(h[j*4 : j*4+4])
			// Map uint32 into [-1, 1).
			vec[i+j] = float32(int32(bits)) / float32(math.MaxInt32+1)
		}
	}
	normalizeVector(vec)
	return vec, nil
}
