package trivia

import "context"

// taskType values passed to EmbeddingProvider.Embed. There are only two
// call sites in this store: documents being memorized/updated, and queries
// being recalled. Providers that distinguish the two (Gemini's
// RETRIEVAL_DOCUMENT / RETRIEVAL_QUERY) can use this to pick the right mode;
// providers that don't care are free to ignore it.
const (
	taskTypeDocument = "RETRIEVAL_DOCUMENT"
	taskTypeQuery    = "RETRIEVAL_QUERY"
)

// EmbeddingProvider generates vector embeddings from text. Every
// implementation must return an L2-normalized vector of EmbeddingDimension
// length. Built-in: StubEmbedder, GeminiEmbedder, OpenAIEmbedder,
// OllamaEmbedder.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string, taskType string) ([]float32, error)
	Dimension() int
}
