// Package openai provides case embeddings via the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
)

// Embedder implements the decision engine's embedder port.
type Embedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewEmbedder constructs an embedder. An empty model falls back to the
// small embedding model; an empty baseURL uses the public API endpoint.
func NewEmbedder(apiKey, model, baseURL string) *Embedder {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	m := openai.EmbeddingModel(model)
	if model == "" {
		m = openai.SmallEmbedding3
	}

	return &Embedder{
		client: openai.NewClientWithConfig(config),
		model:  m,
	}
}

// Embed returns the embedding vector for the given text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data")
	}
	return resp.Data[0].Embedding, nil
}
