package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingsClient is the subset of the OpenAI embeddings service the
// adapter uses.
type EmbeddingsClient interface {
	New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
}

// OpenAIEmbedder implements Embedder over the OpenAI embeddings API.
type OpenAIEmbedder struct {
	svc   EmbeddingsClient
	model string
}

// NewOpenAIEmbedder wraps an embeddings service. An empty model selects
// text-embedding-3-small.
func NewOpenAIEmbedder(svc EmbeddingsClient, model string) (*OpenAIEmbedder, error) {
	if svc == nil {
		return nil, errors.New("openai embeddings client is required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{svc: svc, model: model}, nil
}

// NewOpenAIEmbedderFromAPIKey builds a production embedder.
func NewOpenAIEmbedderFromAPIKey(apiKey, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIEmbedder(&oc.Embeddings, model)
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("embedding input is empty")
	}
	resp, err := e.svc.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(e.model),
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// FakeEmbedder returns a fixed-size deterministic vector for tests.
type FakeEmbedder struct {
	Dim int
	Err error
}

func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	dim := f.Dim
	if dim <= 0 {
		dim = 8
	}
	out := make([]float32, dim)
	for i, r := range text {
		out[i%dim] += float32(r%97) / 97
	}
	return out, nil
}
