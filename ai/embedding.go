// Package ai holds the embedding and captioning clients used by the
// similarity engine. Both are optional: when unconfigured the constructors
// return nil services, and callers treat a nil vector as "similarity
// unavailable" rather than an error.
package ai

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/yan-zero/savepic/internal/profile"
)

// EmbeddingService generates vectors for picture names and image bytes.
type EmbeddingService interface {
	// EmbedText generates a vector for a picture name or search phrase.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedImage generates a vector for an image, using the picture name as
	// accompanying text when the backing model is multimodal.
	EmbedImage(ctx context.Context, name string, image []byte) ([]float32, error)

	// Model returns the embedding model identifier. Vectors from different
	// models are never comparable, so it is stored next to every embedding.
	Model() string

	// Dimensions returns the vector dimension.
	Dimensions() int
}

type embeddingService struct {
	client     *openai.Client
	model      string
	dimensions int
	limiter    *rate.Limiter
}

// NewEmbeddingService creates an EmbeddingService from the profile.
// Returns nil when no embedding API key is configured; every caller
// must handle the nil service.
func NewEmbeddingService(p *profile.Profile) EmbeddingService {
	if p.EmbeddingAPIKey == "" || p.EmbeddingModel == "" {
		return nil
	}

	// Any OpenAI-compatible provider works: openai, siliconflow, dashscope,
	// ollama and friends all speak the same embeddings endpoint.
	clientConfig := openai.DefaultConfig(p.EmbeddingAPIKey)
	if p.EmbeddingBaseURL != "" {
		clientConfig.BaseURL = p.EmbeddingBaseURL
	}

	return &embeddingService{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      p.EmbeddingModel,
		dimensions: p.EmbeddingDimensions,
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
	}
}

func (s *embeddingService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("no text provided for embedding")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimensions,
	}

	resp, err := s.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "create embeddings failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// EmbedImage sends a multimodal embedding request with the image inlined as
// a data URL. The picture name rides along as a title so that text queries
// land near the images they describe. Providers without multimodal support
// reject the request; the caller falls back to EmbedText on the caption.
func (s *embeddingService) EmbedImage(ctx context.Context, name string, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, errors.New("no image provided for embedding")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	input := []any{
		map[string]any{
			"type": "text",
			"text": fmt.Sprintf("Title of the image: %s", name),
		},
		map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": dataURL},
		},
	}

	req := openai.EmbeddingRequest{
		Input:      input,
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimensions,
	}

	resp, err := s.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "create image embedding failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

func (s *embeddingService) Model() string {
	return s.model
}

func (s *embeddingService) Dimensions() int {
	return s.dimensions
}
