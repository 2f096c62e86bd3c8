package ai

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/yan-zero/savepic/internal/profile"
)

const captionPrompt = `Describe this image in one short sentence and transcribe any visible text verbatim. Reply with the description and text only, no preamble.`

// CaptionService extracts a short description plus any visible text from an
// image, to make the embedding capture what the picture shows.
type CaptionService interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

type captionService struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
}

// NewCaptionService creates a CaptionService from the profile. Returns nil
// when no caption model is configured.
func NewCaptionService(p *profile.Profile) CaptionService {
	if p.CaptionAPIKey == "" || p.CaptionModel == "" {
		return nil
	}

	clientConfig := openai.DefaultConfig(p.CaptionAPIKey)
	if p.CaptionBaseURL != "" {
		clientConfig.BaseURL = p.CaptionBaseURL
	}

	return &captionService{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   p.CaptionModel,
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
}

// Caption asks the vision model for a one-line description. Callers treat a
// failure as "no caption" and carry on; captions only sweeten embeddings.
func (s *captionService) Caption(ctx context.Context, image []byte) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: captionPrompt,
					},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
		MaxTokens: 256,
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
