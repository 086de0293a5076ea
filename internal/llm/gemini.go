package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/baibot/bai/internal/consts"
	"github.com/baibot/bai/internal/logger"
	"github.com/baibot/bai/internal/upstream"
)

// GeminiGenerator serves text and image analysis from the Gemini API. Image
// generation stays on the Pollinations URL builder.
type GeminiGenerator struct {
	client    *genai.Client
	modelName string
	caller    *upstream.Caller
	timeout   time.Duration
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string, caller *upstream.Caller, timeout time.Duration) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiGenerator{
		client:    client,
		modelName: model,
		caller:    caller,
		timeout:   timeout,
	}, nil
}

func (g *GeminiGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	var content string
	err := g.caller.Run(ctx, "gemini_text", g.timeout, func(ctx context.Context) error {
		resp, err := g.client.Models.GenerateContent(ctx, g.modelName, genai.Text(prompt), g.config())
		if err != nil {
			return fmt.Errorf("failed to generate content: %w", err)
		}
		content, err = responseText(resp)
		return err
	})
	return content, err
}

// DescribeImage downloads the image through the caller and sends it inline
// alongside the instruction.
func (g *GeminiGenerator) DescribeImage(ctx context.Context, imageURL, instruction string) (string, error) {
	img, err := g.caller.Do(ctx, upstream.Request{
		Name:    "image_fetch",
		Method:  http.MethodGet,
		URL:     imageURL,
		Timeout: g.timeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to download image: %w", err)
	}

	mimeType := img.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: instruction},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: img.Body}},
		},
	}}

	var content string
	err = g.caller.Run(ctx, "gemini_image_analysis", g.timeout, func(ctx context.Context) error {
		resp, err := g.client.Models.GenerateContent(ctx, g.modelName, contents, g.config())
		if err != nil {
			return fmt.Errorf("failed to generate content from image: %w", err)
		}

		logger.Debug("Gemini image analysis response", map[string]interface{}{
			"candidates_count": len(resp.Candidates),
			"image_size":       len(img.Body),
		})

		content, err = responseText(resp)
		return err
	})
	return content, err
}

func (g *GeminiGenerator) config() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(consts.SystemPrompt, genai.RoleUser),
		MaxOutputTokens:   consts.MaxTokens,
	}
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in Gemini response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content parts in Gemini response")
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}

	return strings.TrimSpace(sb.String()), nil
}
