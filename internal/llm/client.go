package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/baibot/bai/internal/consts"
	"github.com/baibot/bai/internal/upstream"
)

// Generator produces text replies and image descriptions.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	DescribeImage(ctx context.Context, imageURL, instruction string) (string, error)
}

type ClientConfig struct {
	TextURL string
	Timeout time.Duration
}

// Client talks to the Pollinations text endpoint through the retrying caller.
type Client struct {
	caller *upstream.Caller
	cfg    ClientConfig
}

func NewClient(caller *upstream.Caller, cfg ClientConfig) *Client {
	return &Client{caller: caller, cfg: cfg}
}

func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	params := chatParams(consts.MaxTokens,
		openai.SystemMessage(consts.SystemPrompt),
		openai.UserMessage(prompt),
	)
	return c.complete(ctx, "text", params)
}

// DescribeImage sends the instruction and the image URL as one multimodal
// user message.
func (c *Client) DescribeImage(ctx context.Context, imageURL, instruction string) (string, error) {
	params := chatParams(consts.MaxTokens,
		openai.SystemMessage(consts.SystemPrompt),
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(instruction),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
		}),
	)
	return c.complete(ctx, "image_analysis", params)
}

// Probe makes a minimal completion call so the outcome record reflects the
// API's state right after startup.
func (c *Client) Probe(ctx context.Context) error {
	params := chatParams(consts.ProbeMaxTokens,
		openai.SystemMessage(consts.ProbeSystemPrompt),
		openai.UserMessage(consts.ProbePrompt),
	)
	_, err := c.complete(ctx, "probe", params)
	return err
}

// ImageURL returns the synthesis URL for prompt under base. The image service
// renders on fetch, so the URL itself is the result.
func ImageURL(base, prompt string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return fmt.Sprintf("%s%s?width=%d&height=%d&model=%s&nologo=true",
		base, url.PathEscape(prompt), consts.ImageWidth, consts.ImageHeight, consts.ImageModel)
}

func chatParams(maxTokens int64, messages ...openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:     consts.TextModel,
		Messages:  messages,
		MaxTokens: openai.Int(maxTokens),
	}
}

func (c *Client) complete(ctx context.Context, name string, params openai.ChatCompletionNewParams) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.caller.Do(ctx, upstream.Request{
		Name:    name,
		Method:  http.MethodPost,
		URL:     c.cfg.TextURL,
		Body:    body,
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		return "", err
	}

	return ParseCompletion(resp.Body), nil
}

// ParseCompletion accepts either the plain-text body the text endpoint
// returns or an OpenAI-style chat completion.
func ParseCompletion(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var completion openai.ChatCompletion
		if err := json.Unmarshal(trimmed, &completion); err == nil && len(completion.Choices) > 0 {
			return strings.TrimSpace(completion.Choices[0].Message.Content)
		}
	}
	return string(trimmed)
}
