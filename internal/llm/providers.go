package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultAnthropicURL = "https://api.anthropic.com/v1"
	defaultOpenAIURL    = "https://api.openai.com/v1"
	defaultGoogleURL    = "https://generativelanguage.googleapis.com/v1beta"
	anthropicVersion    = "2023-06-01"
)

// anthropicClient implements VisionClient using Anthropic's Messages API.
type anthropicClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// openAIClient implements VisionClient using OpenAI-compatible Chat Completions.
type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// googleClient implements VisionClient using Gemini generateContent.
type googleClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func (c *anthropicClient) Provider() Provider { return ProviderAnthropic }
func (c *anthropicClient) Model() string      { return c.model }
func (c *openAIClient) Provider() Provider    { return ProviderOpenAI }
func (c *openAIClient) Model() string         { return c.model }
func (c *googleClient) Provider() Provider    { return ProviderGoogle }
func (c *googleClient) Model() string         { return c.model }

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessagesResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *anthropicClient) Analyze(ctx context.Context, req VisionRequest) (Response, error) {
	content := make([]anthropicContent, 0, len(req.Images)+1)
	for _, img := range req.Images {
		content = append(content, anthropicContent{
			Type:   "image",
			Source: &anthropicSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
		})
	}
	content = append(content, anthropicContent{Type: "text", Text: req.Prompt})

	body := anthropicMessagesRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: content}},
	}

	endpoint := strings.TrimRight(orDefault(c.baseURL, defaultAnthropicURL), "/") + "/messages"
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var parsed anthropicMessagesResponse
	if err := postJSON(ctx, c.http, ProviderAnthropic, endpoint, headers, body, &parsed); err != nil {
		return Response{}, err
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Response{}, &APIError{Provider: ProviderAnthropic, Message: "anthropic messages returned no text content"}
	}
	return Response{
		Text:         text.String(),
		Provider:     ProviderAnthropic,
		Model:        c.model,
		StopReason:   parsed.StopReason,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

type openAIChatRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Messages  []openAIChatMessage `json:"messages"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openAIClient) Analyze(ctx context.Context, req VisionRequest) (Response, error) {
	parts := make([]openAIPart, 0, len(req.Images)+1)
	parts = append(parts, openAIPart{Type: "text", Text: req.Prompt})
	for _, img := range req.Images {
		parts = append(parts, openAIPart{
			Type:     "image_url",
			ImageURL: &openAIImageURL{URL: "data:" + img.MediaType + ";base64," + img.Data},
		})
	}

	messages := make([]openAIChatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: parts})

	body := openAIChatRequest{Model: c.model, MaxTokens: req.MaxTokens, Messages: messages}
	endpoint := strings.TrimRight(orDefault(c.baseURL, defaultOpenAIURL), "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var parsed openAIChatResponse
	if err := postJSON(ctx, c.http, ProviderOpenAI, endpoint, headers, body, &parsed); err != nil {
		return Response{}, err
	}
	if len(parsed.Choices) == 0 {
		return Response{}, &APIError{Provider: ProviderOpenAI, Message: "openai chat completion returned no choices"}
	}
	return Response{
		Text:         parsed.Choices[0].Message.Content,
		Provider:     ProviderOpenAI,
		Model:        c.model,
		StopReason:   parsed.Choices[0].FinishReason,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

type googleGenerateContentRequest struct {
	SystemInstruction *googleContent         `json:"systemInstruction,omitempty"`
	Contents          []googleContent        `json:"contents"`
	GenerationConfig  googleGenerationConfig `json:"generationConfig"`
}

type googleGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inline_data,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type googleGenerateContentResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *googleClient) Analyze(ctx context.Context, req VisionRequest) (Response, error) {
	parts := make([]googlePart, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, googlePart{InlineData: &googleInlineData{MimeType: img.MediaType, Data: img.Data}})
	}
	parts = append(parts, googlePart{Text: req.Prompt})

	body := googleGenerateContentRequest{
		Contents:         []googleContent{{Role: "user", Parts: parts}},
		GenerationConfig: googleGenerationConfig{MaxOutputTokens: req.MaxTokens},
	}
	if req.System != "" {
		body.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.System}}}
	}

	base := strings.TrimRight(orDefault(c.baseURL, defaultGoogleURL), "/")
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, c.model, url.QueryEscape(c.apiKey))

	var parsed googleGenerateContentResponse
	if err := postJSON(ctx, c.http, ProviderGoogle, endpoint, nil, body, &parsed); err != nil {
		return Response{}, err
	}
	if len(parsed.Candidates) == 0 {
		return Response{}, &APIError{Provider: ProviderGoogle, Message: "google generateContent returned no candidates"}
	}

	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return Response{
		Text:         text.String(),
		Provider:     ProviderGoogle,
		Model:        c.model,
		StopReason:   parsed.Candidates[0].FinishReason,
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// postJSON sends body to endpoint and decodes a 2xx response into out.
// Every failure is returned as an *APIError.
func postJSON(ctx context.Context, client *http.Client, prov Provider, endpoint string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return &APIError{Provider: prov, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Provider: prov, StatusCode: resp.StatusCode, Message: errorMessage(msg)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Provider: prov, Message: "decode response", Err: err}
	}
	return nil
}

// errorMessage pulls error.message out of a provider error body, falling
// back to the raw text.
func errorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	return msg
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

