package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"croanalyzer/internal/config"
)

// Provider represents a logical LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// Image is one screenshot attached to a request.
type Image struct {
	Name      string
	MediaType string
	// Data is base64 encoded.
	Data string
}

// VisionRequest is a single multimodal completion.
type VisionRequest struct {
	System    string
	Prompt    string
	Images    []Image
	MaxTokens int
}

// Response is the model's text answer with usage details.
type Response struct {
	Text         string
	Provider     Provider
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// VisionClient is the abstraction used by the orchestrator.
type VisionClient interface {
	Analyze(ctx context.Context, req VisionRequest) (Response, error)
	Provider() Provider
	Model() string
}

// APIError is a failed provider call. StatusCode is zero for transport
// failures.
type APIError struct {
	Provider   Provider
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s api error: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s api error: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case 0:
		return e.Err != nil && isNetworkError(e.Err)
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests, 529:
		return true
	}
	return e.StatusCode >= 500
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsTransient reports whether err is an APIError worth retrying.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Transient()
}

// NewClientFromConfig constructs the configured provider client wrapped in
// retry handling.
func NewClientFromConfig(cfg *config.Config) (VisionClient, error) {
	timeout := cfg.LLM.RequestTimeout()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	var base VisionClient
	switch prov := Provider(cfg.LLM.DefaultProvider); prov {
	case ProviderAnthropic, "":
		c := cfg.LLM.Anthropic
		if c.APIKey == "" || c.Model == "" {
			return nil, errors.New("anthropic llm provider is not fully configured")
		}
		base = &anthropicClient{apiKey: c.APIKey, baseURL: c.BaseURL, model: c.Model, http: httpClient}
	case ProviderOpenAI:
		c := cfg.LLM.OpenAI
		if c.APIKey == "" || c.Model == "" {
			return nil, errors.New("openai llm provider is not fully configured")
		}
		base = &openAIClient{apiKey: c.APIKey, baseURL: c.BaseURL, model: c.Model, http: httpClient}
	case ProviderGoogle:
		c := cfg.LLM.Google
		if c.APIKey == "" || c.Model == "" {
			return nil, errors.New("google llm provider is not fully configured")
		}
		base = &googleClient{apiKey: c.APIKey, baseURL: c.BaseURL, model: c.Model, http: httpClient}
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", prov)
	}

	return NewRetrying(base, RetryOptions{
		MaxAttempts: cfg.LLM.MaxRetries,
		BaseDelay:   cfg.LLM.BackoffBase(),
		MaxDelay:    cfg.LLM.BackoffMax(),
	}, nil), nil
}
