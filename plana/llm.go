package plana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	ErrNoSuchModel         = errors.New("model not configured")
	ErrNoSuchProvider      = errors.New("provider not configured")
	ErrProvidersExhausted  = errors.New("all API keys failed")
	ErrEmptyResponse       = errors.New("provider returned an empty response")
	errMalformedModelName  = errors.New("model must be named 'provider/model'")
	errProviderWithoutKeys = errors.New("provider has no API keys")
)

// LLM manages chat-completion clients for every configured provider and
// API key. Each provider holds its keys in rotation order: a rate-limited
// or failed key falls through to the next before an error is surfaced.
type LLM struct {
	config         *LLMConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu sync.RWMutex
	// provider name -> one client per API key, in rotation order
	clients map[string][]*openai.Client
}

func newLLM(
	config *LLMConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*LLM, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	l := &LLM{
		config:  config,
		logger:  logger.With(loggerNameKey, "llm"),
		clients: map[string][]*openai.Client{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.RequestsPerSecond),
			1,
		),
	}

	for name, provider := range config.Providers {
		if len(provider.APIKeys) == 0 {
			return nil, fmt.Errorf("%w: %s", errProviderWithoutKeys, name)
		}
		clients := make([]*openai.Client, 0, len(provider.APIKeys))
		for _, key := range provider.APIKeys {
			clientConfig := openai.DefaultConfig(key)
			clientConfig.BaseURL = provider.BaseURL
			clientConfig.HTTPClient = httpClient
			clients = append(clients, openai.NewClientWithConfig(clientConfig))
		}
		l.clients[name] = clients
	}

	for _, model := range config.Models {
		if _, _, err := splitModelName(model); err != nil {
			return nil, err
		}
	}
	if config.DefaultModel != "" {
		providerName, _, err := splitModelName(config.DefaultModel)
		if err != nil {
			return nil, err
		}
		if _, ok := l.clients[providerName]; !ok {
			return nil, fmt.Errorf(
				"%w: %s (default model %q)",
				ErrNoSuchProvider,
				providerName,
				config.DefaultModel,
			)
		}
	}

	return l, nil
}

// splitModelName splits "provider/model" into its halves
func splitModelName(model string) (provider string, name string, err error) {
	provider, name, found := strings.Cut(model, "/")
	if !found || provider == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", errMalformedModelName, model)
	}
	return provider, name, nil
}

// HasModel reports whether the given "provider/model" is configured
func (l *LLM) HasModel(model string) bool {
	for _, m := range l.config.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Models returns the configured model list
func (l *LLM) Models() []string {
	models := make([]string, len(l.config.Models))
	copy(models, l.config.Models)
	return models
}

func (l *LLM) providerClients(provider string) ([]*openai.Client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clients, ok := l.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchProvider, provider)
	}
	return clients, nil
}

// retryWithNextKey reports whether the error merits rotating to the
// provider's next API key: rate limits, server errors, and transport
// failures qualify. Client errors (bad request, auth on the *last* key)
// do not get a different answer from a different key, except 401/403,
// which may be key-specific.
func retryWithNextKey(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.HTTPStatusCode >= http.StatusInternalServerError:
			return true
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return true
		}
		return false
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.HTTPStatusCode == http.StatusTooManyRequests:
			return true
		case reqErr.HTTPStatusCode >= http.StatusInternalServerError:
			return true
		}
		return false
	}

	// transport-level errors (connection refused, timeouts)
	return !errors.Is(err, context.Canceled)
}

// CreateCompletion sends a non-streaming chat-completion request,
// rotating through the provider's API keys on retryable errors.
func (l *LLM) CreateCompletion(
	ctx context.Context,
	model string,
	messages []openai.ChatCompletionMessage,
) (string, error) {
	providerName, modelName, err := splitModelName(model)
	if err != nil {
		return "", err
	}
	clients, err := l.providerClients(providerName)
	if err != nil {
		return "", err
	}

	if err = l.requestLimiter.Wait(ctx); err != nil {
		return "", err
	}

	var lastErr error
	for i, client := range clients {
		resp, completionErr := client.CreateChatCompletion(
			ctx, openai.ChatCompletionRequest{
				Model:    modelName,
				Messages: messages,
			},
		)
		if completionErr == nil {
			if len(resp.Choices) == 0 {
				return "", ErrEmptyResponse
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = completionErr
		if !retryWithNextKey(completionErr) {
			return "", completionErr
		}
		l.logger.WarnContext(
			ctx,
			"completion failed, rotating to next API key",
			tint.Err(completionErr),
			"provider", providerName,
			"key_index", i,
			"keys_remaining", len(clients)-i-1,
		)
	}
	return "", fmt.Errorf("%w: %s", ErrProvidersExhausted, lastErr)
}

// StreamFunc receives accumulated response content as it streams in.
// Returning an error aborts the stream.
type StreamFunc func(content string, done bool) error

// StreamCompletion sends a streaming chat-completion request, invoking
// fn as content arrives. Key rotation applies until the first delta is
// received; after that, errors are surfaced directly so partial output
// isn't silently retried.
func (l *LLM) StreamCompletion(
	ctx context.Context,
	model string,
	messages []openai.ChatCompletionMessage,
	fn StreamFunc,
) (string, error) {
	providerName, modelName, err := splitModelName(model)
	if err != nil {
		return "", err
	}
	clients, err := l.providerClients(providerName)
	if err != nil {
		return "", err
	}

	if err = l.requestLimiter.Wait(ctx); err != nil {
		return "", err
	}

	var lastErr error
	for i, client := range clients {
		content, streamed, streamErr := l.streamOnce(
			ctx, client, modelName, messages, fn,
		)
		if streamErr == nil {
			return content, nil
		}
		if streamed || !retryWithNextKey(streamErr) {
			return content, streamErr
		}
		lastErr = streamErr
		l.logger.WarnContext(
			ctx,
			"stream failed before first delta, rotating to next API key",
			tint.Err(streamErr),
			"provider", providerName,
			"key_index", i,
			"keys_remaining", len(clients)-i-1,
		)
	}
	return "", fmt.Errorf("%w: %s", ErrProvidersExhausted, lastErr)
}

// streamOnce runs a single streaming request. The returned bool
// indicates whether any content was received before the error.
func (l *LLM) streamOnce(
	ctx context.Context,
	client *openai.Client,
	modelName string,
	messages []openai.ChatCompletionMessage,
	fn StreamFunc,
) (string, bool, error) {
	stream, err := client.CreateChatCompletionStream(
		ctx, openai.ChatCompletionRequest{
			Model:    modelName,
			Messages: messages,
			Stream:   true,
		},
	)
	if err != nil {
		return "", false, err
	}
	defer func() {
		_ = stream.Close()
	}()

	var sb strings.Builder
	streamed := false
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return sb.String(), streamed, recvErr
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		streamed = true
		sb.WriteString(delta)
		if fn != nil {
			if fnErr := fn(sb.String(), false); fnErr != nil {
				return sb.String(), streamed, fnErr
			}
		}
	}

	content := sb.String()
	if content == "" {
		return "", streamed, ErrEmptyResponse
	}
	if fn != nil {
		if fnErr := fn(content, true); fnErr != nil {
			return content, streamed, fnErr
		}
	}
	return content, true, nil
}
