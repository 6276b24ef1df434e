package plana

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completionServer fakes an OpenAI-compatible chat completion endpoint,
// failing the first failCount requests with failStatus
type completionServer struct {
	mu         sync.Mutex
	requests   int
	authSeen   []string
	failCount  int
	failStatus int
}

func (c *completionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.requests++
	n := c.requests
	c.authSeen = append(c.authSeen, r.Header.Get("Authorization"))
	c.mu.Unlock()

	if n <= c.failCount {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(c.failStatus)
		_, _ = fmt.Fprintf(
			w,
			`{"error": {"message": "upstream error", "type": "server_error"}}`,
		)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(
		w,
		`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"choices": [
				{
					"index": 0,
					"message": {"role": "assistant", "content": "hello there"},
					"finish_reason": "stop"
				}
			]
		}`,
	)
}

func (c *completionServer) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func (c *completionServer) authHeaders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]string, len(c.authSeen))
	copy(snapshot, c.authSeen)
	return snapshot
}

func newTestLLM(t *testing.T, baseURL string, apiKeys ...string) *LLM {
	t.Helper()
	config := testLLMConfig()
	config.RequestsPerSecond = 100
	config.Providers = map[string]*LLMProviderConfig{
		"test": {
			BaseURL: baseURL,
			APIKeys: apiKeys,
		},
	}
	l, err := newLLM(config, nil, quietLogger())
	require.NoError(t, err)
	return l
}

func TestCreateCompletionRotatesKeysOnRateLimit(t *testing.T) {
	upstream := &completionServer{
		failCount:  1,
		failStatus: http.StatusTooManyRequests,
	}
	server := httptest.NewServer(upstream)
	defer server.Close()

	l := newTestLLM(t, server.URL+"/v1", "key1", "key2")

	content, err := l.CreateCompletion(
		context.Background(),
		"test/model-a",
		[]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "hello there", content)

	// rate-limited key1 should have been rotated out for key2
	assert.Equal(t, 2, upstream.requestCount())
	assert.Equal(
		t,
		[]string{"Bearer key1", "Bearer key2"},
		upstream.authHeaders(),
	)
}

func TestCreateCompletionExhaustsKeys(t *testing.T) {
	upstream := &completionServer{
		failCount:  100,
		failStatus: http.StatusInternalServerError,
	}
	server := httptest.NewServer(upstream)
	defer server.Close()

	l := newTestLLM(t, server.URL+"/v1", "key1", "key2", "key3")

	_, err := l.CreateCompletion(
		context.Background(),
		"test/model-a",
		[]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvidersExhausted)
	assert.Equal(t, 3, upstream.requestCount())
}

func TestCreateCompletionDoesNotRetryClientErrors(t *testing.T) {
	upstream := &completionServer{
		failCount:  100,
		failStatus: http.StatusBadRequest,
	}
	server := httptest.NewServer(upstream)
	defer server.Close()

	l := newTestLLM(t, server.URL+"/v1", "key1", "key2")

	_, err := l.CreateCompletion(
		context.Background(),
		"test/model-a",
		[]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
	)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProvidersExhausted)
	assert.Equal(t, 1, upstream.requestCount())
}

func TestCreateCompletionUnknownProvider(t *testing.T) {
	l := newTestLLM(t, "http://localhost/v1", "key1")
	_, err := l.CreateCompletion(
		context.Background(),
		"nonexistent/model",
		nil,
	)
	assert.ErrorIs(t, err, ErrNoSuchProvider)
}

func TestStreamCompletion(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				for _, delta := range []string{"hel", "lo ", "world"} {
					_, _ = fmt.Fprintf(
						w,
						"data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\","+
							"\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n",
						delta,
					)
				}
				_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
			},
		),
	)
	defer server.Close()

	l := newTestLLM(t, server.URL+"/v1", "key1")

	var updates []string
	var sawDone bool
	content, err := l.StreamCompletion(
		context.Background(),
		"test/model-a",
		[]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
		func(content string, done bool) error {
			if done {
				sawDone = true
				return nil
			}
			updates = append(updates, content)
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)
	assert.True(t, sawDone)
	assert.Equal(t, []string{"hel", "hello ", "hello world"}, updates)
}

func TestRetryWithNextKey(t *testing.T) {
	for _, tc := range []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{
			name:     "rate limited",
			err:      &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests},
			expected: true,
		},
		{
			name:     "server error",
			err:      &openai.APIError{HTTPStatusCode: http.StatusInternalServerError},
			expected: true,
		},
		{
			name:     "unauthorized",
			err:      &openai.APIError{HTTPStatusCode: http.StatusUnauthorized},
			expected: true,
		},
		{
			name:     "forbidden",
			err:      &openai.APIError{HTTPStatusCode: http.StatusForbidden},
			expected: true,
		},
		{
			name:     "bad request",
			err:      &openai.APIError{HTTPStatusCode: http.StatusBadRequest},
			expected: false,
		},
		{
			name:     "request error bad gateway",
			err:      &openai.RequestError{HTTPStatusCode: http.StatusBadGateway},
			expected: true,
		},
		{
			name:     "request error not found",
			err:      &openai.RequestError{HTTPStatusCode: http.StatusNotFound},
			expected: false,
		},
		{name: "cancellation", err: context.Canceled, expected: false},
		{
			name:     "transport error",
			err:      errors.New("connection refused"),
			expected: true,
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, retryWithNextKey(tc.err))
			},
		)
	}
}

func TestSplitModelName(t *testing.T) {
	provider, name, err := splitModelName("openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "gpt-4o", name)

	for _, invalid := range []string{"gpt-4o", "/gpt-4o", "openai/", ""} {
		_, _, err = splitModelName(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestNewLLMValidation(t *testing.T) {
	t.Run(
		"provider without keys", func(t *testing.T) {
			config := testLLMConfig()
			config.Providers = map[string]*LLMProviderConfig{
				"test": {BaseURL: "http://localhost"},
			}
			_, err := newLLM(config, nil, quietLogger())
			assert.ErrorIs(t, err, errProviderWithoutKeys)
		},
	)

	t.Run(
		"malformed model name", func(t *testing.T) {
			config := testLLMConfig()
			config.Models = []string{"no-provider"}
			_, err := newLLM(config, nil, quietLogger())
			assert.ErrorIs(t, err, errMalformedModelName)
		},
	)

	t.Run(
		"default model provider missing", func(t *testing.T) {
			config := testLLMConfig()
			config.DefaultModel = "missing/model"
			_, err := newLLM(config, nil, quietLogger())
			assert.ErrorIs(t, err, ErrNoSuchProvider)
		},
	)
}

func TestHasModel(t *testing.T) {
	l := newTestLLM(t, "http://localhost/v1", "key1")
	assert.True(t, l.HasModel("test/model-a"))
	assert.True(t, l.HasModel("test/model-b"))
	assert.False(t, l.HasModel("test/model-c"))
	assert.ElementsMatch(
		t,
		[]string{"test/model-a", "test/model-b"},
		l.Models(),
	)
}
