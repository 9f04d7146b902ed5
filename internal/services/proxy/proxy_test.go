package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/config"
	"github.com/omnigate/omnigate/internal/models"
)

func TestParseChatRequest(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{
		"model": "gpt-3.5-turbo",
		"messages": [{"role": "user", "content": "hello"}],
		"stream": true,
		"max_tokens": 100
	}`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-3.5-turbo", req.Model)
	assert.True(t, req.Stream)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 100, *req.MaxTokens)
}

func TestParseChatRequestRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing model", `{"messages": [{"role": "user", "content": "hi"}]}`},
		{"empty messages", `{"model": "gpt-3.5-turbo", "messages": []}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseChatRequest([]byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestParseChatRequestKeepsMultimodalContentRaw(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{
		"model": "claude-3-haiku",
		"messages": [{"role": "user", "content": [{"type": "text", "text": "describe"}]}]
	}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(req.Messages[0].Content), "["))
}

func TestEstimateInputTokens(t *testing.T) {
	content := strings.Repeat("a", 400)
	req, err := ParseChatRequest([]byte(fmt.Sprintf(
		`{"model": "m", "messages": [{"role": "user", "content": "%s"}]}`, content)))
	require.NoError(t, err)

	// 400 chars of content plus two quote bytes, over four.
	assert.Equal(t, 100, req.EstimateInputTokens())
}

func TestValidate(t *testing.T) {
	policy := &models.Policy{
		MaxInputTokens:  100,
		MaxOutputTokens: 50,
		HasStreaming:    false,
	}

	small := 10
	big := 200

	model := &models.Model{MaxOutputTokens: 50}

	req := &ChatRequest{
		Model:     "m",
		Messages:  []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		MaxTokens: &small,
	}
	assert.NoError(t, req.Validate(policy, model))

	req.MaxTokens = &big
	assert.ErrorIs(t, req.Validate(policy, model), ErrMaxTokensExceeded)

	req.MaxTokens = nil
	req.Stream = true
	assert.ErrorIs(t, req.Validate(policy, model), ErrStreamingDenied)

	req.Stream = false
	req.Messages = []ChatMessage{{Role: "user", Content: json.RawMessage(`"` + strings.Repeat("x", 500) + `"`)}}
	assert.ErrorIs(t, req.Validate(policy, model), ErrInputTooLarge)
}

func TestValidateHonorsModelOutputLimit(t *testing.T) {
	policy := &models.Policy{MaxInputTokens: 1000, MaxOutputTokens: 2000}

	within := 300
	req := &ChatRequest{
		Model:     "m",
		Messages:  []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		MaxTokens: &within,
	}

	// The model's own ceiling binds when it is tighter than the plan's.
	assert.ErrorIs(t, req.Validate(policy, &models.Model{MaxOutputTokens: 256}), ErrMaxTokensExceeded)
	assert.NoError(t, req.Validate(policy, &models.Model{MaxOutputTokens: 4096}))

	// A model without a declared limit falls back to the plan's.
	assert.NoError(t, req.Validate(policy, &models.Model{}))
}

func TestRewriteModel(t *testing.T) {
	body := []byte(`{"model": "claude-3-haiku", "messages": [{"role": "user", "content": "hi"}], "temperature": 0.5}`)
	out, err := rewriteModel(body, "claude-3-haiku-20240307")
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, "claude-3-haiku-20240307", parsed["model"])
	assert.Equal(t, 0.5, parsed["temperature"])
}

func testProxy(t *testing.T, upstream *httptest.Server) (*Proxy, Provider) {
	t.Helper()
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "test", BaseURL: upstream.URL, APIKey: "sk-upstream"},
		},
		Upstream: config.UpstreamConfig{
			ConnectTimeout: time.Second,
			ReadTimeout:    5 * time.Second,
			StreamTimeout:  5 * time.Second,
		},
	}
	p := New(cfg, zap.NewNop())
	prov, err := p.Provider("test")
	require.NoError(t, err)
	return p, prov
}

func testModel() *models.Model {
	return &models.Model{
		ModelID:         "gpt-3.5-turbo",
		UpstreamModelID: "gpt-3.5-turbo",
		Provider:        "test",
	}
}

var chatBody = []byte(`{"model": "gpt-3.5-turbo", "messages": [{"role": "user", "content": "hi"}]}`)

func TestCompleteRelaysSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-upstream", r.Header.Get("Authorization"))
		assert.Equal(t, "req-test", r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "cmpl-1", "usage": {"prompt_tokens": 9, "completion_tokens": 12, "total_tokens": 21}}`)
	}))
	defer upstream.Close()

	p, prov := testProxy(t, upstream)
	rec := httptest.NewRecorder()

	out, err := p.Complete(context.Background(), rec, prov, testModel(), chatBody, "req-test")
	require.NoError(t, err)
	assert.Equal(t, models.RequestSuccess, out.Status)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, 9, out.InputTokens)
	assert.Equal(t, 12, out.OutputTokens)
	require.NotNil(t, out.TTFBMs)
	assert.Contains(t, rec.Body.String(), "cmpl-1")
}

func TestCompletePassesThroughProviderError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limited", "type": "rate_limit_error"}}`)
	}))
	defer upstream.Close()

	p, prov := testProxy(t, upstream)
	rec := httptest.NewRecorder()

	out, err := p.Complete(context.Background(), rec, prov, testModel(), chatBody, "req-test")
	require.NoError(t, err)
	assert.Equal(t, models.RequestUpstreamError, out.Status)
	assert.Equal(t, http.StatusTooManyRequests, out.StatusCode)
	assert.Contains(t, string(out.UpstreamBody), "rate limited")
	// Nothing was written to the client; the handler relays the error.
	assert.Empty(t, rec.Body.String())
}

func TestStreamRelaysChunksAndCollectsMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"choices\": [{\"delta\": {\"content\": \"c%d\"}}]}\n\n", i)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\": [], \"usage\": {\"prompt_tokens\": 5, \"completion_tokens\": 7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	p, prov := testProxy(t, upstream)
	rec := httptest.NewRecorder()

	out, err := p.Stream(context.Background(), rec, prov, testModel(), chatBody, "req-test")
	require.NoError(t, err)
	assert.Equal(t, models.RequestSuccess, out.Status)
	assert.Equal(t, 4, out.ChunkCount)
	assert.Greater(t, out.OutputBytes, int64(0))
	require.NotNil(t, out.TTFBMs)
	assert.Equal(t, 5, out.InputTokens)
	assert.Equal(t, 7, out.OutputTokens)

	body := rec.Body.String()
	assert.Contains(t, body, "data: {\"choices\"")
	assert.Contains(t, body, "data: [DONE]")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestStreamSkipsMalformedPayloads(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {\"content\": \"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {}, \"finish_reason\": \"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	p, prov := testProxy(t, upstream)
	rec := httptest.NewRecorder()

	out, err := p.Stream(context.Background(), rec, prov, testModel(), chatBody, "req-test")
	require.NoError(t, err)
	assert.Equal(t, models.RequestSuccess, out.Status)

	// The malformed line relays to the client but does not count.
	assert.Equal(t, 2, out.ChunkCount)
	assert.Contains(t, rec.Body.String(), "data: {not json")
}

func TestStreamUpstreamErrorBeforeFirstByte(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error": {"message": "overloaded"}}`)
	}))
	defer upstream.Close()

	p, prov := testProxy(t, upstream)
	rec := httptest.NewRecorder()

	out, err := p.Stream(context.Background(), rec, prov, testModel(), chatBody, "req-test")
	require.NoError(t, err)
	assert.Equal(t, models.RequestUpstreamError, out.Status)
	assert.Equal(t, http.StatusServiceUnavailable, out.StatusCode)
	assert.Nil(t, out.TTFBMs, "no first byte reached the client")
	assert.Zero(t, out.OutputBytes)
}

func TestStreamEOFWithoutDoneIsSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {\"content\": \"partial\"}}]}\n\n")
	}))
	defer upstream.Close()

	p, prov := testProxy(t, upstream)
	rec := httptest.NewRecorder()

	out, err := p.Stream(context.Background(), rec, prov, testModel(), chatBody, "req-test")
	require.NoError(t, err)
	assert.Equal(t, models.RequestSuccess, out.Status)
	assert.Equal(t, 1, out.ChunkCount)
}

func TestClassifyTransportError(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	out := classifyTransportError(canceled, fmt.Errorf("write: broken pipe"))
	assert.Equal(t, models.RequestClientError, out.Status)
	assert.Equal(t, 499, out.StatusCode)

	out = classifyTransportError(context.Background(), context.DeadlineExceeded)
	assert.Equal(t, models.RequestTimeout, out.Status)

	out = classifyTransportError(context.Background(), fmt.Errorf("connection refused"))
	assert.Equal(t, models.RequestUpstreamError, out.Status)
	assert.Equal(t, http.StatusBadGateway, out.StatusCode)
}

func TestProviderUnknown(t *testing.T) {
	p := New(&config.Config{}, zap.NewNop())
	_, err := p.Provider("missing")
	assert.ErrorIs(t, err, ErrProviderUnknown)
}
