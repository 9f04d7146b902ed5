// Package proxy dispatches admitted requests to upstream providers and
// relays the response, streaming or not, while measuring what billing
// and the usage pipeline need.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/config"
	"github.com/omnigate/omnigate/internal/models"
)

var ErrProviderUnknown = errors.New("no provider configured")

type Provider struct {
	Name    string
	BaseURL string
	APIKey  string
}

type Proxy struct {
	providers map[string]Provider
	logger    *zap.Logger

	client       *http.Client
	streamClient *http.Client
}

func New(cfg *config.Config, logger *zap.Logger) *Proxy {
	providers := make(map[string]Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = Provider{
			Name:    p.Name,
			BaseURL: strings.TrimRight(p.BaseURL, "/"),
			APIKey:  p.APIKey,
		}
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.Upstream.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Proxy{
		providers: providers,
		logger:    logger,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.ReadTimeout,
		},
		streamClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.StreamTimeout,
		},
	}
}

func (p *Proxy) Provider(name string) (Provider, error) {
	prov, ok := p.providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrProviderUnknown, name)
	}
	return prov, nil
}

// rewriteModel swaps the public model id for the provider's own id
// without disturbing the rest of the body.
func rewriteModel(body []byte, upstreamModel string) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	id, err := json.Marshal(upstreamModel)
	if err != nil {
		return nil, err
	}
	payload["model"] = id
	return json.Marshal(payload)
}

func (p *Proxy) buildRequest(ctx context.Context, prov Provider, body []byte, requestID string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		prov.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+prov.APIKey)
	req.Header.Set("X-Request-ID", requestID)
	return req, nil
}

// Complete handles the non-streaming path: one upstream round trip, the
// body relayed verbatim. Provider errors pass through with their status
// so clients see the provider's own error shape.
func (p *Proxy) Complete(ctx context.Context, w http.ResponseWriter, prov Provider, model *models.Model, body []byte, requestID string) (*Outcome, error) {
	start := time.Now()

	upstream, err := rewriteModel(body, model.UpstreamModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite model id: %w", err)
	}
	req, err := p.buildRequest(ctx, prov, upstream, requestID)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return classifyTransportError(ctx, err), nil
	}

	ttfb := time.Since(start).Milliseconds()
	out := &Outcome{
		StatusCode:  resp.StatusCode,
		TTFBMs:      &ttfb,
		OutputBytes: int64(len(respBody)),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Status = models.RequestUpstreamError
		out.UpstreamBody = respBody
		return out, nil
	}

	var parsed struct {
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		out.InputTokens = parsed.Usage.PromptTokens
		out.OutputTokens = parsed.Usage.CompletionTokens
	}
	out.Status = models.RequestSuccess

	w.Header().Set("Content-Type", "application/json")
	if out.InputTokens > 0 || out.OutputTokens > 0 {
		w.Header().Set("x-prompt-tokens", strconv.Itoa(out.InputTokens))
		w.Header().Set("x-completion-tokens", strconv.Itoa(out.OutputTokens))
		w.Header().Set("x-total-tokens", strconv.Itoa(out.InputTokens+out.OutputTokens))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		// Upstream succeeded and the charge stands; only delivery failed.
		p.logger.Debug("client write failed after upstream success", zap.Error(err))
	}
	return out, nil
}

// Stream handles the SSE path. Upstream chunks relay to the client as
// they arrive; TTFB is stamped at the first data line. The terminal
// status distinguishes client aborts from upstream failures because only
// the latter feed the circuit breaker.
func (p *Proxy) Stream(ctx context.Context, w http.ResponseWriter, prov Provider, model *models.Model, body []byte, requestID string) (*Outcome, error) {
	upstream, err := rewriteModel(body, model.UpstreamModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite model id: %w", err)
	}
	req, err := p.buildRequest(ctx, prov, upstream, requestID)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := p.streamClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &Outcome{
			Status:       models.RequestUpstreamError,
			StatusCode:   resp.StatusCode,
			UpstreamBody: respBody,
		}, nil
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &Outcome{StatusCode: http.StatusOK}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			// Comment or event line; relay untouched.
			if _, err := fmt.Fprintf(w, "%s\n\n", line); err != nil {
				out.Status = models.RequestClientError
				return out, nil
			}
			flusher.Flush()
			continue
		}

		if out.TTFBMs == nil {
			ttfb := time.Since(start).Milliseconds()
			out.TTFBMs = &ttfb
		}

		payload := strings.TrimPrefix(line, "data: ")
		if _, err := fmt.Fprintf(w, "%s\n\n", line); err != nil {
			out.Status = models.RequestClientError
			return out, nil
		}
		flusher.Flush()

		if payload == "[DONE]" {
			out.Status = models.RequestSuccess
			return out, nil
		}

		out.OutputBytes += int64(len(payload))
		p.collectStreamChunk(prov.Name, payload, out)
	}

	if err := scanner.Err(); err != nil {
		failed := classifyTransportError(ctx, err)
		out.Status = failed.Status
		if out.Status == models.RequestUpstreamError || out.Status == models.RequestTimeout {
			p.logger.Warn("stream terminated by upstream",
				zap.String("provider", prov.Name),
				zap.Int("chunks", out.ChunkCount),
				zap.Error(err))
		}
		return out, nil
	}

	// EOF without [DONE]: the stream ended cleanly enough that output
	// reached the client, so treat it as success.
	out.Status = models.RequestSuccess
	return out, nil
}

// collectStreamChunk counts one data payload if it parses as JSON, and
// picks up token usage and the finish_reason terminal marker along the
// way. Malformed payloads relay to the client but do not count.
func (p *Proxy) collectStreamChunk(provider, payload string, out *Outcome) {
	var chunk struct {
		Choices []struct {
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		p.logger.Debug("malformed stream payload",
			zap.String("provider", provider),
			zap.Error(err))
		return
	}

	out.ChunkCount++
	if chunk.Usage != nil {
		out.InputTokens = chunk.Usage.PromptTokens
		out.OutputTokens = chunk.Usage.CompletionTokens
	}
	for _, c := range chunk.Choices {
		if c.FinishReason != nil && *c.FinishReason != "" {
			out.Status = models.RequestSuccess
		}
	}
}

// classifyTransportError maps a failed round trip to a terminal status.
// Client disconnects are the caller's doing; deadline overruns are
// timeouts; everything else is the upstream's fault.
func classifyTransportError(ctx context.Context, err error) *Outcome {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &Outcome{Status: models.RequestClientError, StatusCode: 499}
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return &Outcome{Status: models.RequestTimeout, StatusCode: http.StatusGatewayTimeout}
	default:
		return &Outcome{Status: models.RequestUpstreamError, StatusCode: http.StatusBadGateway}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
