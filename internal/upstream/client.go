// Package upstream handles communication with the Qwen OpenAI-compatible API.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/qwen-nexus/internal/db/models"
	"github.com/pysugar/qwen-nexus/internal/version"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultBaseURL is used when an account carries no resource_url.
const DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// DefaultTimeout bounds one outbound call, including streaming reads.
const DefaultTimeout = 5 * time.Minute

// Result is one upstream response. Buffered responses carry Body; streaming
// 200s carry Stream instead, which the caller must relay and close.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     *http.Response
}

// Client issues requests against the Qwen API on behalf of one account at a
// time, injecting that account's bearer token.
type Client struct {
	httpClient   *http.Client
	defaultModel string
}

// NewClient creates an upstream client. The timeout covers the whole call;
// zero means DefaultTimeout.
func NewClient(timeout time.Duration, defaultModel string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		defaultModel: defaultModel,
	}
}

// Endpoint derives the API base URL for an account. Token grants return a
// bare host in resource_url; normalize it to https with a /v1 suffix.
func Endpoint(acc *models.Account) string {
	if acc == nil || acc.ResourceURL == "" {
		return DefaultBaseURL
	}
	endpoint := acc.ResourceURL
	if !strings.HasPrefix(endpoint, "http") {
		endpoint = "https://" + endpoint
	}
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint = strings.TrimSuffix(endpoint, "/") + "/v1"
	}
	return endpoint
}

// ChatCompletions forwards an OpenAI-format chat request using the account's
// token. When stream is set, the payload is switched to streaming mode and a
// 200 response is returned live for relaying.
func (c *Client) ChatCompletions(ctx context.Context, acc *models.Account, body []byte, stream bool) (*Result, error) {
	body = c.withDefaultModel(body, c.defaultModel)
	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
		// Ask for usage data in the final chunk.
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}
	return c.do(ctx, acc, "/chat/completions", body, stream)
}

// Embeddings forwards an OpenAI-format embeddings request.
func (c *Client) Embeddings(ctx context.Context, acc *models.Account, body []byte) (*Result, error) {
	body = c.withDefaultModel(body, "text-embedding-v1")
	return c.do(ctx, acc, "/embeddings", body, false)
}

func (c *Client) withDefaultModel(body []byte, model string) []byte {
	if gjson.GetBytes(body, "model").String() == "" {
		body, _ = sjson.SetBytes(body, "model", model)
	}
	return body
}

func (c *Client) do(ctx context.Context, acc *models.Account, path string, body []byte, stream bool) (*Result, error) {
	url := Endpoint(acc) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	req.Header.Set("User-Agent", "qwen-nexus/"+version.Version+" (linux; x64)")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// A streaming 200 stays open for the relay; everything else is buffered
	// so the dispatcher can classify it.
	if stream && resp.StatusCode == http.StatusOK {
		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Stream: resp}, nil
	}

	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}
