// Package perplexity is the research service backed by the Perplexity chat
// completions API. Each query becomes one search-grounded completion whose
// answer and citations form one finding.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dossier/pkg/pipeline"
)

// Client implements pipeline.Service for research stages.
type Client struct {
	baseURL    string
	token      string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures the Client during construction.
type Option func(*clientConfig) error

type clientConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	rps        float64
	burst      int
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithTimeout sets a timeout on the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		cfg.timeout = d
		return nil
	}
}

// WithRateLimit paces requests to rps per second with the given burst.
// Zero rps leaves requests unpaced.
func WithRateLimit(rps float64, burst int) Option {
	return func(cfg *clientConfig) error {
		if rps < 0 {
			return fmt.Errorf("perplexity: negative rate %v", rps)
		}
		cfg.rps, cfg.burst = rps, burst
		return nil
	}
}

// New creates a client for model at baseURL.
func New(baseURL, apiKey, model string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("perplexity: baseURL is required")
	}
	if model == "" {
		return nil, fmt.Errorf("perplexity: model is required")
	}
	cfg := &clientConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.rps > 0 {
		burst := cfg.burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), burst)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      apiKey,
		model:      model,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

func (c *Client) Name() string { return "perplexity/" + c.model }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type searchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Citations     []string       `json:"citations"`
	SearchResults []searchResult `json:"search_results"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Detail string `json:"detail"`
}

// Call answers every query in req. A batch where some queries fail still
// returns the findings of the others; only a fully failed batch errors, with
// the first failure.
func (c *Client) Call(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	if len(req.Queries) == 0 {
		return pipeline.Response{}, fmt.Errorf("%w: no research queries", pipeline.ErrMalformedRequest)
	}
	var (
		resp     pipeline.Response
		firstErr error
	)
	for _, q := range req.Queries {
		f, err := c.search(ctx, req, q)
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.Response{}, ctx.Err()
			}
			c.logger.WarnContext(ctx, "research query failed", "query", q, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Findings = append(resp.Findings, f)
	}
	if len(resp.Findings) == 0 {
		return pipeline.Response{}, firstErr
	}
	return resp, nil
}

func (c *Client) search(ctx context.Context, req pipeline.Request, query string) (pipeline.Finding, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return pipeline.Finding{}, ctx.Err()
		}
		// The limiter refuses waits that would outlive the deadline.
		return pipeline.Finding{}, fmt.Errorf("%w: %w", pipeline.ErrRateLimited, err)
	}
	body := completionRequest{Model: c.model}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.Persona != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.Persona})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: query})

	var out completionResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/chat/completions", "chat completion", body, &out); err != nil {
		return pipeline.Finding{}, err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return pipeline.Finding{}, fmt.Errorf("%w: empty completion for %q", pipeline.ErrMalformedResponse, query)
	}
	return pipeline.Finding{
		Query:   query,
		Text:    strings.TrimSpace(out.Choices[0].Message.Content),
		Sources: sources(out),
	}, nil
}

// sources prefers the citation list and falls back to search result URLs.
func sources(out completionResponse) []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}
	for _, u := range out.Citations {
		add(u)
	}
	if len(urls) == 0 {
		for _, r := range out.SearchResults {
			add(r.URL)
		}
	}
	return urls
}

// doJSON posts payload and decodes the JSON response into dst. Error
// statuses come back as *APIError.
func (c *Client) doJSON(ctx context.Context, method, url, operation string, payload, dst any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.DebugContext(ctx, "API request", "operation", operation, "method", method, "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%s: %w: %w", operation, pipeline.ErrTimeout, err)
		}
		return fmt.Errorf("%s: %w: %w", operation, pipeline.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	c.logger.DebugContext(ctx, "API response", "operation", operation, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errRS errorResponse
		if json.Unmarshal(respBody, &errRS) == nil {
			if errRS.Error.Message != "" {
				return newAPIError(operation, resp.StatusCode, errRS.Error.Message)
			}
			if errRS.Detail != "" {
				return newAPIError(operation, resp.StatusCode, errRS.Detail)
			}
		}
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = resp.Status
		}
		return newAPIError(operation, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%s: %w: decode response: %v", operation, pipeline.ErrMalformedResponse, err)
	}
	return nil
}
