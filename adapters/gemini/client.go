// Package gemini is the reasoning service backed by the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"dossier/pkg/pipeline"
)

// generator is the slice of *genai.Models the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements pipeline.Service for reasoning stages.
type Client struct {
	gen         generator
	model       string
	temperature *float32
	logger      *slog.Logger
}

// Option configures the Client during construction.
type Option func(*clientConfig) error

type clientConfig struct {
	baseURL     string
	temperature *float32
	logger      *slog.Logger
	httpClient  *http.Client
}

// WithBaseURL points the client at another endpoint, e.g. a proxy.
func WithBaseURL(u string) Option {
	return func(cfg *clientConfig) error {
		cfg.baseURL = u
		return nil
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(cfg *clientConfig) error {
		if t < 0 || t > 2 {
			return fmt.Errorf("gemini: temperature %v out of range [0, 2]", t)
		}
		cfg.temperature = genai.Ptr(t)
		return nil
	}
}

// WithHTTPClient overrides the HTTP client used by the SDK.
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

// New creates a client for model authenticated with apiKey.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("gemini: model is required")
	}
	cfg := &clientConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newClient(client.Models, model, cfg), nil
}

func newClient(gen generator, model string, cfg *clientConfig) *Client {
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{gen: gen, model: model, temperature: cfg.temperature, logger: logger}
}

func (c *Client) Name() string { return "gemini/" + c.model }

// Call sends the instruction and context as one user turn. The persona
// becomes the system instruction; JSON requests ask for a JSON response.
// A request naming a model overrides the client's default.
func (c *Client) Call(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	gc := &genai.GenerateContentConfig{Temperature: c.temperature}
	if req.Persona != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.Persona, genai.RoleUser)
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}

	c.logger.DebugContext(ctx, "generate content", "model", model, "stage", req.Stage, "json", req.JSON)
	resp, err := c.gen.GenerateContent(ctx, model, genai.Text(prompt(req)), gc)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Response{}, ctx.Err()
		}
		return pipeline.Response{}, classify(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return pipeline.Response{}, fmt.Errorf("%w: gemini returned no text (%s)", pipeline.ErrMalformedResponse, finishReason(resp))
	}
	return pipeline.Response{Text: text}, nil
}

func prompt(req pipeline.Request) string {
	var b strings.Builder
	b.WriteString(req.Instruction)
	if req.Context != "" {
		b.WriteString("\n\n")
		b.WriteString(req.Context)
	}
	return b.String()
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return "no response"
	}
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		return "prompt blocked: " + string(pf.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "no candidates"
	}
	return "finish reason " + string(resp.Candidates[0].FinishReason)
}

// classify maps API status codes onto the pipeline's call sentinels so the
// adapter knows which failures to retry.
func classify(err error) error {
	code, msg, ok := apiStatus(err)
	if !ok {
		return err
	}
	var sentinel error
	switch {
	case code == http.StatusTooManyRequests:
		sentinel = pipeline.ErrRateLimited
	case code >= 500:
		sentinel = pipeline.ErrUnavailable
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		sentinel = pipeline.ErrAuth
	case code == http.StatusPaymentRequired:
		sentinel = pipeline.ErrQuota
	case code == http.StatusBadRequest, code == http.StatusNotFound:
		sentinel = pipeline.ErrMalformedRequest
	default:
		return err
	}
	return fmt.Errorf("%w: gemini HTTP %d: %s", sentinel, code, msg)
}

func apiStatus(err error) (int, string, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code, v.Message, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code, p.Message, true
	}
	return 0, "", false
}
