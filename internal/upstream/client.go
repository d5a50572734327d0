// Package upstream calls the generation model. It speaks the OpenAI-compatible
// chat completions API and always asks for a JSON object so both pipeline
// stages can validate the model's output as structured data.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tjfontaine/contentgen-gateway/internal/domain"
	"github.com/tjfontaine/contentgen-gateway/internal/retryhttp"
)

// FinishReasonLength means the model stopped at the token limit.
const FinishReasonLength = "length"

// maxErrorMessage caps how many bytes of a raw error body are reported.
const maxErrorMessage = 512

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the per-stage model parameters. A nil Temperature leaves the
// upstream default in place; zero is sent as zero.
type Params struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	ReadTimeout time.Duration
}

// CompletionRequest is text in.
type CompletionRequest struct {
	Params   Params
	Messages []Message
}

// Completion is text and finish reason out.
type Completion struct {
	Text         string
	FinishReason string
	Model        string
	Usage        Usage
}

// TokenSource supplies the bearer token for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed API key.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no upstream api key configured")
	}
	return string(s), nil
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHeader adds a header to every call.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// Client is the upstream model caller.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *retryhttp.Client
	headers http.Header
	logger  *slog.Logger
}

// New creates a Client posting to baseURL + "/chat/completions".
func New(baseURL string, tokens TokenSource, rc *retryhttp.Client, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    rc,
		headers: make(http.Header),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends one chat completion. Upstream failures are returned as
// *domain.APIError.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, domain.ErrAuthentication(fmt.Sprintf("upstream credentials: %v", err)).
			WithCode(domain.ErrorCodeInvalidAPIKey)
	}

	body := chatRequest{
		Model:          req.Params.Model,
		Messages:       req.Messages,
		MaxTokens:      req.Params.MaxTokens,
		Temperature:    req.Params.Temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	header := c.headers.Clone()
	header.Set("Authorization", "Bearer "+token)
	header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, retryhttp.Request{
		Method:      http.MethodPost,
		URL:         c.baseURL + "/chat/completions",
		Header:      header,
		Body:        data,
		ReadTimeout: req.Params.ReadTimeout,
	})
	if err != nil {
		if errors.Is(err, retryhttp.ErrMaxRetries) {
			return nil, domain.ErrMaxRetries(err.Error())
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(resp.Body)
		c.logger.Warn("upstream returned error",
			slog.Int("status", resp.StatusCode),
			slog.String("model", req.Params.Model),
			slog.String("message", msg),
		)
		return nil, domain.FromHTTPStatus(resp.StatusCode, msg)
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, domain.ErrServer(fmt.Sprintf("decode upstream response: %v", err))
	}
	if len(out.Choices) == 0 {
		return nil, domain.ErrInvalidModelOutput("upstream returned no choices")
	}

	c.logger.Debug("upstream completion",
		slog.String("model", out.Model),
		slog.String("finish_reason", out.Choices[0].FinishReason),
		slog.Int("prompt_tokens", out.Usage.PromptTokens),
		slog.Int("completion_tokens", out.Usage.CompletionTokens),
	)

	return &Completion{
		Text:         out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Model:        out.Model,
		Usage:        out.Usage,
	}, nil
}

func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil && er.Error.Message != "" {
		return er.Error.Message
	}
	msg := truncate(strings.TrimSpace(string(body)), maxErrorMessage)
	if msg == "" {
		msg = "upstream request failed"
	}
	return msg
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
