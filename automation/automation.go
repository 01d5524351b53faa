// Package automation is the HTTP client for the OS-automation service: the
// remote endpoint that executes low-level input actions and captures
// screenshots on the controlled machine.
package automation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nevindra/scout"
)

// Client implements scout.ComputerRunner against a single automation
// endpoint. The endpoint is a global single-user resource; run at most one
// active session per controlled machine.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ scout.ComputerRunner = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sets a bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the given endpoint URL.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		logger:     nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// wire types for the automation endpoint.
type actionResponse struct {
	Output string       `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
	Image  *inlineImage `json:"image,omitempty"`
}

type inlineImage struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// Run posts one action and decodes the result. Screenshot actions return
// inline image data; input actions return a text output. An error reported
// by the endpoint is surfaced verbatim.
func (c *Client) Run(ctx context.Context, args scout.ComputerArgs) (scout.ComputerResult, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return scout.ComputerResult{}, fmt.Errorf("automation: encode action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return scout.ComputerResult{}, fmt.Errorf("automation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("automation: running action", "action", args.Action)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scout.ComputerResult{}, fmt.Errorf("automation: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return scout.ComputerResult{}, fmt.Errorf("automation: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return scout.ComputerResult{}, &scout.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed actionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return scout.ComputerResult{}, fmt.Errorf("automation: decode response: %w", err)
	}
	if parsed.Error != "" {
		return scout.ComputerResult{}, errors.New(parsed.Error)
	}

	result := scout.ComputerResult{Text: parsed.Output}
	if parsed.Image != nil {
		data, err := base64.StdEncoding.DecodeString(parsed.Image.Data)
		if err != nil {
			return scout.ComputerResult{}, fmt.Errorf("automation: decode image data: %w", err)
		}
		result.Image = &scout.InlineData{MimeType: parsed.Image.MimeType, Data: data}
	}
	return result, nil
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
