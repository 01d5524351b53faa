// Package gemini implements the scout.Generator interface over the Google
// Gemini REST API, including streamed planning calls with thinking and the
// bounded-JSON detection mode used for visual grounding.
package gemini

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nevindra/scout"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// detectThinkingBudget is the token budget for detection-call reasoning.
const detectThinkingBudget = 256

// detectSchema constrains detection responses to a {box_2d, label} object.
// Gemini's responseSchema uses OpenAPI-style upper-case type names.
var detectSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"box_2d": map[string]any{
			"type":  "ARRAY",
			"items": map[string]any{"type": "INTEGER"},
		},
		"label": map[string]any{"type": "STRING"},
	},
	"required": []string{"box_2d"},
}

// Client implements scout.Generator for Google Gemini models.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Client) { g.httpClient = c }
}

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(g *Client) { g.baseURL = strings.TrimRight(u, "/") }
}

// New creates a Gemini client.
func New(apiKey string, opts ...Option) *Client {
	g := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ scout.Generator = (*Client)(nil)

// Name returns "gemini".
func (g *Client) Name() string { return "gemini" }

// GenerateStream requests a streamed completion with tool declarations.
// Thought and text deltas go into ch as they arrive; the accumulated result
// is returned when the stream ends. ch is not closed.
func (g *Client) GenerateStream(ctx context.Context, req scout.GenerateRequest, ch chan<- scout.Delta) (scout.GenerateResult, error) {
	body := map[string]any{
		"contents": buildContents(req.Contents),
		"generationConfig": map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.Thinking {
		body["generationConfig"].(map[string]any)["thinkingConfig"] = map[string]any{
			"includeThoughts": true,
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					return scout.GenerateResult{}, g.wrapErr("decode tool parameters for " + t.Name + ": " + err.Error())
				}
			}
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	return g.stream(ctx, req.Model, body, ch)
}

// Detect runs a bounded-JSON detection over one tile: temperature 0, a small
// thinking budget with thoughts included, and a response schema pinning the
// output to a {box_2d, label} object. Returns the raw JSON text.
func (g *Client) Detect(ctx context.Context, req scout.DetectRequest, ch chan<- scout.Delta) (string, error) {
	body := map[string]any{
		"contents": []map[string]any{{
			"role": "user",
			"parts": []map[string]any{
				{"inlineData": map[string]any{
					"mimeType": "image/png",
					"data":     base64.StdEncoding.EncodeToString(req.ImagePNG),
				}},
				{"text": req.Prompt},
			},
		}},
		"generationConfig": map[string]any{
			"temperature":      0.0,
			"responseMimeType": "application/json",
			"responseSchema":   detectSchema,
			"thinkingConfig": map[string]any{
				"includeThoughts": true,
				"thinkingBudget":  detectThinkingBudget,
			},
		},
	}

	res, err := g.stream(ctx, req.Model, body, ch)
	if err != nil {
		return "", err
	}
	if res.Text == "" {
		return "", g.wrapErr("detection returned no text")
	}
	return res.Text, nil
}

// stream posts to streamGenerateContent with alt=sse and accumulates the
// parsed chunks into a GenerateResult.
func (g *Client) stream(ctx context.Context, model string, body map[string]any, ch chan<- scout.Delta) (scout.GenerateResult, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return scout.GenerateResult{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return scout.GenerateResult{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return scout.GenerateResult{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return scout.GenerateResult{}, &scout.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}

	var res scout.GenerateResult
	var thought, text strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer for SSE payloads: a chunk carrying inline data can reach
	// several megabytes.
	scanner.Buffer(make([]byte, 0, 16*1024*1024), 16*1024*1024)

	var jsonBuf strings.Builder
	process := func(data string) {
		g.processChunk(data, &thought, &text, &res, ch)
	}

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines start with "data: ". Anything else is either noise or
		// the continuation of a JSON payload split across lines.
		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					process(jsonBuf.String())
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}
		if isCompleteJSON(data) {
			process(data)
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}
	if err := scanner.Err(); err != nil {
		return scout.GenerateResult{}, g.wrapErr("read stream: " + err.Error())
	}
	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		process(jsonBuf.String())
	}

	res.Thought = thought.String()
	res.Text = text.String()
	return res, nil
}

type streamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []wirePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type wirePart struct {
	Text         string `json:"text"`
	Thought      bool   `json:"thought"`
	FunctionCall *struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall"`
}

func (g *Client) processChunk(data string, thought, text *strings.Builder, res *scout.GenerateResult, ch chan<- scout.Delta) {
	var parsed streamChunk
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		return
	}
	if len(parsed.Candidates) == 0 {
		return
	}
	for _, part := range parsed.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			res.Calls = append(res.Calls, scout.FunctionCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		case part.Thought && part.Text != "":
			thought.WriteString(part.Text)
			send(ch, scout.Delta{Thought: part.Text})
		case part.Text != "":
			text.WriteString(part.Text)
			send(ch, scout.Delta{Text: part.Text})
		}
	}
}

func send(ch chan<- scout.Delta, d scout.Delta) {
	if ch != nil {
		ch <- d
	}
}

// buildContents converts assembled history into the Gemini wire format.
func buildContents(contents []scout.Content) []map[string]any {
	out := make([]map[string]any, 0, len(contents))
	for _, c := range contents {
		parts := make([]map[string]any, 0, len(c.Parts))
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				fc := map[string]any{"name": p.FunctionCall.Name}
				if p.FunctionCall.ID != "" {
					fc["id"] = p.FunctionCall.ID
				}
				if len(p.FunctionCall.Args) > 0 {
					fc["args"] = p.FunctionCall.Args
				}
				parts = append(parts, map[string]any{"functionCall": fc})
			case p.FunctionResponse != nil:
				response := map[string]any{}
				if p.FunctionResponse.Error != "" {
					response["error"] = p.FunctionResponse.Error
				} else {
					response["output"] = p.FunctionResponse.Output
				}
				fr := map[string]any{
					"name":     p.FunctionResponse.Name,
					"response": response,
				}
				if p.FunctionResponse.ID != "" {
					fr["id"] = p.FunctionResponse.ID
				}
				parts = append(parts, map[string]any{"functionResponse": fr})
			case p.Inline != nil:
				parts = append(parts, map[string]any{"inlineData": map[string]any{
					"mimeType": p.Inline.MimeType,
					"data":     base64.StdEncoding.EncodeToString(p.Inline.Data),
				}})
			case p.Text != "":
				parts = append(parts, map[string]any{"text": p.Text})
			}
		}
		out = append(out, map[string]any{"role": c.Role, "parts": parts})
	}
	return out
}

func (g *Client) wrapErr(msg string) error {
	return &scout.ErrLLM{Provider: "gemini", Message: msg}
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// ignoring characters inside string literals.
func isCompleteJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	depth := 0
	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}
	return depth == 0 && !inString
}
