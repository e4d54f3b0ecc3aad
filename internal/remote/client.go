// Package remote adapts the engine's collaborators to JSON-over-HTTP services.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/storytime/internal/artifact"
	"github.com/danshapiro/storytime/internal/engine"
)

const maxErrorBody = 4 << 10

// Client posts JSON to one endpoint and decodes the JSON reply.
type Client struct {
	Name    string
	URL     string
	Header  http.Header
	HTTP    *http.Client
	Timeout time.Duration
}

func NewClient(name, url string) *Client {
	return &Client{Name: name, URL: url, HTTP: http.DefaultClient}
}

func (c *Client) post(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", c.Name, err)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		// Transport errors keep their identity so deadline and net timeouts
		// stay recognizable to the retry loop.
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ErrorFromHTTPStatus(c.Name, resp.StatusCode, errorMessage(raw), ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.Name, err)
	}
	return nil
}

// errorMessage pulls {"error": "..."} out of a body, falling back to the text.
func errorMessage(raw []byte) string {
	var env struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &env) == nil {
		switch v := env.Error.(type) {
		case string:
			return v
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				return m
			}
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// HTTPPlanner asks a remote service for the next action.
type HTTPPlanner struct{ *Client }

func NewHTTPPlanner(url string) *HTTPPlanner {
	return &HTTPPlanner{NewClient("planner", url)}
}

func (p *HTTPPlanner) Decide(ctx context.Context, req engine.DecideRequest) (engine.Decision, error) {
	var d engine.Decision
	if err := p.post(ctx, req, &d); err != nil {
		return engine.Decision{}, err
	}
	if d.ToolCall == nil && strings.TrimSpace(d.Text) == "" {
		return engine.Decision{}, fmt.Errorf("%s: empty decision", p.Name)
	}
	return d, nil
}

// HTTPClassifier asks a remote service to interpret an approval reply.
type HTTPClassifier struct{ *Client }

func NewHTTPClassifier(url string) *HTTPClassifier {
	return &HTTPClassifier{NewClient("classifier", url)}
}

func (c *HTTPClassifier) Classify(ctx context.Context, req engine.ClassifyRequest) (engine.Verdict, error) {
	var v engine.Verdict
	if err := c.post(ctx, req, &v); err != nil {
		return engine.Verdict{}, err
	}
	switch v.Kind {
	case engine.VerdictApproved, engine.VerdictRejected, engine.VerdictUnclear:
	default:
		v = engine.Verdict{Kind: engine.VerdictUnclear}
	}
	return v, nil
}

// toolResponse is the wire shape of a tool reply.
type toolResponse struct {
	Success   bool               `json:"success"`
	Message   string             `json:"message,omitempty"`
	Artifacts []producedArtifact `json:"artifacts,omitempty"`
	Error     string             `json:"error,omitempty"`
	Retryable bool               `json:"retryable,omitempty"`
}

// producedArtifact carries content inline. Path is decoded only so a reply
// naming a file on this host can be refused; a remote service has no business
// pointing the server at its own disk.
type producedArtifact struct {
	Kind artifact.Kind `json:"kind"`
	Name string        `json:"name,omitempty"`
	MIME string        `json:"mime,omitempty"`
	Data []byte        `json:"data,omitempty"`
	Path string        `json:"path,omitempty"`
}

// HTTPTool runs one pipeline step on a remote service.
type HTTPTool struct{ *Client }

func NewHTTPTool(name, url string) *HTTPTool {
	return &HTTPTool{NewClient(name, url)}
}

func (t *HTTPTool) Invoke(ctx context.Context, req engine.ToolRequest) (engine.ToolResult, error) {
	var resp toolResponse
	if err := t.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		reason := strings.TrimSpace(resp.Error)
		if reason == "" {
			reason = "tool reported failure"
		}
		return engine.Failure{Reason: reason, Retryable: resp.Retryable}, nil
	}
	produced := make([]engine.Produced, 0, len(resp.Artifacts))
	for i, a := range resp.Artifacts {
		if a.Path != "" {
			return engine.Failure{Reason: fmt.Sprintf("artifact %d names a local path; tools must send content inline", i)}, nil
		}
		produced = append(produced, engine.Produced{Kind: a.Kind, Name: a.Name, MIME: a.MIME, Data: a.Data})
	}
	return engine.Success{Artifacts: produced, Message: resp.Message}, nil
}
