// Package llm is the single HTTP client for the external model service.
// Both the safety classifier and the QA reviewer speak the same contract;
// they differ only in how the response content is decoded (decision-based
// vs verdict-based).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

var (
	ErrNotConfigured = errors.New("llm: endpoint not configured")
	ErrBadResponse   = errors.New("llm: malformed response")
)

// Request is the fixed-schema model call.
type Request struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// Decision is the classifier-shaped response (safety gate, intent stage).
type Decision struct {
	Decision   string  `json:"decision"`
	EmailType  string  `json:"email_type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Verdict is the reviewer-shaped response (QA stage).
type Verdict struct {
	Verdict string  `json:"verdict"`
	Reason  string  `json:"reason"`
	Score   float64 `json:"score"`
}

// Composition is the composer-shaped response (draft and rewrite stages).
type Composition struct {
	Text string `json:"text"`
}

type Client struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
}

func NewClient(endpoint, apiKey, model string, timeout time.Duration) *Client {
	settings := gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		cb:       gobreaker.NewCircuitBreaker(settings),
	}
}

// Configured reports whether the client can make calls at all. Callers must
// fail closed when it cannot.
func (c *Client) Configured() bool {
	return c != nil && c.endpoint != ""
}

// complete posts the request and returns the raw response body. Non-2xx,
// timeouts and an open circuit breaker all surface as errors; the caller
// decides the fail-closed outcome.
func (c *Client) complete(ctx context.Context, req Request) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if req.Model == "" {
		req.Model = c.model
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("llm: status %d: %s", resp.StatusCode, truncate(respBody, 200))
		}
		return respBody, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// CompleteDecision runs the request and decodes a strict decision response.
// Any shape violation is an error, never a lenient parse.
func (c *Client) CompleteDecision(ctx context.Context, req Request) (*Decision, error) {
	body, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	var d Decision
	if err := decodeStrict(body, &d); err != nil {
		return nil, err
	}
	if d.Decision == "" {
		return nil, fmt.Errorf("%w: missing decision field", ErrBadResponse)
	}
	d.Confidence = normalizeConfidence(d.Confidence)
	return &d, nil
}

// CompleteVerdict runs the request and decodes a strict verdict response.
func (c *Client) CompleteVerdict(ctx context.Context, req Request) (*Verdict, error) {
	body, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	var v Verdict
	if err := decodeStrict(body, &v); err != nil {
		return nil, err
	}
	switch v.Verdict {
	case "pass", "warn", "fail":
	default:
		return nil, fmt.Errorf("%w: unknown verdict %q", ErrBadResponse, v.Verdict)
	}
	return &v, nil
}

// CompleteText runs the request and decodes a composition response.
func (c *Client) CompleteText(ctx context.Context, req Request) (string, error) {
	body, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	var comp Composition
	if err := decodeStrict(body, &comp); err != nil {
		return "", err
	}
	if comp.Text == "" {
		return "", fmt.Errorf("%w: empty text", ErrBadResponse)
	}
	return comp.Text, nil
}

func decodeStrict(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

// normalizeConfidence accepts both 0–1 and 0–100 scales and clamps the
// result to [0,1].
func normalizeConfidence(c float64) float64 {
	if c > 1 {
		c = c / 100
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
