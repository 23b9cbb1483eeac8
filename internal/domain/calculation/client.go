package calculation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultEndpoint is the compute service path on the registry host.
	DefaultEndpoint = "/api/v1/calculatedcdes/"

	HeaderCSRFToken = "X-CSRFToken"
	HeaderRequestID = "X-Request-ID"

	maxResponseBytes = 1 << 20
)

// TokenSource yields the anti-forgery token for the current page.
type TokenSource interface {
	CSRFToken() string
}

// Evaluator performs one compute exchange.
type Evaluator interface {
	Evaluate(ctx context.Context, req *ComputeRequest) (Scalar, error)
}

// StatusError is returned when the compute service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("compute service returned status %d: %s", e.StatusCode, e.Body)
}

// Client posts compute requests to the compute service.
type Client struct {
	endpoint string
	tokens   TokenSource
	http     *http.Client
	timeout  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each exchange. Zero means no timeout. It applies to
// whichever HTTP client is configured, regardless of option order.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient returns a client for endpoint. The token is read from tokens on
// every call and never cached.
func NewClient(endpoint string, tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		tokens:   tokens,
		http:     &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}
	return c
}

// Evaluate posts req and decodes the single scalar answer.
func (c *Client) Evaluate(ctx context.Context, req *ComputeRequest) (Scalar, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Scalar{}, fmt.Errorf("encode compute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Scalar{}, fmt.Errorf("build compute request: %w", err)
	}
	rid := req.RequestID
	if rid == "" {
		rid = uuid.NewString()
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderRequestID, rid)
	if c.tokens != nil {
		httpReq.Header.Set(HeaderCSRFToken, c.tokens.CSRFToken())
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Scalar{}, fmt.Errorf("post compute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Scalar{}, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	var value Scalar
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&value); err != nil {
		return Scalar{}, fmt.Errorf("decode compute response: %w", err)
	}
	return value, nil
}
