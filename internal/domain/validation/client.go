package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/rdrf/rdrf/internal/domain/calculation"
	"github.com/rdrf/rdrf/internal/platform/form"
)

// Alerter surfaces faults the user must acknowledge.
type Alerter interface {
	Alert(err error)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(err error)

func (f AlerterFunc) Alert(err error) { f(err) }

// ErrCommandFailed wraps a fail status returned by the RPC endpoint.
var ErrCommandFailed = errors.New("rpc command failed")

// Client validates control values through the RPC endpoint.
type Client struct {
	endpoint string
	tokens   calculation.TokenSource
	http     *http.Client
	alerter  Alerter
	log      zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithAlerter(a Alerter) ClientOption {
	return func(c *Client) { c.alerter = a }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

func NewClient(endpoint string, tokens calculation.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		tokens:   tokens,
		http:     &http.Client{},
		alerter:  AlerterFunc(func(error) {}),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate sends the control's current value to command and marks the
// control valid or invalid. On any fault the control is left unchanged, the
// alerter is called and the error returned.
func (c *Client) Validate(ctx context.Context, control *form.Control, command string) (bool, error) {
	ok, err := c.call(ctx, command, control.Value())
	if err != nil {
		c.log.Warn().Err(err).Str("control", control.ID).Str("rpc_command", command).Msg("validation fault")
		c.alerter.Alert(err)
		return false, err
	}
	if ok {
		control.SetValidity(form.Valid)
	} else {
		control.SetValidity(form.Invalid)
	}
	return ok, nil
}

// Bind validates control with command whenever the user commits a change.
// Validation runs off the event goroutine; done, when non-nil, is called
// after each run.
func (c *Client) Bind(ctx context.Context, control *form.Control, command string, done func(bool, error)) form.Handle {
	return control.On(form.EventChange, func(ev form.Event) {
		if ev.Origin != form.OriginUser {
			return
		}
		go func() {
			ok, err := c.Validate(ctx, control, command)
			if done != nil {
				done(ok, err)
			}
		}()
	})
}

func (c *Client) call(ctx context.Context, command, value string) (bool, error) {
	body, err := json.Marshal(Request{Command: command, Args: []string{value}})
	if err != nil {
		return false, fmt.Errorf("encode rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		req.Header.Set(calculation.HeaderCSRFToken, c.tokens.CSRFToken())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("post rpc request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &calculation.StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return false, fmt.Errorf("decode rpc response: %w", err)
	}
	if out.Status == StatusFail {
		return false, fmt.Errorf("%s: %w: %s", command, ErrCommandFailed, out.Error)
	}
	return out.Result, nil
}
