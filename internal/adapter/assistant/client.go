// Package assistant provides the HTTP client for the shopping assistant
// backend's SSE conversation stream.
package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// StreamPath is the backend route serving conversation streams.
const StreamPath = "/v1/conversations/stream"

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the backend. Returning an
// error stops the stream and Stream returns that error.
type EventHandler func(event SSEEvent) error

// Streamer opens a conversation stream.
type Streamer interface {
	Stream(ctx context.Context, req *domain.StreamRequest, handler EventHandler) error
}

// Client is an HTTP client for the assistant backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithRateLimit caps outbound stream requests per second. A non-positive
// rps disables the cap.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a new assistant client.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute // Long timeout for streaming
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream posts req to the backend and calls handler for each SSE event in
// arrival order. It returns nil after a done event, a *StreamError for
// transport and backend failures, and the context error when ctx ends.
func (c *Client) Stream(ctx context.Context, req *domain.StreamRequest, handler EventHandler) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("rate limited: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+StreamPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Conversation-ID", req.LocalID)
	if req.SessionID != "" {
		httpReq.Header.Set("X-Session-ID", req.SessionID)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &StreamError{Code: CodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StreamError{
			Code:    CodeHTTPStatus,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(bodyBytes)),
		}
	}

	err = c.consume(resp.Body, handler)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// errDone stops parsing once a terminal event was delivered.
var errDone = errors.New("stream done")

// consume dispatches events and enforces that the stream ends with done
// or error.
func (c *Client) consume(body io.Reader, handler EventHandler) error {
	var terminal error
	err := c.parseSSE(body, func(event SSEEvent) error {
		if !isKnownEvent(event.Event) {
			return nil
		}
		if event.Data == "" {
			event.Data = "{}"
		}
		if !json.Valid([]byte(event.Data)) {
			return &StreamError{Code: CodeMalformed, Message: fmt.Sprintf("undecodable %s event", event.Event)}
		}
		if err := handler(event); err != nil {
			return err
		}
		switch event.Event {
		case domain.EventDone:
			return errDone
		case domain.EventError:
			terminal = backendError(event.Data)
			return errDone
		}
		return nil
	})
	switch {
	case errors.Is(err, errDone):
		return terminal
	case err != nil:
		var se *StreamError
		if errors.As(err, &se) {
			return err
		}
		if isReadError(err) {
			return &StreamError{Code: CodeAborted, Message: err.Error()}
		}
		return err
	default:
		return &StreamError{Code: CodeAborted, Message: "stream ended before completion"}
	}
}

// readError marks failures that come from the response body rather than
// from the handler.
type readError struct{ err error }

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

func isReadError(err error) bool {
	var re *readError
	return errors.As(err, &re)
}

// parseSSE parses an SSE stream and calls the handler for each event.
func (c *Client) parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	// Handle any remaining event
	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return &readError{err: err}
	}
	return nil
}

func isKnownEvent(name string) bool {
	switch name {
	case domain.EventSession, domain.EventDelta, domain.EventStatus, domain.EventTool,
		domain.EventProducts, domain.EventDone, domain.EventError:
		return true
	}
	return false
}

func backendError(data string) error {
	evt, err := ParseErrorEvent(data)
	if err != nil {
		return &StreamError{Code: CodeMalformed, Message: err.Error()}
	}
	return &StreamError{Code: CodeBackend, BackendCode: evt.Code, Message: evt.Message}
}
