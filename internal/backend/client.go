// Package backend is the client for the call-center REST backend: lead
// assignment, the inbound queue, dispositions, follow-ups, missed calls and
// server-side recording.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// ErrNoLead is returned by NextLead when the campaign has nobody to call.
var ErrNoLead = errors.New("no lead available")

// ErrNotConfigured is returned when no backend URL is set.
var ErrNotConfigured = errors.New("backend not configured")

// envelope is the standard backend response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// Options configure the client.
type Options struct {
	BaseURL string
	Token   string
	// Rate is the request rate limit per second. Zero disables limiting.
	Rate    float64
	Timeout time.Duration
}

// Client is an HTTP client for the backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a backend client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		limiter:    limiter,
		logger:     logger.With("subsystem", "backend"),
	}
}

// Configured returns true if the client has a base URL.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// NextLead asks the backend for the next contact to dial.
func (c *Client) NextLead(ctx context.Context, campaign string) (*models.Lead, error) {
	var lead models.Lead
	status, err := c.do(ctx, http.MethodGet, "/api/v1/leads/next"+campaignQuery(campaign), nil, &lead)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, ErrNoLead
		}
		return nil, err
	}
	if status == http.StatusNoContent || lead.Number == "" {
		return nil, ErrNoLead
	}
	return &lead, nil
}

// Queue returns the callers waiting in the campaign's inbound queue.
func (c *Client) Queue(ctx context.Context, campaign string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/queue"+campaignQuery(campaign), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

type dispositionRequest struct {
	Call        models.CallLog     `json:"call"`
	Disposition models.Disposition `json:"disposition"`
}

// SubmitDisposition sends the classification of a finished call, including
// the contact update and follow-up, if any.
func (c *Client) SubmitDisposition(ctx context.Context, rec models.CallLog, d models.Disposition) error {
	path := "/api/v1/calls/" + url.PathEscape(rec.DialogID) + "/disposition"
	_, err := c.do(ctx, http.MethodPost, path, dispositionRequest{Call: rec, Disposition: d}, nil)
	return err
}

// FollowUps returns the agent's scheduled callbacks.
func (c *Client) FollowUps(ctx context.Context) ([]models.FollowUp, error) {
	var items []models.FollowUp
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/follow-ups", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// MissedCalls returns the backend's missed-call list for a campaign.
func (c *Client) MissedCalls(ctx context.Context, campaign string) ([]models.MissedCall, error) {
	var calls []models.MissedCall
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/missed-calls"+campaignQuery(campaign), nil, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// StartRecording starts server-side recording of a bridge.
func (c *Client) StartRecording(ctx context.Context, bridgeID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/recordings/"+url.PathEscape(bridgeID)+"/start", nil, nil)
	return err
}

// StopRecording stops server-side recording of a bridge.
func (c *Client) StopRecording(ctx context.Context, bridgeID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/recordings/"+url.PathEscape(bridgeID)+"/stop", nil, nil)
	return err
}

func campaignQuery(campaign string) string {
	if campaign == "" {
		return ""
	}
	return "?campaign=" + url.QueryEscape(campaign)
}

// do sends one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	if !c.Configured() {
		return 0, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("backend: rate limit: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("backend: marshalling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("backend: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("backend: reading response: %w", err)
	}

	c.logger.Debug("backend request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start).String(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env envelope
		if json.Unmarshal(respBody, &env) == nil {
			apiErr.Message = env.Error
		}
		return resp.StatusCode, apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(respBody)) == 0 {
		return resp.StatusCode, nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("backend: decoding response: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("backend: decoding response data: %w", err)
	}
	return resp.StatusCode, nil
}
