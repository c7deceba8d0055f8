package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// gatewayRequest is the payload sent to the push gateway's POST /v1/push endpoint.
type gatewayRequest struct {
	LicenseKey   string            `json:"license_key"`
	PushToken    string            `json:"push_token"`
	PushPlatform string            `json:"push_platform"` // "fcm" or "apns"
	Type         string            `json:"type"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
}

type gatewayResponse struct {
	Delivered bool `json:"delivered"`
}

// gatewayEnvelope is the standard push gateway response wrapper.
type gatewayEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// GatewayNotifier relays alerts through a push gateway, which holds the
// platform credentials. It is the route for iOS devices and for deployments
// without their own Firebase project.
type GatewayNotifier struct {
	httpClient *http.Client
	baseURL    string
	licenseKey string
	token      string
	platform   string
	logger     *slog.Logger
}

// NewGatewayNotifier creates a notifier for one device registered with the
// gateway at baseURL.
func NewGatewayNotifier(baseURL, licenseKey, token, platform string, logger *slog.Logger) (*GatewayNotifier, error) {
	if baseURL == "" || licenseKey == "" {
		return nil, fmt.Errorf("push gateway: url and license key are required")
	}
	if token == "" {
		return nil, fmt.Errorf("push gateway: device token is required")
	}
	if platform != "fcm" && platform != "apns" {
		return nil, fmt.Errorf("push gateway: platform must be fcm or apns, got %q", platform)
	}
	return &GatewayNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		licenseKey: licenseKey,
		token:      token,
		platform:   platform,
		logger:     logger.With("subsystem", "push_gateway"),
	}, nil
}

// Notify implements Notifier. An accepted request the gateway could not
// deliver is reported as an error.
func (g *GatewayNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(gatewayRequest{
		LicenseKey:   g.licenseKey,
		PushToken:    g.token,
		PushPlatform: g.platform,
		Type:         a.Type,
		Title:        a.Title,
		Body:         a.Body,
		Data:         a.Data,
	})
	if err != nil {
		return fmt.Errorf("push gateway: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push gateway: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-License-Key", g.licenseKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("push gateway: reading response: %w", err)
	}

	var env gatewayEnvelope
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("push gateway: status %d: %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("push gateway: status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("push gateway: decoding response: %w", err)
	}
	var out gatewayResponse
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return fmt.Errorf("push gateway: decoding response data: %w", err)
	}
	if !out.Delivered {
		return fmt.Errorf("push gateway: alert not delivered")
	}

	g.logger.Debug("alert relayed", "type", a.Type, "platform", g.platform)
	return nil
}
