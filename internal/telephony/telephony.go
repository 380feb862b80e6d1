// Package telephony is the client side of the voice gateway boundary.
// The gateway is an external IVR-capable provider: we send it two
// control instructions (place a leg, hang a leg up) and it calls back
// into us with screening and call-terminated events.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrDialRejected = errors.New("telephony: gateway rejected dial request")
	ErrUnavailable  = errors.New("telephony: gateway unavailable")
)

// Dialer places and terminates telephony legs.
type Dialer interface {
	// PlaceCall dials the callee's real number from the routing proxy
	// number and returns the gateway-assigned leg id. The screening
	// callback URL drives the confirmation dialogue; the status callback
	// URL receives the call-terminated event.
	PlaceCall(ctx context.Context, p PlaceCallParams) (legID string, err error)

	// Hangup terminates a leg. Safe to call on already-dead legs.
	Hangup(ctx context.Context, legID string) error
}

// PlaceCallParams describe one outbound leg.
type PlaceCallParams struct {
	// To is the callee's real phone number. It appears here and nowhere
	// else outside the directory.
	To string `json:"to"`
	// From is the routing proxy number shown to the callee.
	From string `json:"from"`
	// ScreeningURL receives voice and digit events for this leg.
	ScreeningURL string `json:"screening_url"`
	// StatusURL receives the call-terminated event.
	StatusURL string `json:"status_url"`
	// CallToken authorizes this leg to claim one escrow. The gateway
	// echoes it back on the first screening callback.
	CallToken string `json:"call_token"`
	// TimeoutSec bounds ringing before the gateway gives up the leg.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// Client talks to the voice gateway's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Dialer = (*Client)(nil)

// NewClient creates a gateway client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type placeCallResponse struct {
	LegID string `json:"leg_id"`
}

// PlaceCall implements Dialer.
func (c *Client) PlaceCall(ctx context.Context, p PlaceCallParams) (string, error) {
	var resp placeCallResponse
	if err := c.post(ctx, "/v1/calls", p, &resp); err != nil {
		return "", err
	}
	if resp.LegID == "" {
		return "", fmt.Errorf("%w: no leg id in response", ErrDialRejected)
	}
	return resp.LegID, nil
}

// Hangup implements Dialer.
func (c *Client) Hangup(ctx context.Context, legID string) error {
	return c.post(ctx, "/v1/calls/"+legID+"/hangup", struct{}{}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrDialRejected, resp.StatusCode, detail)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
