// Package ringclient is the caller-side client for Ringlock: request a
// quote for a callee, escrow the price in USDC, and confirm to start
// the call.
package ringclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Quote is the escrow reference returned when a call intent is created.
// The caller pays Amount USDC to PayTo before the reference expires.
type Quote struct {
	ReferenceID  string `json:"reference_id"`
	Amount       string `json:"amount"`
	PayTo        string `json:"pay_to"`
	ExpiresInSec int64  `json:"expires_in_sec"`
}

// Session describes the call session started by a confirmed intent.
type Session struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	CalleeRoutingID string `json:"callee_routing_id"`
	PaymentID       string `json:"payment_id"`
	LegID           string `json:"leg_id,omitempty"`
	DurationSec     int    `json:"duration_sec"`
}

// Error is a structured API error response.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parseError reads an error body, falling back to the raw status.
func parseError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("API error (%d)", resp.StatusCode)
	}

	var apiErr Error
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
		return &apiErr
	}
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
}
