package ringclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkarel/ringlock/internal/usdc"
	"github.com/mkarel/ringlock/internal/wallet"
)

// Client escrows call payments against a Ringlock API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	wallet     wallet.WalletService

	// ConfirmTimeout bounds the wait for on-chain confirmation of the
	// escrow transfer (default: 30s). Zero skips the wait.
	ConfirmTimeout time.Duration
	// MaxPayment caps the price this client will escrow. Empty means
	// no cap.
	MaxPayment string
	// OnPayment is called after the escrow transfer lands, before the
	// intent is confirmed.
	OnPayment func(q *Quote, txHash string)
	// VerifierSecret authenticates RegisterProof calls. Only the
	// verification provider holds it.
	VerifierSecret string
}

// NewClient creates a caller client. The wallet funds escrow transfers.
func NewClient(baseURL string, w wallet.WalletService) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		wallet:         w,
		ConfirmTimeout: wallet.DefaultConfirmationTimeout,
	}
}

// Call runs the whole flow: quote the callee, pay the escrow, confirm.
// The returned session is live; the callee's phone is ringing.
func (c *Client) Call(ctx context.Context, routingID string) (*Session, error) {
	return c.CallWithProof(ctx, routingID, "")
}

// CallWithProof is Call with a human-verification proof attached, for
// callees that require one.
func (c *Client) CallWithProof(ctx context.Context, routingID, proofID string) (*Session, error) {
	quote, err := c.CreateIntent(ctx, routingID, proofID)
	if err != nil {
		return nil, err
	}

	txHash, err := c.payEscrow(ctx, quote)
	if err != nil {
		return nil, err
	}

	if c.OnPayment != nil {
		c.OnPayment(quote, txHash)
	}

	return c.Confirm(ctx, quote.ReferenceID, txHash)
}

// CreateIntent requests an escrow quote for a callee.
func (c *Client) CreateIntent(ctx context.Context, routingID, proofID string) (*Quote, error) {
	body := map[string]string{
		"routing_id":     routingID,
		"caller_address": c.wallet.Address(),
	}
	if proofID != "" {
		body["proof_id"] = proofID
	}

	var quote Quote
	if err := c.post(ctx, "/v1/call-intents", body, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// Confirm submits the on-chain escrow proof and starts the call.
func (c *Client) Confirm(ctx context.Context, referenceID, txHash string) (*Session, error) {
	body := map[string]string{
		"rail":    "onchain",
		"tx_hash": txHash,
		"payer":   c.wallet.Address(),
	}

	var resp struct {
		Session Session `json:"session"`
	}
	if err := c.post(ctx, "/v1/call-intents/"+referenceID+"/confirm", body, &resp); err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

// RegisterProof records a human-verification proof so it can be
// attached to intents for callees that require verification. The
// endpoint is restricted to the verification provider; set
// VerifierSecret before calling.
func (c *Client) RegisterProof(ctx context.Context, proofID, scope, level string) error {
	body := map[string]string{
		"proof_id": proofID,
		"scope":    scope,
		"level":    level,
	}
	return c.postAuthed(ctx, "/v1/verifications", c.VerifierSecret, body, nil)
}

// payEscrow transfers the quoted amount to the platform address and
// waits for confirmation.
func (c *Client) payEscrow(ctx context.Context, q *Quote) (string, error) {
	amount, ok := usdc.Parse(q.Amount)
	if !ok {
		return "", fmt.Errorf("invalid quote amount: %q", q.Amount)
	}

	if c.MaxPayment != "" {
		maxAmount, ok := usdc.Parse(c.MaxPayment)
		if !ok {
			return "", fmt.Errorf("invalid max payment: %q", c.MaxPayment)
		}
		if amount.Cmp(maxAmount) > 0 {
			return "", fmt.Errorf("quoted price %s exceeds max %s", q.Amount, c.MaxPayment)
		}
	}

	result, err := c.wallet.Transfer(ctx, common.HexToAddress(q.PayTo), amount)
	if err != nil {
		return "", fmt.Errorf("escrow transfer failed: %w", err)
	}

	if c.ConfirmTimeout > 0 {
		if _, err := c.wallet.WaitForConfirmation(ctx, result.TxHash, c.ConfirmTimeout); err != nil {
			return "", fmt.Errorf("escrow confirmation failed: %w", err)
		}
	}

	return result.TxHash, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.postAuthed(ctx, path, "", body, out)
}

func (c *Client) postAuthed(ctx context.Context, path, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
