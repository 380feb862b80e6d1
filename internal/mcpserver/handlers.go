package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RinglockClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RinglockClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListSessions lists recent call sessions.
func (h *Handlers) HandleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListSessions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	text, err := formatSessionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetSession returns one session with its payment.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleListStuckPayments lists payments awaiting manual resolution.
func (h *Handlers) HandleListStuckPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListStuckPayments(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list stuck payments: %v", err)), nil
	}

	text, err := formatPaymentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payments: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleResolvePayment manually settles a stuck payment.
func (h *Handlers) HandleResolvePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	status := req.GetString("status", "")
	if status != "forwarded" && status != "refunded" {
		return mcp.NewToolResultError("status must be 'forwarded' or 'refunded'"), nil
	}
	txRef := req.GetString("tx_ref", "")
	if txRef == "" {
		return mcp.NewToolResultError("tx_ref is required"), nil
	}
	operator := req.GetString("operator", "")
	if operator == "" {
		return mcp.NewToolResultError("operator is required"), nil
	}

	_, err := h.client.ResolvePayment(ctx, id, status, txRef, operator)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Payment %s resolved as %s.\n"+
			"Transaction reference: %s\n"+
			"Recorded operator: %s",
		id, status, txRef, operator)), nil
}

// HandleListCallees lists directory entries.
func (h *Handlers) HandleListCallees(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListCallees(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list callees: %v", err)), nil
	}

	text, err := formatCalleeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse callees: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatSessionList(raw json.RawMessage) (string, error) {
	items, err := parseItems(raw, "sessions")
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No call sessions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d session(s):\n\n", len(items))
	for i, s := range items {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(s, "id"), getString(s, "status"))
		fmt.Fprintf(&sb, "   Callee: %s | Payment: %s\n",
			getString(s, "callee_routing_id"), getString(s, "payment_id"))
		if leg := getString(s, "leg_id"); leg != "" {
			fmt.Fprintf(&sb, "   Leg: %s", leg)
			if d, ok := getFloat(s, "duration_sec"); ok && d > 0 {
				fmt.Fprintf(&sb, " | Duration: %.0fs", d)
			}
			sb.WriteString("\n")
		}
		if i < len(items)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatPaymentList(raw json.RawMessage) (string, error) {
	items, err := parseItems(raw, "payments")
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No stuck payments. Nothing needs manual resolution.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d stuck payment(s):\n\n", len(items))
	for i, p := range items {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, getString(p, "id"))
		fmt.Fprintf(&sb, "   Amount: %s USDC | Caller: %s\n",
			getString(p, "amount"), getString(p, "caller_address"))
		if reason := getString(p, "stuck_reason"); reason != "" {
			fmt.Fprintf(&sb, "   Reason: %s\n", reason)
		}
		if i < len(items)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatCalleeList(raw json.RawMessage) (string, error) {
	items, err := parseItems(raw, "callees")
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No callees registered.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d callee(s):\n\n", len(items))
	for i, e := range items {
		name := getString(e, "display_name")
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, name, getString(e, "routing_id"))
		fmt.Fprintf(&sb, "   Price: %s USDC", getString(e, "price_usdc"))
		if active, ok := e["active"].(bool); ok && !active {
			sb.WriteString(" | DEACTIVATED")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// parseItems accepts both {"<key>": [...]} wrappers and bare arrays.
func parseItems(raw json.RawMessage, key string) ([]map[string]any, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		if inner, ok := wrapper[key]; ok {
			raw = inner
		}
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unexpected %s response format", key)
	}
	return items, nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
