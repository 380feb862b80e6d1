package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewRinglockClient(Config{APIURL: ts.URL, AdminSecret: "op_test_secret"})
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"sessions":[]}`))
	}))
	defer ts.Close()

	client := NewRinglockClient(Config{APIURL: ts.URL, AdminSecret: "op_secret123"})
	_, err := client.ListSessions(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer op_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized"})
	}))
	defer ts.Close()

	client := NewRinglockClient(Config{APIURL: ts.URL, AdminSecret: "bad"})
	_, err := client.ListSessions(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewRinglockClient(Config{APIURL: ts.URL, AdminSecret: "k"})
	_, err := client.ListSessions(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewRinglockClient(Config{APIURL: "http://127.0.0.1:1", AdminSecret: "k"})
	_, err := client.ListSessions(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ListSessions_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/operator/sessions", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"sessions":[]}`))
	}))
	defer ts.Close()

	client := NewRinglockClient(Config{APIURL: ts.URL, AdminSecret: "k"})
	_, err := client.ListSessions(context.Background(), 5)
	require.NoError(t, err)
}

func TestClient_ListSessions_ZeroLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("limit"), "limit=0 should not be sent")
		_, _ = w.Write([]byte(`{"sessions":[]}`))
	}))
	defer ts.Close()

	client := NewRinglockClient(Config{APIURL: ts.URL, AdminSecret: "k"})
	_, err := client.ListSessions(context.Background(), 0)
	require.NoError(t, err)
}

func TestClient_ResolvePayment_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/operator/payments/pay_1/resolve", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "refunded", m["status"])
		assert.Equal(t, "0xabc", m["tx_ref"])
		assert.Equal(t, "alice", m["operator"])

		_ = json.NewEncoder(w).Encode(map[string]any{"payment": map[string]any{"id": "pay_1"}})
	}))
	defer ts.Close()

	client := NewRinglockClient(Config{APIURL: ts.URL, AdminSecret: "k"})
	_, err := client.ResolvePayment(context.Background(), "pay_1", "refunded", "0xabc", "alice")
	require.NoError(t, err)
}

// ============================================================
// Handler: list_sessions
// ============================================================

func TestHandleListSessions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer op_test_secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessions": []map[string]any{
				{
					"id": "call_1", "status": "verified",
					"callee_routing_id": "rt_abc", "payment_id": "pay_1",
					"leg_id": "leg-1", "duration_sec": 45.0,
				},
				{
					"id": "call_2", "status": "pending",
					"callee_routing_id": "rt_def", "payment_id": "pay_2",
				},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 session(s)")
	assert.Contains(t, text, "call_1 [verified]")
	assert.Contains(t, text, "Duration: 45s")
	assert.Contains(t, text, "call_2 [pending]")
}

func TestHandleListSessions_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No call sessions found")
}

func TestHandleListSessions_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "internal_error"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// Handler: get_session
// ============================================================

func TestHandleGetSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/sessions/call_77", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]any{"id": "call_77", "status": "voicemail"},
			"payment": map[string]any{"id": "pay_77", "status": "refunded"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetSession(context.Background(), makeRequest(map[string]any{
		"session_id": "call_77",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "call_77")
	assert.Contains(t, text, "voicemail")
	assert.Contains(t, text, "refunded")
}

func TestHandleGetSession_MissingID(t *testing.T) {
	h := NewHandlers(NewRinglockClient(Config{}))
	result, err := h.HandleGetSession(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session_id is required")
}

func TestHandleGetSession_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/sessions/call_gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "session_not_found"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetSession(context.Background(), makeRequest(map[string]any{
		"session_id": "call_gone",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session_not_found")
}

// ============================================================
// Handler: list_stuck_payments
// ============================================================

func TestHandleListStuckPayments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/payments/stuck", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payments": []map[string]any{
				{
					"id": "pay_9", "amount": "5.000000", "status": "stuck",
					"caller_address": "0xCALLER",
					"stuck_reason":   "callee payout address unresolvable",
				},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListStuckPayments(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 stuck payment(s)")
	assert.Contains(t, text, "pay_9")
	assert.Contains(t, text, "5.000000 USDC")
	assert.Contains(t, text, "payout address unresolvable")
}

func TestHandleListStuckPayments_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/payments/stuck", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"payments": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListStuckPayments(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No stuck payments")
}

// ============================================================
// Handler: resolve_payment
// ============================================================

func TestHandleResolvePayment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/payments/pay_42/resolve", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payment": map[string]any{"id": "pay_42", "status": "forwarded"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleResolvePayment(context.Background(), makeRequest(map[string]any{
		"payment_id": "pay_42",
		"status":     "forwarded",
		"tx_ref":     "0xdeadbeef",
		"operator":   "bob",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "pay_42 resolved as forwarded")
	assert.Contains(t, text, "0xdeadbeef")
	assert.Contains(t, text, "bob")
}

func TestHandleResolvePayment_MissingFields(t *testing.T) {
	h := NewHandlers(NewRinglockClient(Config{}))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing payment_id", map[string]any{"status": "refunded", "tx_ref": "0x1", "operator": "a"}, "payment_id is required"},
		{"bad status", map[string]any{"payment_id": "pay_1", "status": "held", "tx_ref": "0x1", "operator": "a"}, "status must be"},
		{"missing tx_ref", map[string]any{"payment_id": "pay_1", "status": "refunded", "operator": "a"}, "tx_ref is required"},
		{"missing operator", map[string]any{"payment_id": "pay_1", "status": "refunded", "tx_ref": "0x1"}, "operator is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleResolvePayment(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleResolvePayment_NotStuck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/payments/pay_ok/resolve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "payment_not_stuck"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleResolvePayment(context.Background(), makeRequest(map[string]any{
		"payment_id": "pay_ok",
		"status":     "refunded",
		"tx_ref":     "0x1",
		"operator":   "bob",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "payment_not_stuck")
}

// ============================================================
// Handler: list_callees
// ============================================================

func TestHandleListCallees(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/callees", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"callees": []map[string]any{
				{"routing_id": "rt_1", "display_name": "Ada", "price_usdc": "5.000000", "active": true},
				{"routing_id": "rt_2", "display_name": "Turing Hotline", "price_usdc": "1.500000", "active": false},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListCallees(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 callee(s)")
	assert.Contains(t, text, "Ada (rt_1)")
	assert.Contains(t, text, "5.000000 USDC")
	assert.Contains(t, text, "DEACTIVATED")
}

func TestHandleListCallees_NeverExposesPhoneNumbers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operator/callees", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"callees": []map[string]any{
				{"routing_id": "rt_1", "display_name": "Ada", "price_usdc": "5.000000", "active": true},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListCallees(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.NotContains(t, resultText(t, result), "+1")
}

// ============================================================
// Formatting & parsing unit tests
// ============================================================

func TestParseItems_DirectArray(t *testing.T) {
	raw := json.RawMessage(`[{"id":"call_1","status":"pending"}]`)
	items, err := parseItems(raw, "sessions")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestParseItems_MalformedJSON(t *testing.T) {
	_, err := parseItems(json.RawMessage(`not json`), "sessions")
	assert.Error(t, err)
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`not json`))
	assert.Equal(t, "not json", result)
}

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"foo": "bar"}
	assert.Equal(t, "bar", getString(m, "missing", "foo"))
	assert.Equal(t, "", getString(m, "missing1", "missing2"))
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// All handlers should return (result, nil) even on failures. The
	// failure is encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewRinglockClient(Config{
		APIURL:      "http://127.0.0.1:1", // unreachable
		AdminSecret: "k",
	}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"ListSessions", func() (*mcp.CallToolResult, error) {
			return h.HandleListSessions(context.Background(), makeRequest(nil))
		}},
		{"GetSession", func() (*mcp.CallToolResult, error) {
			return h.HandleGetSession(context.Background(), makeRequest(map[string]any{"session_id": "call_1"}))
		}},
		{"ListStuckPayments", func() (*mcp.CallToolResult, error) {
			return h.HandleListStuckPayments(context.Background(), makeRequest(nil))
		}},
		{"ResolvePayment", func() (*mcp.CallToolResult, error) {
			return h.HandleResolvePayment(context.Background(), makeRequest(map[string]any{
				"payment_id": "pay_1", "status": "refunded", "tx_ref": "0x1", "operator": "a",
			}))
		}},
		{"ListCallees", func() (*mcp.CallToolResult, error) {
			return h.HandleListCallees(context.Background(), makeRequest(nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			assert.NotNil(t, result, "handler should always return a result")
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}

// ============================================================
// Server wiring test
// ============================================================

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", AdminSecret: "k"})
	require.NotNil(t, s)
}
