package agentpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewClientValidatesURL(t *testing.T) {
	if _, err := NewClient("not a url", "t", nil); err == nil {
		t.Fatalf("expected error for invalid url")
	}
	if _, err := NewClient("http://localhost:8080", "t", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFundSendsDecimalString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/session/fund" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["amount"] != "0.05" || body["chain"] != "solana" {
			t.Errorf("unexpected body: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"chain": "solana", "tx_id": "fund-1", "amount": "0.05"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "token", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	conf, err := client.Fund(context.Background(), "solana", decimal.RequireFromString("0.05"))
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if conf.TxID != "fund-1" || !conf.Amount.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("unexpected confirmation: %+v", conf)
	}
}

func TestCallToolReturnsRejectionsAsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call ToolCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode call: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ToolResult{ID: call.ID, Tool: call.Name, Status: "rejected", Code: "SESSION_LIMIT_EXCEEDED", Detail: "超出会话额度"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "token", srv.Client())
	res, err := client.CallTool(context.Background(), ToolCall{ID: "c1", Name: "transferSOL", Args: map[string]any{"to": "x", "amount": "0.01"}})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.Status != "rejected" || res.ID != "c1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAPIErrorCarriesPartialRevokeResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"REFUND_FAILED","message":"退款失败","result":{"refunds":{"solana":{"chain":"solana","tx_id":"r1","amount":"0.4","fee":"0.000005"}}}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "token", srv.Client())
	_, err := client.Revoke(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != "REFUND_FAILED" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	var partial RevokeResult
	if err := json.Unmarshal(apiErr.Result, &partial); err != nil {
		t.Fatalf("decode partial result: %v", err)
	}
	if partial.Refunds["solana"].TxID != "r1" {
		t.Fatalf("unexpected partial result: %+v", partial)
	}
}

func TestPlainTextErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "wrong", srv.Client())
	_, err := client.Usage(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Unauthorized" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMissingToken(t *testing.T) {
	client, _ := NewClient("http://127.0.0.1:1", "", nil)
	if _, err := client.Session(context.Background()); err == nil {
		t.Fatalf("expected error without token")
	}
}
