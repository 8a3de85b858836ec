package swap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

func TestClientQuote(t *testing.T) {
	expires := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	var received quotePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quote" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(quoteResponse{
			InputAmount:  "0.25",
			OutputAmount: "37.5",
			Router:       "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4",
			Transaction:  base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
			ExpiresAt:    expires,
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL + "/", APIKey: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	quote, err := client.Quote(context.Background(), QuoteRequest{
		Chain:        ledger.ChainSolana,
		InputSymbol:  "sol",
		OutputSymbol: "usdc",
		Amount:       decimal.RequireFromString("0.25"),
		Taker:        "taker",
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if received.InputSymbol != "SOL" || received.OutputSymbol != "USDC" || received.Amount != "0.25" || received.SlippageBps != defaultSlippageBps {
		t.Fatalf("unexpected request payload %+v", received)
	}
	if !quote.InputAmount.Equal(decimal.RequireFromString("0.25")) || !quote.OutputAmount.Equal(decimal.RequireFromString("37.5")) {
		t.Fatalf("unexpected amounts %+v", quote)
	}
	if len(quote.Payload) != 3 || quote.Router == "" || !quote.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected quote %+v", quote)
	}
}

func TestClientQuoteFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no route", http.StatusBadGateway)
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{"))
		},
		"missing payload": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(quoteResponse{InputAmount: "1", OutputAmount: "2", Router: "r"})
		},
		"expired": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(quoteResponse{
				InputAmount: "1", OutputAmount: "2", Router: "r",
				Transaction: base64.StdEncoding.EncodeToString([]byte{1}),
				ExpiresAt:   time.Now().Add(-time.Minute),
			})
		},
		"zero output": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(quoteResponse{
				InputAmount: "1", OutputAmount: "0", Router: "r",
				Transaction: base64.StdEncoding.EncodeToString([]byte{1}),
			})
		},
	}
	for name, handler := range cases {
		server := httptest.NewServer(handler)
		client, err := NewClient(Config{BaseURL: server.URL})
		if err != nil {
			t.Fatalf("%s: new client: %v", name, err)
		}
		_, err = client.Quote(context.Background(), QuoteRequest{Chain: ledger.ChainEthereum, InputSymbol: "ETH", OutputSymbol: "USDC", Amount: decimal.NewFromInt(1)})
		if xerrors.CodeOf(err) != CodeQuoteFailed {
			t.Fatalf("%s: expected quote failure, got %v", name, err)
		}
		server.Close()
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error without base url")
	}
}
