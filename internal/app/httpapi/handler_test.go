package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	app "github.com/finovia/payment_layer/internal/app"
	"github.com/finovia/payment_layer/internal/app/domain/account"
	transfersvc "github.com/finovia/payment_layer/internal/app/services/transfer"
	"github.com/finovia/payment_layer/internal/app/storage/memory"
	"github.com/finovia/payment_layer/pkg/logger"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	application, err := app.New(app.Stores{
		Accounts:  store,
		Transfers: store,
		Summaries: store,
		Engine:    store,
		Archive:   store,
	}, app.Options{
		Transfer: transfersvc.Options{DailyLimit: decimal.RequireFromString("10000")},
	}, nil, logger.NewNop())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	server := httptest.NewServer(NewHandler(application))
	t.Cleanup(server.Close)
	return server, store
}

func seedAccount(t *testing.T, store *memory.Store, name, email, balance string) account.Account {
	t.Helper()
	acct, err := store.CreateAccount(context.Background(), account.Account{
		Name: name, Email: email, Balance: decimal.RequireFromString(balance), IsActive: true,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acct
}

func postTransfer(t *testing.T, server *httptest.Server, senderID int64, body map[string]interface{}) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/transfers", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if senderID > 0 {
		req.Header.Set("X-Account-ID", fmt.Sprintf("%d", senderID))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestTransferEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	sender := seedAccount(t, store, "Alice", "alice@example.com", "100.00")
	receiver := seedAccount(t, store, "Bob", "bob@example.com", "50.00")

	resp := postTransfer(t, server, sender.ID, map[string]interface{}{
		"receiver_id": receiver.ID,
		"amount":      "20.00",
		"description": "rent share",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var res transfersvc.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := res.SenderBalance.StringFixed(2); got != "79.70" {
		t.Fatalf("sender balance = %s, want 79.70", got)
	}
	if got := res.Transfer.CommissionFee.StringFixed(2); got != "0.30" {
		t.Fatalf("commission = %s, want 0.30", got)
	}
}

func TestTransferEndpoint_ErrorMapping(t *testing.T) {
	server, store := newTestServer(t)
	sender := seedAccount(t, store, "Alice", "alice@example.com", "10.00")
	receiver := seedAccount(t, store, "Bob", "bob@example.com", "50.00")

	cases := []struct {
		name     string
		senderID int64
		body     map[string]interface{}
		status   int
	}{
		{"missing actor header", 0, map[string]interface{}{"receiver_id": receiver.ID, "amount": "1.00"}, http.StatusUnauthorized},
		{"malformed amount", sender.ID, map[string]interface{}{"receiver_id": receiver.ID, "amount": "one"}, http.StatusBadRequest},
		{"self transfer", sender.ID, map[string]interface{}{"receiver_id": sender.ID, "amount": "1.00"}, http.StatusBadRequest},
		{"unknown receiver", sender.ID, map[string]interface{}{"receiver_id": int64(999), "amount": "1.00"}, http.StatusNotFound},
		{"insufficient funds", sender.ID, map[string]interface{}{"receiver_id": receiver.ID, "amount": "10.00"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postTransfer(t, server, tc.senderID, tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestTransferEndpoint_DuplicateIdempotencyKey(t *testing.T) {
	server, store := newTestServer(t)
	sender := seedAccount(t, store, "Alice", "alice@example.com", "100.00")
	receiver := seedAccount(t, store, "Bob", "bob@example.com", "50.00")

	body := map[string]interface{}{
		"receiver_id":     receiver.ID,
		"amount":          "5.00",
		"idempotency_key": "9f3a2f50-43a1-4d9d-9c36-53a1b54d6a10",
	}
	first := postTransfer(t, server, sender.ID, body)
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.StatusCode)
	}
	second := postTransfer(t, server, sender.ID, body)
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", second.StatusCode)
	}
}

func TestAccountEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	raw, _ := json.Marshal(map[string]string{
		"name": "Carol", "email": "carol@example.com", "opening_balance": "75.00",
	})
	resp, err := http.Post(server.URL+"/v1/accounts", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created account.Account
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == 0 || !created.IsActive {
		t.Fatalf("unexpected account: %+v", created)
	}

	get, err := http.Get(fmt.Sprintf("%s/v1/accounts/%d", server.URL, created.ID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", get.StatusCode)
	}

	missing, err := http.Get(server.URL + "/v1/accounts/999")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", missing.StatusCode)
	}
}

func TestBalanceAndHistoryEndpoints(t *testing.T) {
	server, store := newTestServer(t)
	sender := seedAccount(t, store, "Alice", "alice@example.com", "100.00")
	receiver := seedAccount(t, store, "Bob", "bob@example.com", "50.00")

	resp := postTransfer(t, server, sender.ID, map[string]interface{}{
		"receiver_id": receiver.ID, "amount": "10.00",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("transfer status = %d", resp.StatusCode)
	}

	balance, err := http.Get(fmt.Sprintf("%s/v1/accounts/%d/balance", server.URL, sender.ID))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	defer balance.Body.Close()
	if balance.StatusCode != http.StatusOK {
		t.Fatalf("balance status = %d, want 200", balance.StatusCode)
	}
	var sum struct {
		TotalSent     decimal.Decimal `json:"total_sent"`
		CachedBalance decimal.Decimal `json:"cached_balance"`
	}
	if err := json.NewDecoder(balance.Body).Decode(&sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if got := sum.TotalSent.StringFixed(2); got != "10.00" {
		t.Fatalf("total sent = %s, want 10.00", got)
	}

	history, err := http.Get(fmt.Sprintf("%s/v1/accounts/%d/transfers", server.URL, sender.ID))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer history.Body.Close()
	var page struct {
		Transfers []json.RawMessage `json:"transfers"`
	}
	if err := json.NewDecoder(history.Body).Decode(&page); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(page.Transfers) != 1 {
		t.Fatalf("history length = %d, want 1", len(page.Transfers))
	}
}

func TestHistoryEndpoint_ShapesPerViewer(t *testing.T) {
	server, store := newTestServer(t)
	sender := seedAccount(t, store, "Alice", "alice@example.com", "100.00")
	receiver := seedAccount(t, store, "Bob", "bob@example.com", "50.00")

	resp := postTransfer(t, server, sender.ID, map[string]interface{}{
		"receiver_id": receiver.ID, "amount": "20.00",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("transfer status = %d", resp.StatusCode)
	}

	fetch := func(accountID int64) map[string]interface{} {
		t.Helper()
		history, err := http.Get(fmt.Sprintf("%s/v1/accounts/%d/transfers", server.URL, accountID))
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		defer history.Body.Close()
		var page struct {
			Transfers []map[string]interface{} `json:"transfers"`
		}
		if err := json.NewDecoder(history.Body).Decode(&page); err != nil {
			t.Fatalf("decode history: %v", err)
		}
		if len(page.Transfers) != 1 {
			t.Fatalf("history length = %d, want 1", len(page.Transfers))
		}
		return page.Transfers[0]
	}

	sent := fetch(sender.ID)
	if sent["direction"] != "debit" {
		t.Fatalf("sender direction = %v, want debit", sent["direction"])
	}
	if sent["commission_fee"] != "0.3" {
		t.Fatalf("sender commission = %v, want 0.3", sent["commission_fee"])
	}
	if got := int64(sent["counterparty_id"].(float64)); got != receiver.ID {
		t.Fatalf("sender counterparty = %d, want %d", got, receiver.ID)
	}

	received := fetch(receiver.ID)
	if received["direction"] != "credit" {
		t.Fatalf("receiver direction = %v, want credit", received["direction"])
	}
	if _, leaked := received["commission_fee"]; leaked {
		t.Fatal("commission visible to receiver")
	}
	if _, leaked := received["total_deducted"]; leaked {
		t.Fatal("total deduction visible to receiver")
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
