package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/internal/app/domain/account"
	domain "github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/internal/app/services/transfer"
	"github.com/finovia/payment_layer/pkg/logger"
)

func dialHub(t *testing.T, server *httptest.Server, accountID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?account_id=" + accountID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, accountID int64, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(accountID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count for %d never reached %d", accountID, want)
}

func TestHub_BroadcastsToBothParties(t *testing.T) {
	hub := NewHub(logger.NewNop())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Stop(context.Background())

	senderConn := dialHub(t, server, "1")
	receiverConn := dialHub(t, server, "2")
	waitForSubscribers(t, hub, 1, 1)
	waitForSubscribers(t, hub, 2, 1)

	processedAt := time.Now().UTC()
	hub.TransferCompleted(transfer.Result{
		Transfer: domain.Transfer{
			ReferenceNumber: "TXN20260101AAAA0001",
			Amount:          decimal.RequireFromString("20.00"),
			CommissionFee:   decimal.RequireFromString("0.30"),
			ProcessedAt:     &processedAt,
		},
		Sender:          account.Identity{ID: 1, Name: "Alice"},
		Receiver:        account.Identity{ID: 2, Name: "Bob"},
		SenderBalance:   decimal.RequireFromString("79.70"),
		ReceiverBalance: decimal.RequireFromString("70.00"),
	})

	for _, conn := range []*websocket.Conn{senderConn, receiverConn} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Type != "transfer.completed" || ev.ReferenceNumber != "TXN20260101AAAA0001" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.SenderBalance != "79.70" || ev.ReceiverBalance != "70.00" {
			t.Fatalf("balances not carried: %+v", ev)
		}
	}
}

func TestHub_RejectsMissingAccountID(t *testing.T) {
	hub := NewHub(logger.NewNop())
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without account_id should fail")
	}
	if resp != nil {
		resp.Body.Close()
	}
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub := NewHub(logger.NewNop())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Stop(context.Background())

	conn := dialHub(t, server, "7")
	waitForSubscribers(t, hub, 7, 1)
	conn.Close()
	waitForSubscribers(t, hub, 7, 0)
}
