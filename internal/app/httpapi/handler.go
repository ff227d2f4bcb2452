// Package httpapi exposes the payment layer's REST surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	app "github.com/finovia/payment_layer/internal/app"
	"github.com/finovia/payment_layer/internal/app/domain/account"
	"github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/internal/app/metrics"
	"github.com/finovia/payment_layer/internal/app/services/accounts"
	"github.com/finovia/payment_layer/internal/app/services/archive"
	transfersvc "github.com/finovia/payment_layer/internal/app/services/transfer"
	"github.com/finovia/payment_layer/internal/app/storage"
)

// actorHeader names the authenticated caller. Authentication itself happens
// upstream; the gateway injects this header after verifying the session.
const actorHeader = "X-Account-ID"

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API, metrics and health
// endpoints.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts", h.accounts)
	mux.HandleFunc("/v1/accounts/", h.accountResources)
	mux.HandleFunc("/v1/transfers", h.transfers)
	mux.HandleFunc("/v1/transfers/", h.transferByReference)
	mux.HandleFunc("/v1/admin/archive", h.adminArchive)
	mux.Handle("/v1/ws", application.Hub)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return metrics.InstrumentHandler(mux)
}

func (h *handler) accounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name           string `json:"name"`
			Email          string `json:"email"`
			OpeningBalance string `json:"opening_balance"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opening := decimal.Zero
		if payload.OpeningBalance != "" {
			var err error
			opening, err = decimal.NewFromString(payload.OpeningBalance)
			if err != nil {
				writeError(w, http.StatusBadRequest, errors.New("opening_balance must be a decimal string"))
				return
			}
		}
		acct, err := h.app.Accounts.Open(r.Context(), payload.Name, payload.Email, opening)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, acct)

	case http.MethodGet:
		accts, err := h.app.Accounts.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, accts)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) accountResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	accountID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("account id must be a positive integer"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		acct, err := h.app.Accounts.Get(r.Context(), accountID)
		if err != nil {
			writeAccountError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)
		return
	}

	switch parts[1] {
	case "balance", "summary":
		h.accountBalance(w, r, accountID)
	case "transfers":
		h.accountTransfers(w, r, accountID)
	case "block":
		h.accountStatus(w, r, accountID, h.app.Accounts.Block)
	case "unblock":
		h.accountStatus(w, r, accountID, h.app.Accounts.Unblock)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) accountBalance(w http.ResponseWriter, r *http.Request, accountID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sum, err := h.app.Summaries.Get(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("account not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// accountTransfers serves the history read path. With from/to query
// parameters it returns the date range; with q it searches; otherwise it
// pages newest-first on the before_id cursor.
func (h *handler) accountTransfers(w http.ResponseWriter, r *http.Request, accountID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	if query := q.Get("q"); query != "" {
		page, err := h.app.Summaries.Search(r.Context(), accountID, query, limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, transferPage(accountID, page))
		return
	}

	if q.Get("from") != "" || q.Get("to") != "" {
		from, err := time.Parse("2006-01-02", q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("from must be a YYYY-MM-DD date"))
			return
		}
		to, err := time.Parse("2006-01-02", q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("to must be a YYYY-MM-DD date"))
			return
		}
		// Inclusive end of day.
		to = to.Add(24*time.Hour - time.Nanosecond)
		page, err := h.app.Summaries.HistoryByDateRange(r.Context(), accountID, from, to, limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, transferPage(accountID, page))
		return
	}

	beforeID, _ := strconv.ParseInt(q.Get("before_id"), 10, 64)
	page, err := h.app.Summaries.History(r.Context(), accountID, beforeID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, transferPage(accountID, page))
}

func (h *handler) accountStatus(w http.ResponseWriter, r *http.Request, accountID int64,
	update func(ctx context.Context, id int64) (account.Account, error)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	acct, err := update(r.Context(), accountID)
	if err != nil {
		writeAccountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// transferPage shapes a history page for one party, with the cursor for the
// next request.
func transferPage(viewerID int64, page []transfer.Transfer) map[string]interface{} {
	views := make([]transfer.View, len(page))
	for i, t := range page {
		views[i] = t.ViewFor(viewerID)
	}
	body := map[string]interface{}{"transfers": views}
	if len(page) > 0 {
		body["next_before_id"] = page[len(page)-1].ID
	}
	return body
}

func (h *handler) transfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actorID, err := strconv.ParseInt(r.Header.Get(actorHeader), 10, 64)
	if err != nil || actorID <= 0 {
		writeError(w, http.StatusUnauthorized, errors.New("missing or invalid "+actorHeader+" header"))
		return
	}

	var payload struct {
		ReceiverID     int64  `json:"receiver_id"`
		Amount         string `json:"amount"`
		Description    string `json:"description"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("amount must be a decimal string"))
		return
	}
	if payload.IdempotencyKey == "" {
		payload.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := h.app.Transfers.Execute(r.Context(), transfersvc.Request{
		SenderID:       actorID,
		ReceiverID:     payload.ReceiverID,
		Amount:         amount,
		Description:    payload.Description,
		IdempotencyKey: payload.IdempotencyKey,
	})
	if err != nil {
		writeTransferError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handler) transferByReference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reference := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/transfers"), "/")
	if reference == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	t, err := h.app.Summaries.ByReference(r.Context(), reference)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("transfer not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) adminArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	moved, err := h.app.Archiver.Run(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, archive.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": moved})
}

func writeAccountError(w http.ResponseWriter, err error) {
	if errors.Is(err, accounts.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

// writeTransferError maps the engine's error taxonomy onto HTTP statuses.
func writeTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfersvc.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, transfersvc.ErrAccountUnavailable):
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err)
		} else {
			writeError(w, http.StatusForbidden, err)
		}
	case errors.Is(err, transfersvc.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, transfersvc.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, transfersvc.ErrSystemCongestion):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
