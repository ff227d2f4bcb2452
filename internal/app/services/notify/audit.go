package notify

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/pkg/logger"
)

// auditEntry is one line of the append-only audit trail.
type auditEntry struct {
	Timestamp  string `json:"timestamp"`
	Action     string `json:"action"`
	ActorID    int64  `json:"actor_id"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Amount     string `json:"amount"`
	Outcome    string `json:"outcome"`
	Reference  string `json:"reference,omitempty"`
}

// FileAuditor appends transfer outcomes to a JSON-lines file. It implements
// the engine's Auditor.
type FileAuditor struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder
	log *logger.Logger
}

// NewFileAuditor opens (or creates) the audit file for appending.
func NewFileAuditor(path string, log *logger.Logger) (*FileAuditor, error) {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileAuditor{w: f, enc: json.NewEncoder(f), log: log}, nil
}

// NewWriterAuditor wraps an arbitrary writer; used by tests.
func NewWriterAuditor(w io.WriteCloser, log *logger.Logger) *FileAuditor {
	if log == nil {
		log = logger.NewNop()
	}
	return &FileAuditor{w: w, enc: json.NewEncoder(w), log: log}
}

// TransferOutcome implements transfer.Auditor. Write failures are logged and
// swallowed; the audit trail never fails a transfer.
func (a *FileAuditor) TransferOutcome(actorID, senderID, receiverID int64, amount decimal.Decimal, outcome, reference string) {
	entry := auditEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Action:     "transfer",
		ActorID:    actorID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount.StringFixed(2),
		Outcome:    outcome,
		Reference:  reference,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enc.Encode(entry); err != nil {
		a.log.WithError(err).Warn("audit write failed")
	}
}

// Close flushes and closes the underlying file.
func (a *FileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.Close()
}
