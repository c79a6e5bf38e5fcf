package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/canonicalize"
	"github.com/wene-labs/ledger/pkg/sink"
	"github.com/wene-labs/ledger/pkg/store"
)

// ReceiptType is the fixed type tag of participation receipts.
const ReceiptType = "participation_audit_receipt"

// ErrReceiptNotFound is returned by code/subject lookups.
var ErrReceiptNotFound = errors.New("receipt: not found")

// AuditBinding is the portion of a receipt that binds it to the audit entry.
type AuditBinding struct {
	EventID              string     `json:"eventId"`
	Event                string     `json:"event"`
	TS                   string     `json:"ts"`
	EntryHash            string     `json:"entryHash"`
	PrevHash             string     `json:"prevHash"`
	StreamPrevHash       string     `json:"streamPrevHash"`
	ImmutableMode        string     `json:"immutableMode"`
	ImmutablePayloadHash *string    `json:"immutablePayloadHash"`
	ImmutableSinks       []sink.Ref `json:"immutableSinks"`
}

// ParticipationReceipt is the user-holdable certificate. ReceiptHash covers
// every field except itself; ReceiptID equals the bound entry hash.
type ParticipationReceipt struct {
	Version           int          `json:"version"`
	Type              string       `json:"type"`
	ReceiptID         string       `json:"receiptId"`
	ReceiptHash       string       `json:"receiptHash"`
	IssuedAt          string       `json:"issuedAt"`
	ConfirmationCode  string       `json:"confirmationCode"`
	SubjectCommitment string       `json:"subjectCommitment"`
	VerifyEndpoint    string       `json:"verifyEndpoint"`
	Audit             AuditBinding `json:"audit"`
}

// Service builds, persists and verifies participation receipts.
type Service struct {
	kv             store.KV
	chain          *audit.Chain
	Codes          *CodeReserver
	verifyEndpoint string
	historyScan    int
	logger         *slog.Logger
	now            func() time.Time
}

// NewService creates the receipt service. verifyEndpoint is stamped into
// receipts so holders know where to re-verify.
func NewService(kv store.KV, chain *audit.Chain, codes *CodeReserver, verifyEndpoint string) *Service {
	return &Service{
		kv:             kv,
		chain:          chain,
		Codes:          codes,
		verifyEndpoint: verifyEndpoint,
		historyScan:    500,
		logger:         slog.Default().With("component", "receipt"),
		now:            time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubjectCommitment hides the subject behind a hash while keeping it
// re-derivable by anyone who knows it.
func SubjectCommitment(eventID, subject string) (string, error) {
	return canonicalize.Hash(map[string]any{
		"version": 1,
		"eventId": eventID,
		"subject": subject,
	})
}

// Build constructs a receipt bound to a freshly appended audit entry.
func (s *Service) Build(entry *audit.Entry, eventID, subject, code string) (*ParticipationReceipt, error) {
	commitment, err := SubjectCommitment(eventID, subject)
	if err != nil {
		return nil, fmt.Errorf("subject commitment: %w", err)
	}

	binding := AuditBinding{
		EventID:        entry.EventID,
		Event:          entry.Event,
		TS:             entry.TS,
		EntryHash:      entry.EntryHash,
		PrevHash:       entry.PrevHash,
		StreamPrevHash: entry.StreamPrevHash,
		ImmutableSinks: []sink.Ref{},
	}
	if entry.Immutable != nil {
		binding.ImmutableMode = entry.Immutable.Mode
		hash := entry.Immutable.PayloadHash
		binding.ImmutablePayloadHash = &hash
		binding.ImmutableSinks = append(binding.ImmutableSinks, entry.Immutable.Sinks...)
	} else {
		binding.ImmutableMode = string(sink.ModeOff)
	}

	r := &ParticipationReceipt{
		Version:           1,
		Type:              ReceiptType,
		ReceiptID:         entry.EntryHash,
		IssuedAt:          audit.Timestamp(s.now()),
		ConfirmationCode:  code,
		SubjectCommitment: commitment,
		VerifyEndpoint:    s.verifyEndpoint,
		Audit:             binding,
	}
	r.ReceiptHash, err = receiptHash(r)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Persist stores the receipt under both the code key and the subject key.
func (s *Service) Persist(ctx context.Context, r *ParticipationReceipt, subject string) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("receipt marshal: %w", err)
	}
	writes := []store.Write{
		{Key: keyReceiptPrefix + r.Audit.EventID + ":" + r.ConfirmationCode, Value: raw},
		{Key: keyReceiptSubjectPrefix + r.Audit.EventID + ":" + subject, Value: raw},
	}
	if err := s.kv.Batch(ctx, writes); err != nil {
		return fmt.Errorf("receipt persist: %w", err)
	}
	s.logger.Info("participation receipt issued",
		"event_id", r.Audit.EventID, "receipt_id", r.ReceiptID)
	return nil
}

// GetByCode loads a receipt by (eventId, confirmationCode).
func (s *Service) GetByCode(ctx context.Context, eventID, code string) (*ParticipationReceipt, error) {
	return s.load(ctx, keyReceiptPrefix+eventID+":"+code)
}

// GetBySubject loads a receipt by (eventId, subject).
func (s *Service) GetBySubject(ctx context.Context, eventID, subject string) (*ParticipationReceipt, error) {
	return s.load(ctx, keyReceiptSubjectPrefix+eventID+":"+subject)
}

func (s *Service) load(ctx context.Context, key string) (*ParticipationReceipt, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	var r ParticipationReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("receipt decode: %w", err)
	}
	return &r, nil
}

// receiptHash hashes the receipt with ReceiptHash cleared.
func receiptHash(r *ParticipationReceipt) (string, error) {
	clone := *r
	clone.ReceiptHash = ""
	raw, err := json.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("receipt hash marshal: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("receipt hash decode: %w", err)
	}
	delete(generic, "receiptHash")
	return canonicalize.Hash(generic)
}
