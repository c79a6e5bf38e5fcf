package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wene-labs/ledger/pkg/store"
)

// Failure kinds of the stable claim taxonomy. The claim responder never
// throws across the API boundary; it folds everything into an outcome.
const (
	FailureInvalid        = "invalid"
	FailureNotFound       = "not_found"
	FailureEligibility    = "eligibility"
	FailureRetryable      = "retryable"
	FailureUserCancel     = "user_cancel"
	FailureWalletRequired = "wallet_required"
)

// ClaimRecord is the stored claim state for one (eventId, subject) pair.
// History holds every accepted claim time in ms; ClaimedAt is the first.
type ClaimRecord struct {
	EventID          string  `json:"eventId"`
	Subject          string  `json:"subject"`
	ClaimedAt        int64   `json:"claimedAt"`
	ConfirmationCode string  `json:"confirmationCode,omitempty"`
	History          []int64 `json:"history,omitempty"`
}

// SubmitRequest carries a claim attempt.
type SubmitRequest struct {
	EventID          string
	WalletAddress    string
	JoinToken        string
	ConfirmationCode string // pre-reserved code, attached on acceptance
}

// Outcome is the folded result of a claim attempt. Rate exhaustion is not an
// error: it returns OK with AlreadyJoined set.
type Outcome struct {
	OK               bool   `json:"ok"`
	AlreadyJoined    bool   `json:"alreadyJoined"`
	Subject          string `json:"-"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
	FailureKind      string `json:"failureKind,omitempty"`
	Message          string `json:"message,omitempty"`
}

func claimKey(eventID, subject string) string {
	return "claim:" + eventID + ":" + subject
}

// NormalizeSubject trims and collapses internal whitespace to single spaces.
func NormalizeSubject(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SubmitClaim applies the eligibility and interval-window rate policy, then
// appends a claim. The caller audits the mutation and builds the receipt.
func (s *Store) SubmitClaim(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return &Outcome{FailureKind: FailureInvalid, Message: "eventId is required"}, nil
	}

	ev, err := s.GetEvent(ctx, eventID)
	if errors.Is(err, ErrEventNotFound) {
		return &Outcome{FailureKind: FailureNotFound, Message: "event not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	if ev.State != EventStatePublished {
		return &Outcome{FailureKind: FailureEligibility, Message: "event is not accepting claims"}, nil
	}

	subject := NormalizeSubject(req.WalletAddress)
	if subject == "" {
		subject = NormalizeSubject(req.JoinToken)
	}
	if subject == "" {
		return &Outcome{FailureKind: FailureWalletRequired, Message: "wallet address or join token is required"}, nil
	}

	record, err := s.GetClaimRecord(ctx, eventID, subject)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	if record != nil && ev.MaxClaimsPerInterval != nil {
		windowStart := now - int64(ev.ClaimIntervalDays)*86400*1000
		inWindow := 0
		for _, at := range record.History {
			if at >= windowStart {
				inWindow++
			}
		}
		if inWindow >= *ev.MaxClaimsPerInterval {
			return &Outcome{
				OK:               true,
				AlreadyJoined:    true,
				Subject:          subject,
				ConfirmationCode: record.ConfirmationCode,
			}, nil
		}
	}

	if record == nil {
		record = &ClaimRecord{EventID: eventID, Subject: subject, ClaimedAt: now}
	}
	record.History = append(record.History, now)
	if req.ConfirmationCode != "" {
		record.ConfirmationCode = req.ConfirmationCode
	}
	if err := s.putClaimRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info("claim accepted", "event_id", eventID, "claims_total", len(record.History))
	return &Outcome{
		OK:               true,
		AlreadyJoined:    false,
		Subject:          subject,
		ConfirmationCode: record.ConfirmationCode,
	}, nil
}

// GetClaimRecord loads the claim record for (eventId, subject); nil if absent.
func (s *Store) GetClaimRecord(ctx context.Context, eventID, subject string) (*ClaimRecord, error) {
	raw, err := s.kv.Get(ctx, claimKey(eventID, subject))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record ClaimRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("claim decode: %w", err)
	}
	return &record, nil
}

// HasClaimed reports whether the subject has any claim on the event.
func (s *Store) HasClaimed(ctx context.Context, eventID, subject string) (bool, error) {
	record, err := s.GetClaimRecord(ctx, eventID, subject)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// GetClaimants lists every claim record of an event, ascending by first
// claim time.
func (s *Store) GetClaimants(ctx context.Context, eventID string) ([]ClaimRecord, error) {
	items, err := s.kv.ListPrefix(ctx, "claim:"+eventID+":", 0)
	if err != nil {
		return nil, fmt.Errorf("claim scan: %w", err)
	}
	records := make([]ClaimRecord, 0, len(items))
	for _, item := range items {
		var record ClaimRecord
		if err := json.Unmarshal(item.Value, &record); err != nil {
			return nil, fmt.Errorf("claim decode %s: %w", item.Key, err)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ClaimedAt < records[j].ClaimedAt
	})
	return records, nil
}

// SetLatestClaimConfirmationCode attaches a confirmation code to an existing
// claim record.
func (s *Store) SetLatestClaimConfirmationCode(ctx context.Context, eventID, subject, code string) error {
	record, err := s.GetClaimRecord(ctx, eventID, subject)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("claims: no claim for subject on event %s", eventID)
	}
	record.ConfirmationCode = code
	return s.putClaimRecord(ctx, record)
}

func (s *Store) putClaimRecord(ctx context.Context, record *ClaimRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("claim marshal: %w", err)
	}
	if err := s.kv.Put(ctx, claimKey(record.EventID, record.Subject), raw); err != nil {
		return fmt.Errorf("claim persist: %w", err)
	}
	return nil
}
