package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/canonicalize"
	"github.com/wene-labs/ledger/pkg/sink"
)

// Checks records every verification step. All of them must hold for OK.
type Checks struct {
	ReceiptHashValid            bool `json:"receiptHashValid"`
	EntryExists                 bool `json:"entryExists"`
	EntryHashValid              bool `json:"entryHashValid"`
	ReceiptIDMatchesEntry       bool `json:"receiptIdMatchesEntry"`
	ConfirmationCodeMatches     bool `json:"confirmationCodeMatches"`
	EventIDMatches              bool `json:"eventIdMatches"`
	PrevHashMatches             bool `json:"prevHashMatches"`
	StreamPrevHashMatches       bool `json:"streamPrevHashMatches"`
	GlobalChainLinkValid        bool `json:"globalChainLinkValid"`
	StreamChainLinkValid        bool `json:"streamChainLinkValid"`
	ImmutablePayloadHashMatches bool `json:"immutablePayloadHashMatches"`
	ImmutableSinksMatch         bool `json:"immutableSinksMatch"`
	ImmutableModeMatches        bool `json:"immutableModeMatches"`
}

// Proof echoes the chain facts a third party can independently re-check.
type Proof struct {
	EntryHash            string     `json:"entryHash"`
	PrevHash             string     `json:"prevHash"`
	StreamPrevHash       string     `json:"streamPrevHash"`
	ImmutablePayloadHash *string    `json:"immutablePayloadHash"`
	ImmutableSinks       []sink.Ref `json:"immutableSinks"`
}

// VerificationResult is returned by Verify. OK maps to HTTP 200, not-OK to 409.
type VerificationResult struct {
	OK               bool     `json:"ok"`
	CheckedAt        string   `json:"checkedAt"`
	ReceiptID        string   `json:"receiptId"`
	EventID          string   `json:"eventId"`
	ConfirmationCode string   `json:"confirmationCode"`
	Checks           Checks   `json:"checks"`
	Issues           []string `json:"issues"`
	Proof            *Proof   `json:"proof,omitempty"`
}

// ErrMalformedReceipt is returned when the submitted receipt fails strict
// parsing; no chain lookups are attempted for malformed input.
var ErrMalformedReceipt = errors.New("receipt: malformed")

// ParseStrict decodes and validates a submitted receipt. Every field must be
// present and well-formed before any verification work happens.
func ParseStrict(raw []byte) (*ParticipationReceipt, error) {
	var r ParticipationReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	if r.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedReceipt, r.Version)
	}
	if r.Type != ReceiptType {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrMalformedReceipt, r.Type)
	}
	if !canonicalize.IsHex64(r.ReceiptID) || !canonicalize.IsHex64(r.ReceiptHash) ||
		!canonicalize.IsHex64(r.SubjectCommitment) || !canonicalize.IsHex64(r.Audit.EntryHash) {
		return nil, fmt.Errorf("%w: malformed hash field", ErrMalformedReceipt)
	}
	if !chainRef(r.Audit.PrevHash) || !chainRef(r.Audit.StreamPrevHash) {
		return nil, fmt.Errorf("%w: malformed chain reference", ErrMalformedReceipt)
	}
	if !ValidCode(r.ConfirmationCode) {
		return nil, fmt.Errorf("%w: malformed confirmation code", ErrMalformedReceipt)
	}
	switch sink.Mode(r.Audit.ImmutableMode) {
	case sink.ModeOff, sink.ModeBestEffort, sink.ModeRequired:
	default:
		return nil, fmt.Errorf("%w: unknown immutable mode %q", ErrMalformedReceipt, r.Audit.ImmutableMode)
	}
	if r.Audit.ImmutablePayloadHash != nil && !canonicalize.IsHex64(*r.Audit.ImmutablePayloadHash) {
		return nil, fmt.Errorf("%w: malformed immutable payload hash", ErrMalformedReceipt)
	}
	for _, ref := range r.Audit.ImmutableSinks {
		if !sink.AcceptedSinkTypes[ref.Sink] {
			return nil, fmt.Errorf("%w: unknown sink type %q", ErrMalformedReceipt, ref.Sink)
		}
	}
	if r.IssuedAt == "" || r.Audit.EventID == "" || r.Audit.TS == "" || r.Audit.Event == "" {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedReceipt)
	}
	return &r, nil
}

func chainRef(s string) bool {
	return s == audit.Genesis || canonicalize.IsHex64(s)
}

// Verify re-checks a receipt against the live chain, in order, collecting
// boolean results and issues rather than stopping at the first failure.
func (s *Service) Verify(ctx context.Context, r *ParticipationReceipt) (*VerificationResult, error) {
	result := &VerificationResult{
		CheckedAt:        audit.Timestamp(s.now()),
		ReceiptID:        r.ReceiptID,
		EventID:          r.Audit.EventID,
		ConfirmationCode: r.ConfirmationCode,
		Issues:           []string{},
	}

	expectedHash, err := receiptHash(r)
	if err != nil {
		return nil, err
	}
	result.Checks.ReceiptHashValid = expectedHash == r.ReceiptHash
	if !result.Checks.ReceiptHashValid {
		result.Issues = append(result.Issues, "receiptHash does not match receipt contents")
	}

	entry, err := s.chain.GetByHash(ctx, r.Audit.EntryHash)
	if errors.Is(err, audit.ErrEntryNotFound) {
		entry, err = s.chain.FindInHistory(ctx, r.Audit.EntryHash, s.historyScan)
	}
	if err != nil && !errors.Is(err, audit.ErrEntryNotFound) {
		return nil, err
	}
	result.Checks.EntryExists = entry != nil
	if entry == nil {
		result.Issues = append(result.Issues, "audit entry not found")
		result.OK = false
		return result, nil
	}

	computed, err := audit.ComputeEntryHash(*entry)
	if err != nil {
		return nil, err
	}
	result.Checks.EntryHashValid = computed == entry.EntryHash
	if !result.Checks.EntryHashValid {
		result.Issues = append(result.Issues, "stored audit entry fails hash recomputation")
	}

	result.Checks.ReceiptIDMatchesEntry = r.ReceiptID == entry.EntryHash
	if !result.Checks.ReceiptIDMatchesEntry {
		result.Issues = append(result.Issues, "receiptId does not equal the audit entry hash")
	}

	result.Checks.ConfirmationCodeMatches = entryConfirmationCode(entry) == r.ConfirmationCode
	if !result.Checks.ConfirmationCodeMatches {
		result.Issues = append(result.Issues, "confirmation code does not match audit entry data")
	}

	result.Checks.EventIDMatches = r.Audit.EventID == entry.EventID
	if !result.Checks.EventIDMatches {
		result.Issues = append(result.Issues, "eventId does not match audit entry")
	}

	result.Checks.PrevHashMatches = r.Audit.PrevHash == entry.PrevHash
	result.Checks.StreamPrevHashMatches = r.Audit.StreamPrevHash == entry.StreamPrevHash
	if !result.Checks.PrevHashMatches {
		result.Issues = append(result.Issues, "prevHash does not match audit entry")
	}
	if !result.Checks.StreamPrevHashMatches {
		result.Issues = append(result.Issues, "streamPrevHash does not match audit entry")
	}

	result.Checks.GlobalChainLinkValid = s.chainLinkValid(ctx, entry.PrevHash, "", result)
	result.Checks.StreamChainLinkValid = s.chainLinkValid(ctx, entry.StreamPrevHash, entry.EventID, result)

	s.verifyImmutable(entry, r, result)

	result.Proof = &Proof{
		EntryHash:            entry.EntryHash,
		PrevHash:             entry.PrevHash,
		StreamPrevHash:       entry.StreamPrevHash,
		ImmutablePayloadHash: r.Audit.ImmutablePayloadHash,
		ImmutableSinks:       r.Audit.ImmutableSinks,
	}
	result.OK = result.Checks.ReceiptHashValid &&
		result.Checks.EntryExists &&
		result.Checks.EntryHashValid &&
		result.Checks.ReceiptIDMatchesEntry &&
		result.Checks.ConfirmationCodeMatches &&
		result.Checks.EventIDMatches &&
		result.Checks.PrevHashMatches &&
		result.Checks.StreamPrevHashMatches &&
		result.Checks.GlobalChainLinkValid &&
		result.Checks.StreamChainLinkValid &&
		result.Checks.ImmutablePayloadHashMatches &&
		result.Checks.ImmutableSinksMatch &&
		result.Checks.ImmutableModeMatches
	return result, nil
}

// chainLinkValid resolves the predecessor. Genesis is auto-valid; a stream
// predecessor must additionally belong to the same eventId.
func (s *Service) chainLinkValid(ctx context.Context, prev, streamEventID string, result *VerificationResult) bool {
	if prev == audit.Genesis {
		return true
	}
	pred, err := s.chain.GetByHash(ctx, prev)
	if err != nil {
		result.Issues = append(result.Issues, fmt.Sprintf("predecessor %s not resolvable", prev))
		return false
	}
	if streamEventID != "" && pred.EventID != streamEventID {
		result.Issues = append(result.Issues, "stream predecessor belongs to a different event")
		return false
	}
	return true
}

func (s *Service) verifyImmutable(entry *audit.Entry, r *ParticipationReceipt, result *VerificationResult) {
	if entry.Immutable == nil && r.Audit.ImmutablePayloadHash == nil {
		result.Checks.ImmutablePayloadHashMatches = true
	} else if entry.Immutable != nil && r.Audit.ImmutablePayloadHash != nil {
		_, recomputed, err := s.chain.Fanout().PayloadFor(entry.Base())
		if err == nil &&
			recomputed == *r.Audit.ImmutablePayloadHash &&
			recomputed == entry.Immutable.PayloadHash {
			result.Checks.ImmutablePayloadHashMatches = true
		} else {
			result.Issues = append(result.Issues, "immutable payload hash does not recompute")
		}
	} else {
		result.Issues = append(result.Issues, "immutable payload hash presence mismatch")
	}

	var entrySinks []sink.Ref
	entryMode := string(sink.ModeOff)
	if entry.Immutable != nil {
		entrySinks = entry.Immutable.Sinks
		entryMode = entry.Immutable.Mode
	}
	result.Checks.ImmutableSinksMatch = sameSinkSet(entrySinks, r.Audit.ImmutableSinks)
	if !result.Checks.ImmutableSinksMatch {
		result.Issues = append(result.Issues, "immutable sink references do not match audit entry")
	}
	result.Checks.ImmutableModeMatches = entryMode == r.Audit.ImmutableMode
	if !result.Checks.ImmutableModeMatches {
		result.Issues = append(result.Issues, "immutable mode does not match audit entry")
	}
}

// sameSinkSet compares sink references as multisets of (sink, ref).
func sameSinkSet(a, b []sink.Ref) bool {
	if len(a) != len(b) {
		return false
	}
	counts := map[string]int{}
	for _, ref := range a {
		counts[ref.Sink+"\x00"+ref.Ref]++
	}
	for _, ref := range b {
		counts[ref.Sink+"\x00"+ref.Ref]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}

func entryConfirmationCode(entry *audit.Entry) string {
	data, ok := entry.Data.(map[string]any)
	if !ok {
		return ""
	}
	code, _ := data["confirmationCode"].(string)
	return code
}
