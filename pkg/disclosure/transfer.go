// Package disclosure builds the master-only oversight views: transfer
// projections from claim audit entries, the admin disclosure graph, and a
// prefix-token search index over that graph.
package disclosure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wene-labs/ledger/pkg/audit"
)

// Roles controlling how much of a projection is disclosed.
const (
	RoleAdmin  = "admin"
	RoleMaster = "master"
)

// DefaultTransferLimit bounds how far back transfer scans reach.
const DefaultTransferLimit = 500

// transferEvents are the audit event names that represent value transfers.
var transferEvents = map[string]bool{
	"USER_CLAIM":   true,
	"WALLET_CLAIM": true,
}

// TransferAuditPayload is the normalized view of one transfer-class audit
// entry. PII is only populated for the master role.
type TransferAuditPayload struct {
	EntryHash     string         `json:"entryHash"`
	TS            string         `json:"ts"`
	Event         string         `json:"event"`
	EventID       string         `json:"eventId"`
	Authority     string         `json:"authority"`
	Mint          string         `json:"mint,omitempty"`
	Amount        int64          `json:"amount"`
	TxSignature   string         `json:"txSignature,omitempty"`
	ReceiptPubkey string         `json:"receiptPubkey,omitempty"`
	Recipient     string         `json:"recipient,omitempty"`
	PII           map[string]any `json:"pii,omitempty"`
}

// ProjectTransfer builds a TransferAuditPayload from an audit entry, or nil
// when the entry is not transfer-class. A structured data.transfer object wins;
// otherwise the legacy flat fields are assembled.
func ProjectTransfer(entry *audit.Entry, role string) *TransferAuditPayload {
	if entry == nil || !transferEvents[entry.Event] {
		return nil
	}
	data, _ := entry.Data.(map[string]any)

	p := &TransferAuditPayload{
		EntryHash: entry.EntryHash,
		TS:        entry.TS,
		Event:     entry.Event,
		EventID:   entry.EventID,
	}

	if transfer, ok := data["transfer"].(map[string]any); ok {
		p.Authority = str(transfer["authority"])
		p.Mint = str(transfer["mint"])
		p.Amount = num(transfer["amount"])
		p.TxSignature = str(transfer["txSignature"])
		p.ReceiptPubkey = str(transfer["receiptPubkey"])
		p.Recipient = str(transfer["recipient"])
	} else {
		p.Authority = str(data["solanaAuthority"])
		p.Mint = str(data["solanaMint"])
		p.Amount = num(data["ticketTokenAmount"])
		p.TxSignature = str(data["txSignature"])
		p.ReceiptPubkey = str(data["receiptPubkey"])
		p.Recipient = str(data["recipient"])
	}
	if p.Authority == "" {
		p.Authority = "grant:" + entry.EventID
	}

	if role == RoleMaster {
		pii := map[string]any{}
		for _, key := range []string{"userId", "walletAddress", "joinToken", "subject"} {
			if v := str(data[key]); v != "" {
				pii[key] = v
			}
		}
		if len(pii) > 0 {
			p.PII = pii
		}
	}
	return p
}

// ListTransfers scans the newest audit entries and projects the transfer-class
// ones, newest first.
func (s *Service) ListTransfers(ctx context.Context, role string, limit int) ([]TransferAuditPayload, error) {
	if limit <= 0 {
		limit = DefaultTransferLimit
	}
	entries, err := s.chain.RecentEntries(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("transfer scan: %w", err)
	}
	out := []TransferAuditPayload{}
	for i := range entries {
		if p := ProjectTransfer(&entries[i], role); p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
