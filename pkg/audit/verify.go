package audit

import (
	"bytes"
	"context"
	"fmt"

	"github.com/wene-labs/ledger/pkg/sink"
)

// Verifier limits. The window is bounded so an integrity probe stays cheap
// even on long-lived shards.
const (
	VerifyLimitMin     = 1
	VerifyLimitMax     = 200
	VerifyLimitDefault = 50
)

// Issue is one integrity finding.
type Issue struct {
	Kind      string `json:"kind"`
	EntryHash string `json:"entryHash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// IntegrityReport is the result of a verification pass over the latest window.
type IntegrityReport struct {
	OK              bool     `json:"ok"`
	Mode            string   `json:"mode"`
	Checked         int      `json:"checked"`
	Limit           int      `json:"limit"`
	GlobalHead      string   `json:"globalHead"`
	OldestInWindow  string   `json:"oldestInWindow,omitempty"`
	VerifyImmutable bool     `json:"verifyImmutable"`
	Issues          []Issue  `json:"issues"`
	Warnings        []string `json:"warnings"`
	InspectedAt     string   `json:"inspectedAt"`
}

// VerifyIntegrity recomputes entry hashes over the latest limit entries,
// checks the parent-pointer discipline of both chains, and optionally
// re-verifies the immutable copies byte for byte.
func (c *Chain) VerifyIntegrity(ctx context.Context, limit int, verifyImmutable bool) (*IntegrityReport, error) {
	if limit < VerifyLimitMin {
		limit = VerifyLimitDefault
	}
	if limit > VerifyLimitMax {
		limit = VerifyLimitMax
	}

	report := &IntegrityReport{
		Mode:            string(c.fanout.Mode()),
		Limit:           limit,
		VerifyImmutable: verifyImmutable,
		Issues:          []Issue{},
		Warnings:        []string{},
		InspectedAt:     Timestamp(c.now()),
	}

	head, err := c.GlobalHead(ctx)
	if err != nil {
		return nil, err
	}
	report.GlobalHead = head

	entries, err := c.RecentEntries(ctx, limit)
	if err != nil {
		return nil, err
	}
	report.Checked = len(entries)
	if len(entries) > 0 {
		report.OldestInWindow = entries[len(entries)-1].EntryHash
	}

	for i := range entries {
		computed, err := ComputeEntryHash(entries[i])
		if err != nil {
			report.Issues = append(report.Issues, Issue{
				Kind: "entry_hash_unverifiable", EntryHash: entries[i].EntryHash, Detail: err.Error(),
			})
			continue
		}
		if computed != entries[i].EntryHash {
			report.Issues = append(report.Issues, Issue{
				Kind:      "entry_hash_mismatch",
				EntryHash: entries[i].EntryHash,
				Detail:    fmt.Sprintf("recomputed %s", computed),
			})
		}
	}

	report.Issues = append(report.Issues, verifyChainGraph("global", entries, func(e Entry) string {
		return e.PrevHash
	})...)

	byStream := map[string][]Entry{}
	for _, e := range entries {
		byStream[e.EventID] = append(byStream[e.EventID], e)
	}
	for eventID, group := range byStream {
		report.Issues = append(report.Issues, verifyChainGraph("stream:"+eventID, group, func(e Entry) string {
			return e.StreamPrevHash
		})...)
	}

	if verifyImmutable && c.fanout.Mode() != sink.ModeOff {
		c.verifyImmutableCopies(ctx, entries, report)
	}

	report.OK = len(report.Issues) == 0
	return report, nil
}

// verifyChainGraph checks one parent-pointer graph over a window: exactly one
// head, no duplicate entries, no cycles, no two references to the same
// parent, at most one reference leaving the window.
func verifyChainGraph(scope string, entries []Entry, parent func(Entry) string) []Issue {
	var issues []Issue
	inWindow := map[string]int{}
	for _, e := range entries {
		inWindow[e.EntryHash]++
	}
	for hash, n := range inWindow {
		if n > 1 {
			issues = append(issues, Issue{Kind: "duplicate_entry", EntryHash: hash, Detail: scope})
		}
	}

	parentRefs := map[string]int{}
	external := 0
	for _, e := range entries {
		p := parent(e)
		if p == Genesis {
			continue
		}
		parentRefs[p]++
		if _, ok := inWindow[p]; !ok {
			external++
		}
	}
	for p, n := range parentRefs {
		if n > 1 {
			issues = append(issues, Issue{Kind: "duplicate_parent_reference", EntryHash: p, Detail: scope})
		}
	}
	if external > 1 {
		issues = append(issues, Issue{Kind: "multiple_external_parents", Detail: scope})
	}

	heads := 0
	for _, e := range entries {
		if parentRefs[e.EntryHash] == 0 {
			heads++
		}
	}
	if len(entries) > 0 && heads != 1 {
		issues = append(issues, Issue{Kind: "head_count_invalid", Detail: fmt.Sprintf("%s: %d heads", scope, heads)})
	}

	// Cycle walk within the window.
	index := map[string]Entry{}
	for _, e := range entries {
		index[e.EntryHash] = e
	}
	for _, e := range entries {
		seen := map[string]bool{}
		cur := e
		for {
			if seen[cur.EntryHash] {
				issues = append(issues, Issue{Kind: "chain_cycle", EntryHash: e.EntryHash, Detail: scope})
				break
			}
			seen[cur.EntryHash] = true
			next, ok := index[parent(cur)]
			if !ok {
				break
			}
			cur = next
		}
	}
	return issues
}

func (c *Chain) verifyImmutableCopies(ctx context.Context, entries []Entry, report *IntegrityReport) {
	for _, e := range entries {
		if e.Immutable == nil {
			report.Issues = append(report.Issues, Issue{Kind: "immutable_receipt_missing", EntryHash: e.EntryHash})
			continue
		}
		payload, payloadHash, err := c.fanout.PayloadFor(e.Base())
		if err != nil {
			report.Issues = append(report.Issues, Issue{Kind: "immutable_payload_unverifiable", EntryHash: e.EntryHash, Detail: err.Error()})
			continue
		}
		if payloadHash != e.Immutable.PayloadHash {
			report.Issues = append(report.Issues, Issue{
				Kind: "immutable_payload_hash_mismatch", EntryHash: e.EntryHash,
				Detail: fmt.Sprintf("recomputed %s", payloadHash),
			})
		}

		accepted := false
		for _, ref := range e.Immutable.Sinks {
			if ref.Sink == sink.SinkR2Entry || ref.Sink == sink.SinkIngest {
				accepted = true
			}
		}
		if !accepted {
			report.Issues = append(report.Issues, Issue{Kind: "immutable_not_accepted", EntryHash: e.EntryHash})
		}

		for _, ref := range e.Immutable.Sinks {
			if ref.Sink != sink.SinkR2Entry {
				continue
			}
			if !c.fanout.ObjectsBound() {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("object store not bound; cannot re-fetch %s", ref.Ref))
				continue
			}
			stored, err := c.fanout.FetchObject(ctx, ref.Ref)
			if err != nil {
				report.Issues = append(report.Issues, Issue{Kind: "immutable_object_unreadable", EntryHash: e.EntryHash, Detail: err.Error()})
				continue
			}
			if !bytes.Equal(stored, payload) {
				report.Issues = append(report.Issues, Issue{Kind: "immutable_object_mismatch", EntryHash: e.EntryHash, Detail: ref.Ref})
			}
		}
	}
}
