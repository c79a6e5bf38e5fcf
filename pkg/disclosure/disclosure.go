package disclosure

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/identity"
)

// RelatedUser is a participant touched by a transfer attributable to an admin.
type RelatedUser struct {
	Key       string `json:"key"` // userId | walletAddress | joinToken | recipient pubkey
	Kind      string `json:"kind"`
	Transfers int    `json:"transfers"`
	FirstSeen string `json:"firstSeen"`
	LastSeen  string `json:"lastSeen"`
}

// AdminDisclosure is one admin's slice of the oversight graph.
type AdminDisclosure struct {
	Token        string                 `json:"token"`
	Admin        identity.AdminCodeRecord `json:"admin"`
	Events       []claims.Event         `json:"events"`
	RelatedUsers []RelatedUser          `json:"relatedUsers"`
}

// Options bounds a disclosure build.
type Options struct {
	IncludeRevoked bool
	TransferLimit  int
}

// Service builds disclosure graphs over the live stores.
type Service struct {
	chain    *audit.Chain
	events   *claims.Store
	identity *identity.Service
	index    *SQLIndex // nil when no SQL capability is configured
	cache    searchCache
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the disclosure service. index may be nil; search then falls
// back to the in-process cache.
func NewService(chain *audit.Chain, events *claims.Store, ident *identity.Service, index *SQLIndex) *Service {
	return &Service{
		chain:    chain,
		events:   events,
		identity: ident,
		index:    index,
		logger:   slog.Default().With("component", "disclosure"),
		now:      time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BuildDisclosures assembles the full admin disclosure graph. Events attach by
// explicit ownership first; events with no owner link fall back to a host-name
// match, but only when exactly one admin bears that normalized name.
func (s *Service) BuildDisclosures(ctx context.Context, opts Options) ([]AdminDisclosure, error) {
	if opts.TransferLimit <= 0 {
		opts.TransferLimit = DefaultTransferLimit
	}

	invites, err := s.identity.ListInvites(ctx, opts.IncludeRevoked)
	if err != nil {
		return nil, err
	}
	allEvents, err := s.events.GetEvents(ctx)
	if err != nil {
		return nil, err
	}
	transfers, err := s.ListTransfers(ctx, RoleMaster, opts.TransferLimit)
	if err != nil {
		return nil, err
	}

	// Admins sharing a normalized name cannot claim events by host match.
	nameCount := map[string]int{}
	for _, inv := range invites {
		nameCount[normalizeName(inv.Record.Name)]++
	}

	eventsByAdmin := map[string][]claims.Event{}
	eventAdmin := map[string]string{} // eventId → adminId
	for _, ev := range allEvents {
		link, err := s.events.GetOwner(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		if link != nil {
			eventsByAdmin[link.AdminID] = append(eventsByAdmin[link.AdminID], ev)
			eventAdmin[ev.ID] = link.AdminID
			continue
		}
		host := normalizeName(ev.Host)
		if host == "" || nameCount[host] != 1 {
			continue
		}
		for _, inv := range invites {
			if normalizeName(inv.Record.Name) == host {
				eventsByAdmin[inv.Record.AdminID] = append(eventsByAdmin[inv.Record.AdminID], ev)
				eventAdmin[ev.ID] = inv.Record.AdminID
				break
			}
		}
	}

	usersByAdmin := map[string]map[string]*RelatedUser{}
	for _, t := range transfers {
		adminID, owned := eventAdmin[t.EventID]
		if !owned {
			continue
		}
		key, kind := relatedUserKey(t)
		if key == "" {
			continue
		}
		bucket := usersByAdmin[adminID]
		if bucket == nil {
			bucket = map[string]*RelatedUser{}
			usersByAdmin[adminID] = bucket
		}
		u := bucket[key]
		if u == nil {
			u = &RelatedUser{Key: key, Kind: kind, FirstSeen: t.TS, LastSeen: t.TS}
			bucket[key] = u
		}
		u.Transfers++
		if t.TS < u.FirstSeen {
			u.FirstSeen = t.TS
		}
		if t.TS > u.LastSeen {
			u.LastSeen = t.TS
		}
	}

	out := make([]AdminDisclosure, 0, len(invites))
	for _, inv := range invites {
		d := AdminDisclosure{
			Token:        inv.Token,
			Admin:        inv.Record,
			Events:       eventsByAdmin[inv.Record.AdminID],
			RelatedUsers: []RelatedUser{},
		}
		if d.Events == nil {
			d.Events = []claims.Event{}
		}
		for _, u := range usersByAdmin[inv.Record.AdminID] {
			d.RelatedUsers = append(d.RelatedUsers, *u)
		}
		sort.Slice(d.RelatedUsers, func(i, j int) bool {
			return d.RelatedUsers[i].Key < d.RelatedUsers[j].Key
		})
		out = append(out, d)
	}
	return out, nil
}

// relatedUserKey picks the strongest identity a transfer carries.
func relatedUserKey(t TransferAuditPayload) (key, kind string) {
	if v := str(t.PII["userId"]); v != "" {
		return v, "userId"
	}
	if v := str(t.PII["walletAddress"]); v != "" {
		return v, "walletAddress"
	}
	if v := str(t.PII["joinToken"]); v != "" {
		return v, "joinToken"
	}
	if t.Recipient != "" {
		return t.Recipient, "recipient"
	}
	return "", ""
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
