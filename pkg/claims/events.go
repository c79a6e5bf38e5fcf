// Package claims owns the event, claim and user state of a shard: event CRUD
// with owner links, claim submission under the interval-window rate policy,
// and participant registration with the user-id chain.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wene-labs/ledger/pkg/store"
)

// Event states. draft → published → ended; ended is terminal and claims are
// accepted only while published.
const (
	EventStateDraft     = "draft"
	EventStatePublished = "published"
	EventStateEnded     = "ended"
)

var (
	ErrEventNotFound      = errors.New("claims: event not found")
	ErrDuplicateOnChain   = errors.New("claims: on-chain triple already bound to another event")
	ErrInvalidTransition  = errors.New("claims: invalid event state transition")
	ErrInvalidEvent       = errors.New("claims: invalid event")
	ErrDuplicateUser      = errors.New("claims: userId already registered")
	ErrInvalidCredentials = errors.New("claims: invalid credentials")
)

// Event is a single attendance event.
type Event struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Datetime             string `json:"datetime"`
	Host                 string `json:"host"`
	State                string `json:"state"`
	SolanaMint           string `json:"solanaMint,omitempty"`
	SolanaAuthority      string `json:"solanaAuthority,omitempty"`
	SolanaGrantID        string `json:"solanaGrantId,omitempty"`
	TicketTokenAmount    int64  `json:"ticketTokenAmount"`
	ClaimIntervalDays    int    `json:"claimIntervalDays"`
	MaxClaimsPerInterval *int   `json:"maxClaimsPerInterval"`
	RiskProfile          string `json:"riskProfile,omitempty"`
}

// OwnerLink binds an event to the operator that created it. Immutable.
type OwnerLink struct {
	AdminID  string `json:"adminId"`
	Name     string `json:"name"`
	Source   string `json:"source"` // master | invite | demo
	LinkedAt string `json:"linkedAt"`
}

// Store is the claim store over the shard KV.
type Store struct {
	kv     store.KV
	seed   []Event
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a claim store. seed events are merged into listings until a
// stored event with the same id exists.
func NewStore(kv store.KV, seed []Event) *Store {
	return &Store{
		kv:     kv,
		seed:   seed,
		logger: slog.Default().With("component", "claims"),
		now:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func eventKey(id string) string      { return "event:" + id }
func eventOwnerKey(id string) string { return "event_owner:" + id }

// CreateEvent validates and persists an event plus its owner link. The
// on-chain triple (mint, authority, grantId) must be globally unique when all
// three are present.
func (s *Store) CreateEvent(ctx context.Context, ev Event, owner OwnerLink) (*Event, error) {
	if ev.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if ev.TicketTokenAmount < 1 {
		ev.TicketTokenAmount = 1
	}
	if ev.ClaimIntervalDays < 1 {
		ev.ClaimIntervalDays = 1
	}
	if ev.MaxClaimsPerInterval != nil && *ev.MaxClaimsPerInterval < 1 {
		return nil, fmt.Errorf("%w: maxClaimsPerInterval must be positive", ErrInvalidEvent)
	}
	if ev.State == "" {
		ev.State = EventStateDraft
	}
	if ev.State != EventStateDraft && ev.State != EventStatePublished && ev.State != EventStateEnded {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidEvent, ev.State)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	if ev.SolanaMint != "" && ev.SolanaAuthority != "" && ev.SolanaGrantID != "" {
		existing, err := s.GetEvents(ctx)
		if err != nil {
			return nil, err
		}
		for _, other := range existing {
			if other.ID == ev.ID {
				continue
			}
			if other.SolanaMint == ev.SolanaMint &&
				other.SolanaAuthority == ev.SolanaAuthority &&
				other.SolanaGrantID == ev.SolanaGrantID {
				return nil, ErrDuplicateOnChain
			}
		}
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event marshal: %w", err)
	}
	if owner.LinkedAt == "" {
		owner.LinkedAt = s.now().UTC().Format(time.RFC3339)
	}
	ownerRaw, err := json.Marshal(owner)
	if err != nil {
		return nil, fmt.Errorf("owner marshal: %w", err)
	}
	writes := []store.Write{
		{Key: eventKey(ev.ID), Value: raw},
		{Key: eventOwnerKey(ev.ID), Value: ownerRaw},
	}
	if err := s.kv.Batch(ctx, writes); err != nil {
		return nil, fmt.Errorf("event persist: %w", err)
	}
	s.logger.Info("event created", "event_id", ev.ID, "state", ev.State, "admin_id", owner.AdminID)
	return &ev, nil
}

// GetEvent resolves one event, consulting the seed list when not stored.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	raw, err := s.kv.Get(ctx, eventKey(id))
	if err == nil {
		var ev Event
		if uerr := json.Unmarshal(raw, &ev); uerr != nil {
			return nil, fmt.Errorf("event decode %s: %w", id, uerr)
		}
		return &ev, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	for _, ev := range s.seed {
		if ev.ID == id {
			copied := ev
			return &copied, nil
		}
	}
	return nil, ErrEventNotFound
}

// GetEvents lists all events: stored events merged over the seed list, stored
// taking precedence for equal ids.
func (s *Store) GetEvents(ctx context.Context) ([]Event, error) {
	items, err := s.kv.ListPrefix(ctx, "event:", 0)
	if err != nil {
		return nil, fmt.Errorf("event scan: %w", err)
	}
	byID := map[string]Event{}
	order := make([]string, 0, len(items)+len(s.seed))
	for _, ev := range s.seed {
		byID[ev.ID] = ev
		order = append(order, ev.ID)
	}
	for _, item := range items {
		var ev Event
		if err := json.Unmarshal(item.Value, &ev); err != nil {
			return nil, fmt.Errorf("event decode %s: %w", item.Key, err)
		}
		if _, seen := byID[ev.ID]; !seen {
			order = append(order, ev.ID)
		}
		byID[ev.ID] = ev
	}
	out := make([]Event, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// UpdateEventState advances an event through draft → published → ended.
func (s *Store) UpdateEventState(ctx context.Context, id, state string) (*Event, error) {
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !validTransition(ev.State, state) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, ev.State, state)
	}
	ev.State = state
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event marshal: %w", err)
	}
	if err := s.kv.Put(ctx, eventKey(id), raw); err != nil {
		return nil, fmt.Errorf("event persist: %w", err)
	}
	return ev, nil
}

func validTransition(from, to string) bool {
	switch from {
	case EventStateDraft:
		return to == EventStatePublished
	case EventStatePublished:
		return to == EventStateEnded
	default:
		return false
	}
}

// GetOwner resolves the owner link of an event.
func (s *Store) GetOwner(ctx context.Context, eventID string) (*OwnerLink, error) {
	raw, err := s.kv.Get(ctx, eventOwnerKey(eventID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var link OwnerLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return nil, fmt.Errorf("owner decode %s: %w", eventID, err)
	}
	return &link, nil
}

// OwnedEventIDs returns ids of events owned by adminID, ascending.
func (s *Store) OwnedEventIDs(ctx context.Context, adminID string) ([]string, error) {
	items, err := s.kv.ListPrefix(ctx, "event_owner:", 0)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, item := range items {
		var link OwnerLink
		if err := json.Unmarshal(item.Value, &link); err != nil {
			continue
		}
		if link.AdminID == adminID {
			ids = append(ids, item.Key[len("event_owner:"):])
		}
	}
	sort.Strings(ids)
	return ids, nil
}
