// Package identity authenticates operators (master, demo, invited admins) and
// manages the admin invite lifecycle. Invite records are never deleted;
// revocation only marks them so the audit trail stays complete.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wene-labs/ledger/pkg/store"
)

// DefaultPasswordPlaceholder disables master auth when left unchanged.
const DefaultPasswordPlaceholder = "change-this-in-dashboard"

// Operator sources, in authentication precedence order.
const (
	SourceMaster = "master"
	SourceDemo   = "demo"
	SourceInvite = "invite"
)

var (
	ErrUnauthorized  = errors.New("identity: unauthorized")
	ErrInviteRevoked = errors.New("identity: invite revoked")
	ErrNotFound      = errors.New("identity: invite not found")
)

var inviteTokenPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Operator is an authenticated admin principal.
type Operator struct {
	AdminID string `json:"adminId"`
	Name    string `json:"name"`
	Source  string `json:"source"`
}

// IsMaster reports whether the operator holds the master role.
func (o Operator) IsMaster() bool { return o.Source == SourceMaster }

// AdminCodeRecord is the stored invite state, keyed by its token.
type AdminCodeRecord struct {
	AdminID   string `json:"adminId"`
	Name      string `json:"name"`
	Source    string `json:"source"`
	CreatedAt string `json:"createdAt"`
	RevokedAt string `json:"revokedAt,omitempty"`
	RevokedBy string `json:"revokedBy,omitempty"`
}

// Revoked reports whether the invite can no longer authenticate.
func (r AdminCodeRecord) Revoked() bool { return r.RevokedAt != "" }

// Config holds the static operator secrets.
type Config struct {
	MasterPassword string // ADMIN_PASSWORD; placeholder disables master auth
	DemoPassword   string // ADMIN_DEMO_PASSWORD; empty disables demo
}

// MasterEnabled reports whether a usable master password is configured.
func (c Config) MasterEnabled() bool {
	return c.MasterPassword != "" && c.MasterPassword != DefaultPasswordPlaceholder
}

// Service authenticates operators and manages invites.
type Service struct {
	kv     store.KV
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the identity service.
func NewService(kv store.KV, cfg Config) *Service {
	return &Service{
		kv:     kv,
		cfg:    cfg,
		logger: slog.Default().With("component", "identity"),
		now:    time.Now,
	}
}

// Config exposes the static secrets for readiness checks.
func (s *Service) Config() Config { return s.cfg }

func inviteKey(token string) string { return "admin_code:" + token }

// Authenticate resolves a bearer token to an operator: master, then demo,
// then a live invite. Revoked invites are unauthorized.
func (s *Service) Authenticate(ctx context.Context, token string) (*Operator, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	if s.cfg.MasterEnabled() && token == s.cfg.MasterPassword {
		return &Operator{AdminID: "master", Name: "master", Source: SourceMaster}, nil
	}
	if s.cfg.DemoPassword != "" && token == s.cfg.DemoPassword {
		return &Operator{AdminID: "demo", Name: "demo", Source: SourceDemo}, nil
	}
	if !inviteTokenPattern.MatchString(token) {
		return nil, ErrUnauthorized
	}

	record, err := s.getInvite(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if record.Revoked() {
		return nil, ErrUnauthorized
	}
	return &Operator{AdminID: record.AdminID, Name: record.Name, Source: SourceInvite}, nil
}

// CreateInvite mints a new invite token (UUID without hyphens) with a fresh
// adminId. Caller must hold the master role.
func (s *Service) CreateInvite(ctx context.Context, name string) (token string, record *AdminCodeRecord, err error) {
	token = strings.ReplaceAll(uuid.New().String(), "-", "")
	record = &AdminCodeRecord{
		AdminID:   "admin-" + uuid.New().String(),
		Name:      strings.TrimSpace(name),
		Source:    SourceInvite,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.putInvite(ctx, token, record); err != nil {
		return "", nil, err
	}
	s.logger.Info("admin invite created", "admin_id", record.AdminID, "name", record.Name)
	return token, record, nil
}

// RenameInvite updates the display name of an invite.
func (s *Service) RenameInvite(ctx context.Context, token, name string) (*AdminCodeRecord, error) {
	record, err := s.getInvite(ctx, token)
	if err != nil {
		return nil, err
	}
	record.Name = strings.TrimSpace(name)
	if err := s.putInvite(ctx, token, record); err != nil {
		return nil, err
	}
	return record, nil
}

// RevokeInvite marks an invite revoked; the record remains readable forever.
func (s *Service) RevokeInvite(ctx context.Context, token, revokedBy string) (*AdminCodeRecord, error) {
	record, err := s.getInvite(ctx, token)
	if err != nil {
		return nil, err
	}
	if record.Revoked() {
		return record, nil
	}
	record.RevokedAt = s.now().UTC().Format(time.RFC3339)
	record.RevokedBy = revokedBy
	if err := s.putInvite(ctx, token, record); err != nil {
		return nil, err
	}
	s.logger.Info("admin invite revoked", "admin_id", record.AdminID, "revoked_by", revokedBy)
	return record, nil
}

// InviteWithToken pairs a record with the token it is stored under.
type InviteWithToken struct {
	Token  string          `json:"token"`
	Record AdminCodeRecord `json:"record"`
}

// ListInvites returns every invite record, optionally excluding revoked ones.
func (s *Service) ListInvites(ctx context.Context, includeRevoked bool) ([]InviteWithToken, error) {
	items, err := s.kv.ListPrefix(ctx, "admin_code:", 0)
	if err != nil {
		return nil, fmt.Errorf("invite scan: %w", err)
	}
	out := make([]InviteWithToken, 0, len(items))
	for _, item := range items {
		var record AdminCodeRecord
		if err := json.Unmarshal(item.Value, &record); err != nil {
			return nil, fmt.Errorf("invite decode %s: %w", item.Key, err)
		}
		if !includeRevoked && record.Revoked() {
			continue
		}
		out = append(out, InviteWithToken{Token: item.Key[len("admin_code:"):], Record: record})
	}
	return out, nil
}

func (s *Service) getInvite(ctx context.Context, token string) (*AdminCodeRecord, error) {
	raw, err := s.kv.Get(ctx, inviteKey(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record AdminCodeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("invite decode: %w", err)
	}
	return &record, nil
}

func (s *Service) putInvite(ctx context.Context, token string, record *AdminCodeRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("invite marshal: %w", err)
	}
	if err := s.kv.Put(ctx, inviteKey(token), raw); err != nil {
		return fmt.Errorf("invite persist: %w", err)
	}
	return nil
}
