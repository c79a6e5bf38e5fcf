package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/wene-labs/ledger/pkg/canonicalize"
	"github.com/wene-labs/ledger/pkg/store"
)

const (
	keyUserPrefix      = "user:"
	keyUserIndexPrefix = "user_id_index:"
	keyUserChainHead   = "user_id_chain:last_hash"

	maxDisplayNameLen = 32
)

var userIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,31}$`)

// User is a registered participant. PinHash is SHA-256 of the PIN; the PIN
// itself is never stored.
type User struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PinHash     string `json:"pinHash"`
	CreatedAt   string `json:"createdAt"`
}

// Registrar serializes user registration: the uniqueness check and the
// user-id chain advance happen under one FIFO lock (userIdRegistrationLock).
type Registrar struct {
	kv  store.KV
	now func() time.Time
	mu  sync.Mutex
}

// NewRegistrar creates a registrar over the shard KV.
func NewRegistrar(kv store.KV) *Registrar {
	return &Registrar{kv: kv, now: time.Now}
}

// WithClock overrides the clock for tests.
func (r *Registrar) WithClock(now func() time.Time) *Registrar {
	r.now = now
	return r
}

// NormalizeUserID lowercases and trims a candidate user id.
func NormalizeUserID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Register creates a user exactly once per userId and appends one entry to
// the user-id chain.
func (r *Registrar) Register(ctx context.Context, rawUserID, displayName, pin string) (*User, error) {
	userID := NormalizeUserID(rawUserID)
	if !userIDPattern.MatchString(userID) {
		return nil, fmt.Errorf("%w: userId must be 3-32 chars of [a-z0-9._-] starting alphanumeric", ErrInvalidEvent)
	}
	displayName = norm.NFC.String(strings.TrimSpace(displayName))
	if displayName == "" {
		displayName = userID
	}
	if len([]rune(displayName)) > maxDisplayNameLen {
		return nil, fmt.Errorf("%w: displayName exceeds %d characters", ErrInvalidEvent, maxDisplayNameLen)
	}
	if pin == "" {
		return nil, fmt.Errorf("%w: pin is required", ErrInvalidEvent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	userIDHash := canonicalize.SHA256Hex([]byte(userID))
	if _, err := r.kv.Get(ctx, keyUserIndexPrefix+userIDHash); err == nil {
		return nil, ErrDuplicateUser
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := r.kv.Get(ctx, keyUserPrefix+userID); err == nil {
		return nil, ErrDuplicateUser
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	prevChainHash := "GENESIS"
	if raw, err := r.kv.Get(ctx, keyUserChainHead); err == nil {
		prevChainHash = string(raw)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	chainHash, err := canonicalize.Hash(map[string]any{
		"version":       1,
		"kind":          "user_id_register",
		"userIdHash":    userIDHash,
		"prevChainHash": prevChainHash,
	})
	if err != nil {
		return nil, fmt.Errorf("user-id chain hash: %w", err)
	}

	user := &User{
		UserID:      userID,
		DisplayName: displayName,
		PinHash:     canonicalize.SHA256Hex([]byte(pin)),
		CreatedAt:   r.now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("user marshal: %w", err)
	}
	index, err := json.Marshal(map[string]string{"userId": userID, "chainHash": chainHash})
	if err != nil {
		return nil, fmt.Errorf("user index marshal: %w", err)
	}
	writes := []store.Write{
		{Key: keyUserPrefix + userID, Value: raw},
		{Key: keyUserIndexPrefix + userIDHash, Value: index},
		{Key: keyUserChainHead, Value: []byte(chainHash)},
	}
	if err := r.kv.Batch(ctx, writes); err != nil {
		return nil, fmt.Errorf("user persist: %w", err)
	}
	return user, nil
}

// GetUser loads a user by normalized id; nil when absent.
func (r *Registrar) GetUser(ctx context.Context, rawUserID string) (*User, error) {
	userID := NormalizeUserID(rawUserID)
	raw, err := r.kv.Get(ctx, keyUserPrefix+userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("user decode: %w", err)
	}
	return &user, nil
}

// VerifyPin checks a userId/pin pair against the stored hash.
func (r *Registrar) VerifyPin(ctx context.Context, rawUserID, pin string) (*User, error) {
	user, err := r.GetUser(ctx, rawUserID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PinHash != canonicalize.SHA256Hex([]byte(pin)) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
