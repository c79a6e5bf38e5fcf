// Package receipt issues and verifies participation receipts: the
// user-holdable certificate binding a confirmation code and event to an audit
// entry by hash.
package receipt

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/wene-labs/ledger/pkg/store"
)

// CodeAlphabet excludes the ambiguous I, O, 0 and 1.
const (
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength   = 6

	maxCodeDraws           = 128
	DefaultLegacyScanLimit = 2000

	keyCodeIndexPrefix      = "confirmation_code_index:"
	keyReceiptPrefix        = "ticket_receipt:"
	keyReceiptSubjectPrefix = "ticket_receipt_subject:"
)

// ErrCodeExhausted is returned when no unique code could be drawn.
var ErrCodeExhausted = errors.New("failed to generate unique confirmation code")

// codeIndexRecord is the reservation persisted per live code.
type codeIndexRecord struct {
	Code     string `json:"code"`
	EventID  string `json:"eventId"`
	Subject  string `json:"subject"`
	IssuedAt string `json:"issuedAt"`
}

// CodeReserver serializes confirmation-code reservation so codes stay
// globally unique across all live events (confirmationCodeLock).
type CodeReserver struct {
	kv        store.KV
	scanLimit int
	draw      func() (string, error)
	now       func() time.Time
	mu        sync.Mutex
}

// NewCodeReserver creates a reserver. scanLimit bounds the legacy receipt-key
// scan; <= 0 selects the default.
func NewCodeReserver(kv store.KV, scanLimit int) *CodeReserver {
	if scanLimit <= 0 {
		scanLimit = DefaultLegacyScanLimit
	}
	return &CodeReserver{
		kv:        kv,
		scanLimit: scanLimit,
		draw:      drawCode,
		now:       time.Now,
	}
}

// WithDraw overrides the code generator for tests.
func (c *CodeReserver) WithDraw(draw func() (string, error)) *CodeReserver {
	c.draw = draw
	return c
}

// Reserve draws a code that is neither indexed nor present among legacy
// receipt keys, and persists the reservation. Up to 128 draws are attempted.
func (c *CodeReserver) Reserve(ctx context.Context, eventID, subject string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	legacy, err := c.legacyCodes(ctx)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < maxCodeDraws; attempt++ {
		code, err := c.draw()
		if err != nil {
			return "", fmt.Errorf("confirmation code draw: %w", err)
		}
		if legacy[code] {
			continue
		}
		if _, err := c.kv.Get(ctx, keyCodeIndexPrefix+code); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if err := c.persistIndex(ctx, code, eventID, subject); err != nil {
			return "", err
		}
		return code, nil
	}
	return "", ErrCodeExhausted
}

// Release frees a reservation, but only while it still maps to the same
// (eventId, subject) pair. Used on claim failure paths.
func (c *CodeReserver) Release(ctx context.Context, code, eventID, subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.kv.Get(ctx, keyCodeIndexPrefix+code)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var record codeIndexRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("code index decode: %w", err)
	}
	if record.EventID != eventID || record.Subject != subject {
		return nil
	}
	return c.kv.Delete(ctx, keyCodeIndexPrefix+code)
}

// EnsureIndexed idempotently records a reservation for an already issued code.
func (c *CodeReserver) EnsureIndexed(ctx context.Context, code, eventID, subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.kv.Get(ctx, keyCodeIndexPrefix+code); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return c.persistIndex(ctx, code, eventID, subject)
}

func (c *CodeReserver) persistIndex(ctx context.Context, code, eventID, subject string) error {
	raw, err := json.Marshal(codeIndexRecord{
		Code:     code,
		EventID:  eventID,
		Subject:  subject,
		IssuedAt: c.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("code index marshal: %w", err)
	}
	if err := c.kv.Put(ctx, keyCodeIndexPrefix+code, raw); err != nil {
		return fmt.Errorf("code index persist: %w", err)
	}
	return nil
}

// legacyCodes scans stored receipt keys (bounded) and collects their codes.
// Receipts issued before the code index existed are only visible this way.
func (c *CodeReserver) legacyCodes(ctx context.Context) (map[string]bool, error) {
	items, err := c.kv.ListPrefix(ctx, keyReceiptPrefix, c.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("legacy receipt scan: %w", err)
	}
	codes := make(map[string]bool, len(items))
	for _, item := range items {
		// ticket_receipt:<eventId>:<code>; the code is the last segment.
		idx := strings.LastIndex(item.Key, ":")
		if idx < 0 || idx == len(item.Key)-1 {
			continue
		}
		codes[item.Key[idx+1:]] = true
	}
	return codes, nil
}

func drawCode() (string, error) {
	buf := make([]byte, CodeLength)
	max := big.NewInt(int64(len(CodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidCode reports whether s is a well-formed confirmation code.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(CodeAlphabet, rune(s[i])) {
			return false
		}
	}
	return true
}
