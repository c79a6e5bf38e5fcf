package pop

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/store"
)

// Domain separates PoP chain hashes from every other hash in the system.
const Domain = "we-ne:pop:v2"

// MessageVersion is byte 0 of every signable message.
const MessageVersion = byte(2)

// MessageLength is the fixed signable message size:
// version | grant[32] | claimer[32] | periodIndex u64 LE |
// streamPrev[32] | audit[32] | entryHash[32].
// The global prev and issuedAt are bound transitively through entryHash.
const MessageLength = 1 + 32 + 32 + 8 + 32 + 32 + 32

var (
	ErrEventNotFound    = errors.New("pop: event not found")
	ErrEventNotEligible = errors.New("pop: event is not published")
)

// ProofRequest carries one issuance request. Grant and Claimer are base58
// 32-byte Ed25519 public keys.
type ProofRequest struct {
	EventID     string
	GrantB58    string
	ClaimerB58  string
	PeriodIndex uint64
}

// Proof is the issued, signed proof.
type Proof struct {
	MessageBase64   string `json:"messageBase64"`
	SignatureBase64 string `json:"signatureBase64"`
	SignerPubkey    string `json:"signerPubkey"`
	EntryHash       string `json:"entryHash"`
	PrevHash        string `json:"prevHash"`
	StreamPrevHash  string `json:"streamPrevHash"`
	AuditHash       string `json:"auditHash"`
	Grant           string `json:"grant"`
	Claimer         string `json:"claimer"`
	PeriodIndex     string `json:"periodIndex"`
	IssuedAt        int64  `json:"issuedAt"`
}

// Prover owns the per-grant chains. Issuance is serialized by popProofLock;
// each issuance performs one audit append internally.
type Prover struct {
	kv     store.KV
	chain  *audit.Chain
	events *claims.Store
	signer *Signer
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewProver wires the prover over the shard state.
func NewProver(kv store.KV, chain *audit.Chain, events *claims.Store, signer *Signer) *Prover {
	return &Prover{
		kv:     kv,
		chain:  chain,
		events: events,
		signer: signer,
		logger: slog.Default().With("component", "pop"),
		now:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (p *Prover) WithClock(now func() time.Time) *Prover {
	p.now = now
	return p
}

// Signer exposes the signer for readiness checks.
func (p *Prover) Signer() *Signer { return p.signer }

func grantGlobalKey(grant string) string { return "pop_chain:lastHash:global:" + grant }
func grantStreamKey(grant string) string { return "pop_chain:lastHash:stream:" + grant }

// IssueProof validates the request, anchors an audit entry, advances the
// grant's double chain and signs the 169-byte message.
func (p *Prover) IssueProof(ctx context.Context, req ProofRequest) (*Proof, error) {
	grant, err := DecodeKey32(req.GrantB58)
	if err != nil {
		return nil, fmt.Errorf("invalid grant: %w", err)
	}
	claimer, err := DecodeKey32(req.ClaimerB58)
	if err != nil {
		return nil, fmt.Errorf("invalid claimer: %w", err)
	}

	ev, err := p.events.GetEvent(ctx, req.EventID)
	if errors.Is(err, claims.ErrEventNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if ev.State != claims.EventStatePublished {
		return nil, ErrEventNotEligible
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev, err := p.head(ctx, grantGlobalKey(req.GrantB58))
	if err != nil {
		return nil, err
	}
	streamPrev, err := p.head(ctx, grantStreamKey(req.GrantB58))
	if err != nil {
		return nil, err
	}

	anchor, err := p.chain.Append(ctx, "POP_CLAIM_PROOF_ANCHOR",
		audit.Actor{Type: "system", ID: "pop-signer"},
		map[string]any{
			"grant":       req.GrantB58,
			"claimer":     req.ClaimerB58,
			"periodIndex": fmt.Sprintf("%d", req.PeriodIndex),
			"eventId":     req.EventID,
		},
		"pop:"+req.EventID)
	if err != nil {
		return nil, fmt.Errorf("pop anchor append: %w", err)
	}
	auditHash, err := hexTo32(anchor.EntryHash)
	if err != nil {
		return nil, err
	}

	issuedAt := p.now().UnixMilli() / 1000
	entryHash := chainEntryHash(prev, streamPrev, auditHash, grant, claimer, req.PeriodIndex, issuedAt)
	entryHashHex := hex.EncodeToString(entryHash[:])

	historyKey := "pop_chain:history:" + audit.Timestamp(p.now()) + ":" + entryHashHex
	payload, err := json.Marshal(map[string]any{
		"grant":          req.GrantB58,
		"claimer":        req.ClaimerB58,
		"periodIndex":    fmt.Sprintf("%d", req.PeriodIndex),
		"auditHash":      anchor.EntryHash,
		"prevHash":       hex.EncodeToString(prev[:]),
		"streamPrevHash": hex.EncodeToString(streamPrev[:]),
		"entryHash":      entryHashHex,
		"issuedAt":       issuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("pop history marshal: %w", err)
	}

	// Both pointers advance together with the history record.
	writes := []store.Write{
		{Key: grantGlobalKey(req.GrantB58), Value: []byte(entryHashHex)},
		{Key: grantStreamKey(req.GrantB58), Value: []byte(entryHashHex)},
		{Key: historyKey, Value: payload},
	}
	if err := p.kv.Batch(ctx, writes); err != nil {
		return nil, fmt.Errorf("pop chain advance: %w", err)
	}

	message := buildMessage(grant, claimer, req.PeriodIndex, streamPrev, auditHash, entryHash)
	signature, err := p.signer.Sign(message)
	if err != nil {
		return nil, err
	}
	signerPub, err := p.signer.PublicKeyB58()
	if err != nil {
		return nil, err
	}

	p.logger.Info("pop proof issued",
		"event_id", req.EventID, "grant", req.GrantB58, "entry_hash", entryHashHex)

	return &Proof{
		MessageBase64:   base64.StdEncoding.EncodeToString(message),
		SignatureBase64: base64.StdEncoding.EncodeToString(signature),
		SignerPubkey:    signerPub,
		EntryHash:       entryHashHex,
		PrevHash:        hex.EncodeToString(prev[:]),
		StreamPrevHash:  hex.EncodeToString(streamPrev[:]),
		AuditHash:       anchor.EntryHash,
		Grant:           req.GrantB58,
		Claimer:         req.ClaimerB58,
		PeriodIndex:     fmt.Sprintf("%d", req.PeriodIndex),
		IssuedAt:        issuedAt,
	}, nil
}

// head reads a pop chain pointer as 32 raw bytes; Genesis maps to all zeros.
func (p *Prover) head(ctx context.Context, key string) ([32]byte, error) {
	var zero [32]byte
	raw, err := p.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return zero, nil
	}
	if err != nil {
		return zero, err
	}
	if string(raw) == audit.Genesis {
		return zero, nil
	}
	return hexTo32(string(raw))
}

func hexTo32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("pop: malformed 32-byte hex %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

// chainEntryHash computes the per-grant chain hash over the fixed preimage:
// domain ‖ prev ‖ streamPrev ‖ audit ‖ grant ‖ claimer ‖ periodIndex ‖ issuedAt.
func chainEntryHash(prev, streamPrev, auditHash [32]byte, grant, claimer []byte, periodIndex uint64, issuedAt int64) [32]byte {
	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write(prev[:])
	h.Write(streamPrev[:])
	h.Write(auditHash[:])
	h.Write(grant)
	h.Write(claimer)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], periodIndex)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(issuedAt))
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func buildMessage(grant, claimer []byte, periodIndex uint64, streamPrev, auditHash, entryHash [32]byte) []byte {
	msg := make([]byte, 0, MessageLength)
	msg = append(msg, MessageVersion)
	msg = append(msg, grant...)
	msg = append(msg, claimer...)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], periodIndex)
	msg = append(msg, buf[:]...)
	msg = append(msg, streamPrev[:]...)
	msg = append(msg, auditHash[:]...)
	msg = append(msg, entryHash[:]...)
	return msg
}
