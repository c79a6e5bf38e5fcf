package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wene-labs/ledger/pkg/api"
	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/config"
	"github.com/wene-labs/ledger/pkg/disclosure"
	"github.com/wene-labs/ledger/pkg/identity"
	"github.com/wene-labs/ledger/pkg/pop"
	"github.com/wene-labs/ledger/pkg/receipt"
	"github.com/wene-labs/ledger/pkg/sink"
	"github.com/wene-labs/ledger/pkg/store"
)

const masterPassword = "master-secret"

// brokenObjects is bound so required mode passes the preflight, then fails the
// actual fan-out.
type brokenObjects struct{}

func (brokenObjects) PutIfAbsent(context.Context, string, []byte, map[string]string) (bool, []byte, error) {
	return false, nil, errors.New("bucket unavailable")
}

func (brokenObjects) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket unavailable")
}

type serverFixture struct {
	router http.Handler
	chain  *audit.Chain
	events *claims.Store
	users  *claims.Registrar
}

func newServerFixture(t *testing.T, opts sink.Options) *serverFixture {
	t.Helper()
	kv := store.NewMemoryKV()
	n := 0
	clock := func() time.Time {
		n++
		return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Millisecond)
	}

	chain := audit.NewChain(kv, sink.New(opts)).WithClock(clock)
	events := claims.NewStore(kv, nil).WithClock(clock)
	users := claims.NewRegistrar(kv).WithClock(clock)
	codes := receipt.NewCodeReserver(kv, 0)
	receipts := receipt.NewService(kv, chain, codes, "/api/audit/receipts/verify").WithClock(clock)
	ident := identity.NewService(kv, identity.Config{MasterPassword: masterPassword})
	prover := pop.NewProver(kv, chain, events, pop.NewSigner(pop.SignerConfig{})).WithClock(clock)
	disclose := disclosure.NewService(chain, events, ident, nil)

	cfg := &config.Config{
		AdminPassword: masterPassword,
		CORSOrigin:    "https://app.example.com",
	}
	server := api.NewServer(api.Deps{
		Config:     cfg,
		KV:         kv,
		Chain:      chain,
		Events:     events,
		Users:      users,
		Receipts:   receipts,
		Prover:     prover,
		Identity:   ident,
		Disclosure: disclose,
	}).WithClock(clock)

	return &serverFixture{router: server.Router(), chain: chain, events: events, users: users}
}

func (f *serverFixture) publishedEvent(t *testing.T) *claims.Event {
	t.Helper()
	ev, err := f.events.CreateEvent(context.Background(), claims.Event{
		Title: "Autumn Fair",
		State: claims.EventStatePublished,
	}, claims.OwnerLink{AdminID: "master", Source: "master"})
	require.NoError(t, err)
	return ev
}

func (f *serverFixture) do(method, path string, body any, bearer string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSchoolClaim_EndToEnd(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeOff})
	ev := f.publishedEvent(t)

	rec := f.do(http.MethodPost, "/v1/school/claims",
		map[string]string{"eventId": ev.ID, "walletAddress": "WalletPubkey111"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result api.SchoolClaimResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.OK)
	assert.False(t, result.AlreadyJoined)
	assert.True(t, receipt.ValidCode(result.ConfirmationCode))
	require.NotNil(t, result.Receipt)
	assert.Equal(t, ev.ID, result.Receipt.Audit.EventID)

	// Both the claim entry and the API dispatch entry landed on the chain.
	entries, err := f.chain.RecentEntries(context.Background(), 0)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Event] = true
	}
	assert.True(t, names["WALLET_CLAIM"])
	assert.True(t, names["API_POST_V1_SCHOOL_CLAIMS"])
}

func TestSchoolClaim_RepeatReturnsStoredReceipt(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeOff})
	one := 1
	ev, err := f.events.CreateEvent(context.Background(), claims.Event{
		Title:                "Limited",
		State:                claims.EventStatePublished,
		MaxClaimsPerInterval: &one,
	}, claims.OwnerLink{AdminID: "master", Source: "master"})
	require.NoError(t, err)

	body := map[string]string{"eventId": ev.ID, "walletAddress": "WalletPubkey111"}
	first := f.do(http.MethodPost, "/v1/school/claims", body, "")
	require.Equal(t, http.StatusOK, first.Code)
	var firstResult api.SchoolClaimResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResult))

	second := f.do(http.MethodPost, "/v1/school/claims", body, "")
	require.Equal(t, http.StatusOK, second.Code)
	var secondResult api.SchoolClaimResult
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResult))
	assert.True(t, secondResult.AlreadyJoined)
	assert.Equal(t, firstResult.ConfirmationCode, secondResult.ConfirmationCode)
	require.NotNil(t, secondResult.Receipt)
	assert.Equal(t, firstResult.Receipt.ReceiptID, secondResult.Receipt.ReceiptID)
}

// Required mode with no sink bound: mutating routes are refused up front and
// nothing reaches the chain or the stores.
func TestDispatch_FailClosedPreflight(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeRequired})
	ev := f.publishedEvent(t)

	rec := f.do(http.MethodPost, "/v1/school/claims",
		map[string]string{"eventId": ev.ID, "walletAddress": "WalletPubkey111"}, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "immutable audit sink is not operational", problem.Detail)

	head, err := f.chain.GlobalHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audit.Genesis, head)

	claimed, err := f.events.HasClaimed(context.Background(), ev.ID, "WalletPubkey111")
	require.NoError(t, err)
	assert.False(t, claimed)
}

// Admin login stays reachable during a sink outage so operators can recover.
func TestDispatch_LoginExemptFromPreflight(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeRequired})

	rec := f.do(http.MethodPost, "/api/admin/login",
		map[string]string{"password": masterPassword}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var op identity.Operator
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	assert.Equal(t, "master", op.AdminID)
}

// Reads pass in required mode even when the sink is down; the failed audit
// append is warn-only for non-mutating routes.
func TestDispatch_ReadsSurviveSinkOutage(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeRequired})
	ev := f.publishedEvent(t)

	rec := f.do(http.MethodGet, "/v1/school/events/"+ev.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got claims.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, ev.ID, got.ID)
}

// A sink bound but failing: the handler's buffered success is discarded and
// replaced by the audit persistence failure.
func TestDispatch_AppendFailureReplacesResponse(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeRequired, Objects: brokenObjects{}})
	ev := f.publishedEvent(t)

	rec := f.do(http.MethodPost, "/v1/school/claims",
		map[string]string{"eventId": ev.ID, "walletAddress": "WalletPubkey111"}, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "audit log persistence failed", body["error"])
	assert.NotEmpty(t, body["detail"])
}

func TestMasterRoutes_RequireMasterRole(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeOff})

	rec := f.do(http.MethodGet, "/api/master/audit-logs", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/master/audit-logs", nil, masterPassword)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserClaim_EndToEnd(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeOff})
	ev := f.publishedEvent(t)

	rec := f.do(http.MethodPost, "/api/users/register",
		map[string]string{"userId": "alice", "displayName": "Alice", "pin": "1234"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, fmt.Sprintf("/api/events/%s/claim", ev.ID),
		map[string]string{"userId": "alice", "pin": "9999"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, fmt.Sprintf("/api/events/%s/claim", ev.ID),
		map[string]string{"userId": "alice", "pin": "1234"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status           string `json:"status"`
		ConfirmationCode string `json:"confirmationCode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "created", resp.Status)
	assert.True(t, receipt.ValidCode(resp.ConfirmationCode))

	rec = f.do(http.MethodPost, "/api/events/missing/claim",
		map[string]string{"userId": "alice", "pin": "1234"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatch_AuditDataRedactsBody(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeOff})

	rec := f.do(http.MethodPost, "/api/users/register",
		map[string]string{"userId": "alice", "displayName": "Alice", "pin": "1234"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	entries, err := f.chain.RecentEntries(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, ok := entries[0].Data.(map[string]any)
	require.True(t, ok)
	body, ok := data["requestBody"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", body["pin"])
	assert.Equal(t, "alice", body["userId"])
}

func TestCORS_PreflightAndHeaders(t *testing.T) {
	f := newServerFixture(t, sink.Options{Mode: sink.ModeOff})

	req := httptest.NewRequest(http.MethodOptions, "/v1/school/claims", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}
