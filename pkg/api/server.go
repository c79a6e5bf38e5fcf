package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/config"
	"github.com/wene-labs/ledger/pkg/disclosure"
	"github.com/wene-labs/ledger/pkg/identity"
	"github.com/wene-labs/ledger/pkg/pop"
	"github.com/wene-labs/ledger/pkg/receipt"
	"github.com/wene-labs/ledger/pkg/store"
)

// Server carries every shard service the handlers touch.
type Server struct {
	cfg        *config.Config
	kv         store.KV
	chain      *audit.Chain
	events     *claims.Store
	users      *claims.Registrar
	receipts   *receipt.Service
	prover     *pop.Prover
	identity   *identity.Service
	disclose   *disclosure.Service
	limiter    *RateLimiter
	enforcePop bool
	logger     *slog.Logger
	now        func() time.Time
}

// Deps bundles the constructor arguments.
type Deps struct {
	Config     *config.Config
	KV         store.KV
	Chain      *audit.Chain
	Events     *claims.Store
	Users      *claims.Registrar
	Receipts   *receipt.Service
	Prover     *pop.Prover
	Identity   *identity.Service
	Disclosure *disclosure.Service
}

// NewServer builds the HTTP surface over the shard services.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:        deps.Config,
		kv:         deps.KV,
		chain:      deps.Chain,
		events:     deps.Events,
		users:      deps.Users,
		receipts:   deps.Receipts,
		prover:     deps.Prover,
		identity:   deps.Identity,
		disclose:   deps.Disclosure,
		limiter:    NewRateLimiter(25, 50),
		enforcePop: deps.Config.EnforceOnchainPop,
		logger:     slog.Default().With("component", "api"),
		now:        time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Router assembles the full route table behind CORS and rate limiting.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// School surface.
	r.HandleFunc("/v1/school/events", s.withAudit(s.handleListEvents)).Methods(http.MethodGet)
	r.HandleFunc("/v1/school/events", s.withAudit(s.handleCreateEvent)).Methods(http.MethodPost)
	r.HandleFunc("/v1/school/events/{eventId}", s.withAudit(s.handleGetEvent)).Methods(http.MethodGet)
	r.HandleFunc("/v1/school/events/{eventId}/state", s.withAudit(s.handleUpdateEventState)).Methods(http.MethodPost)
	r.HandleFunc("/v1/school/events/{eventId}/claimants", s.withAudit(s.handleClaimants)).Methods(http.MethodGet)
	r.HandleFunc("/v1/school/claims", s.withAudit(s.handleSchoolClaim)).Methods(http.MethodPost)
	r.HandleFunc("/v1/school/pop-proof", s.withAudit(s.handlePopProof)).Methods(http.MethodPost)
	r.HandleFunc("/v1/school/pop-status", s.withAudit(s.handlePopStatus)).Methods(http.MethodGet)
	r.HandleFunc("/v1/school/audit-status", s.withAudit(s.handleAuditStatus)).Methods(http.MethodGet)
	r.HandleFunc("/v1/school/runtime-status", s.withAudit(s.handleRuntimeStatus)).Methods(http.MethodGet)

	// Token metadata.
	r.HandleFunc("/metadata/{mint}.json", s.withAudit(s.handleMetadata)).Methods(http.MethodGet)

	// Participant surface.
	r.HandleFunc("/api/users/register", s.withAudit(s.handleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/verify", s.withAudit(s.handleAuthVerify)).Methods(http.MethodPost)
	r.HandleFunc("/api/events/{eventId}/claim", s.withAudit(s.handleUserClaim)).Methods(http.MethodPost)

	// Receipt verification.
	r.HandleFunc("/api/audit/receipts/verify", s.withAudit(s.handleVerifyReceipt)).Methods(http.MethodPost)
	r.HandleFunc("/api/audit/receipts/verify-code", s.withAudit(s.handleVerifyCode)).Methods(http.MethodPost)

	// Admin surface.
	r.HandleFunc("/api/admin/login", s.withAudit(s.handleAdminLogin)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/invite", s.withAudit(s.handleAdminInvite)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/rename", s.withAudit(s.handleAdminRename)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/revoke", s.withAudit(s.handleAdminRevoke)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/invites", s.withAudit(s.handleAdminInvites)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/transfers", s.withAudit(s.handleAdminTransfers)).Methods(http.MethodGet)

	// Master oversight surface.
	r.HandleFunc("/api/master/audit-logs", s.withAudit(s.handleMasterAuditLogs)).Methods(http.MethodGet)
	r.HandleFunc("/api/master/audit-integrity", s.withAudit(s.handleMasterAuditIntegrity)).Methods(http.MethodGet)
	r.HandleFunc("/api/master/audit-export", s.withAudit(s.handleMasterAuditExport)).Methods(http.MethodGet)
	r.HandleFunc("/api/master/transfers", s.withAudit(s.handleMasterTransfers)).Methods(http.MethodGet)
	r.HandleFunc("/api/master/admin-disclosures", s.withAudit(s.handleMasterDisclosures)).Methods(http.MethodGet)
	r.HandleFunc("/api/master/search", s.withAudit(s.handleMasterSearch)).Methods(http.MethodGet)

	return s.corsMiddleware(s.limiter.Middleware(r))
}

// operator authenticates the request's bearer token.
func (s *Server) operator(r *http.Request) (*identity.Operator, error) {
	return s.identity.Authenticate(r.Context(), bearerToken(r))
}

// requireMaster authenticates and demands the master role.
func (s *Server) requireMaster(w http.ResponseWriter, r *http.Request) *identity.Operator {
	op, err := s.operator(r)
	if err != nil {
		WriteUnauthorized(w, "")
		return nil
	}
	if !op.IsMaster() {
		WriteForbidden(w, "master role required")
		return nil
	}
	return op
}

// requireOperator authenticates any admin role.
func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request) *identity.Operator {
	op, err := s.operator(r)
	if err != nil {
		WriteUnauthorized(w, "")
		return nil
	}
	return op
}
