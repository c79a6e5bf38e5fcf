package api

import (
	"net/http"
	"strconv"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/disclosure"
)

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// handleMasterAuditLogs serves GET /api/master/audit-logs.
func (s *Server) handleMasterAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.requireMaster(w, r) == nil {
		return
	}
	entries, err := s.chain.GetAuditLogs(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleMasterAuditIntegrity serves GET /api/master/audit-integrity.
// 200 when the window verifies, 409 with the full report otherwise.
func (s *Server) handleMasterAuditIntegrity(w http.ResponseWriter, r *http.Request) {
	if s.requireMaster(w, r) == nil {
		return
	}
	limit := queryInt(r, "limit", audit.VerifyLimitDefault)
	verifyImmutable := queryBool(r, "verifyImmutable")
	report, err := s.chain.VerifyIntegrity(r.Context(), limit, verifyImmutable)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// handleMasterAuditExport serves GET /api/master/audit-export with a
// self-verifying evidence bundle.
func (s *Server) handleMasterAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.requireMaster(w, r) == nil {
		return
	}
	bundle, err := s.chain.ExportBundle(r.Context(), queryInt(r, "limit", audit.HistoryPageSize))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// handleMasterTransfers serves GET /api/master/transfers with PII intact.
func (s *Server) handleMasterTransfers(w http.ResponseWriter, r *http.Request) {
	if s.requireMaster(w, r) == nil {
		return
	}
	transfers, err := s.disclose.ListTransfers(r.Context(), disclosure.RoleMaster,
		queryInt(r, "limit", disclosure.DefaultTransferLimit))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": transfers, "count": len(transfers)})
}

// handleMasterDisclosures serves GET /api/master/admin-disclosures.
func (s *Server) handleMasterDisclosures(w http.ResponseWriter, r *http.Request) {
	if s.requireMaster(w, r) == nil {
		return
	}
	graph, err := s.disclose.BuildDisclosures(r.Context(), disclosure.Options{
		IncludeRevoked: queryBool(r, "includeRevoked"),
		TransferLimit:  queryInt(r, "transferLimit", disclosure.DefaultTransferLimit),
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disclosures": graph, "count": len(graph)})
}

// handleMasterSearch serves GET /api/master/search?q=.
func (s *Server) handleMasterSearch(w http.ResponseWriter, r *http.Request) {
	if s.requireMaster(w, r) == nil {
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		WriteBadRequest(w, "q is required")
		return
	}
	hits, err := s.disclose.Search(r.Context(), query, disclosure.Options{
		IncludeRevoked: queryBool(r, "includeRevoked"),
		TransferLimit:  queryInt(r, "transferLimit", disclosure.DefaultTransferLimit),
	}, queryInt(r, "limit", 50))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits, "count": len(hits)})
}
