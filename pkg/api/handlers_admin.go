package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wene-labs/ledger/pkg/disclosure"
	"github.com/wene-labs/ledger/pkg/identity"
)

// handleAdminLogin serves POST /api/admin/login.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	op, err := s.identity.Authenticate(r.Context(), body.Password)
	if err != nil {
		WriteUnauthorized(w, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// handleAdminInvite serves POST /api/admin/invite; master only.
func (s *Server) handleAdminInvite(w http.ResponseWriter, r *http.Request) {
	if s.requireMaster(w, r) == nil {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if body.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}
	token, record, err := s.identity.CreateInvite(r.Context(), body.Name)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"adminId": record.AdminID,
		"name":    record.Name,
	})
}

// handleAdminRename serves POST /api/admin/rename; master only.
func (s *Server) handleAdminRename(w http.ResponseWriter, r *http.Request) {
	if s.requireMaster(w, r) == nil {
		return
	}
	var body struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if body.Token == "" || body.Name == "" {
		WriteBadRequest(w, "token and name are required")
		return
	}
	record, err := s.identity.RenameInvite(r.Context(), body.Token, body.Name)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			WriteNotFound(w, "invite not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleAdminRevoke serves POST /api/admin/revoke; master only. The record
// stays readable forever.
func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	op := s.requireMaster(w, r)
	if op == nil {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if body.Token == "" {
		WriteBadRequest(w, "token is required")
		return
	}
	record, err := s.identity.RevokeInvite(r.Context(), body.Token, op.AdminID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			WriteNotFound(w, "invite not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleAdminInvites serves GET /api/admin/invites. Master sees every record;
// an invited admin sees only their own.
func (s *Server) handleAdminInvites(w http.ResponseWriter, r *http.Request) {
	op := s.requireOperator(w, r)
	if op == nil {
		return
	}
	invites, err := s.identity.ListInvites(r.Context(), true)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !op.IsMaster() {
		own := invites[:0]
		for _, inv := range invites {
			if inv.Record.AdminID == op.AdminID {
				own = append(own, inv)
			}
		}
		invites = own
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites, "count": len(invites)})
}

// handleAdminTransfers serves GET /api/admin/transfers: the PII-stripped
// transfer view limited to the operator's own events.
func (s *Server) handleAdminTransfers(w http.ResponseWriter, r *http.Request) {
	op := s.requireOperator(w, r)
	if op == nil {
		return
	}
	role := disclosure.RoleAdmin
	if op.IsMaster() {
		role = disclosure.RoleMaster
	}
	transfers, err := s.disclose.ListTransfers(r.Context(), role, queryInt(r, "limit", disclosure.DefaultTransferLimit))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !op.IsMaster() {
		owned, err := s.events.OwnedEventIDs(r.Context(), op.AdminID)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		ownedSet := map[string]bool{}
		for _, id := range owned {
			ownedSet[id] = true
		}
		filtered := transfers[:0]
		for _, t := range transfers {
			if ownedSet[t.EventID] {
				filtered = append(filtered, t)
			}
		}
		transfers = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": transfers, "count": len(transfers)})
}
