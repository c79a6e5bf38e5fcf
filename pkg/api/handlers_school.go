package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/mr-tron/base58"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/config"
	"github.com/wene-labs/ledger/pkg/identity"
	"github.com/wene-labs/ledger/pkg/pop"
)

// handleListEvents serves GET /v1/school/events, optionally scoped to the
// operator's own events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	op := s.requireOperator(w, r)
	if op == nil {
		return
	}
	events, err := s.events.GetEvents(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if r.URL.Query().Get("scope") == "mine" && !op.IsMaster() {
		owned, err := s.events.OwnedEventIDs(r.Context(), op.AdminID)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		ownedSet := map[string]bool{}
		for _, id := range owned {
			ownedSet[id] = true
		}
		filtered := events[:0]
		for _, ev := range events {
			if ownedSet[ev.ID] {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleCreateEvent serves POST /v1/school/events.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	op := s.requireOperator(w, r)
	if op == nil {
		return
	}
	var generic any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if err := validateEventBody(generic); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	var ev claims.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		WriteBadRequest(w, "request body does not describe an event")
		return
	}

	created, err := s.events.CreateEvent(r.Context(), ev, claims.OwnerLink{
		AdminID: op.AdminID,
		Name:    op.Name,
		Source:  op.Source,
	})
	if err != nil {
		switch {
		case errors.Is(err, claims.ErrDuplicateOnChain):
			WriteConflict(w, "on-chain triple already bound to another event")
		case errors.Is(err, claims.ErrInvalidEvent):
			WriteBadRequest(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleGetEvent serves GET /v1/school/events/{eventId}; public.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.GetEvent(r.Context(), mux.Vars(r)["eventId"])
	if errors.Is(err, claims.ErrEventNotFound) {
		WriteNotFound(w, "event not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleUpdateEventState serves POST /v1/school/events/{eventId}/state.
func (s *Server) handleUpdateEventState(w http.ResponseWriter, r *http.Request) {
	op := s.requireOperator(w, r)
	if op == nil {
		return
	}
	eventID := mux.Vars(r)["eventId"]
	if !s.canAccessEvent(w, r, op, eventID) {
		return
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	ev, err := s.events.UpdateEventState(r.Context(), eventID, body.State)
	if err != nil {
		switch {
		case errors.Is(err, claims.ErrEventNotFound):
			WriteNotFound(w, "event not found")
		case errors.Is(err, claims.ErrInvalidTransition):
			WriteConflict(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleClaimants serves GET /v1/school/events/{eventId}/claimants for the
// owning admin or master.
func (s *Server) handleClaimants(w http.ResponseWriter, r *http.Request) {
	op := s.requireOperator(w, r)
	if op == nil {
		return
	}
	eventID := mux.Vars(r)["eventId"]
	if _, err := s.events.GetEvent(r.Context(), eventID); errors.Is(err, claims.ErrEventNotFound) {
		WriteNotFound(w, "event not found")
		return
	} else if err != nil {
		WriteInternal(w, err)
		return
	}
	if !s.canAccessEvent(w, r, op, eventID) {
		return
	}
	claimants, err := s.events.GetClaimants(r.Context(), eventID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimants": claimants, "count": len(claimants)})
}

// canAccessEvent enforces per-event admin ownership; master passes.
func (s *Server) canAccessEvent(w http.ResponseWriter, r *http.Request, op *identity.Operator, eventID string) bool {
	if op.IsMaster() {
		return true
	}
	link, err := s.events.GetOwner(r.Context(), eventID)
	if err != nil {
		WriteInternal(w, err)
		return false
	}
	if link == nil || link.AdminID != op.AdminID {
		WriteForbidden(w, "event belongs to another admin")
		return false
	}
	return true
}

// handlePopProof serves POST /v1/school/pop-proof.
func (s *Server) handlePopProof(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID          string `json:"eventId"`
		ConfirmationCode string `json:"confirmationCode"`
		Grant            string `json:"grant"`
		Claimer          string `json:"claimer"`
		PeriodIndex      string `json:"periodIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if body.EventID == "" || body.Grant == "" || body.Claimer == "" {
		WriteBadRequest(w, "eventId, grant and claimer are required")
		return
	}
	periodIndex, err := strconv.ParseUint(strings.TrimSpace(body.PeriodIndex), 10, 64)
	if err != nil {
		WriteBadRequest(w, "periodIndex must be an unsigned integer")
		return
	}
	if body.ConfirmationCode != "" {
		if _, err := s.receipts.GetByCode(r.Context(), body.EventID, body.ConfirmationCode); err != nil {
			WriteNotFound(w, "no receipt for confirmation code")
			return
		}
	}

	proof, err := s.prover.IssueProof(r.Context(), pop.ProofRequest{
		EventID:     body.EventID,
		GrantB58:    body.Grant,
		ClaimerB58:  body.Claimer,
		PeriodIndex: periodIndex,
	})
	if err != nil {
		switch {
		case errors.Is(err, pop.ErrEventNotFound):
			WriteNotFound(w, "event not found")
		case errors.Is(err, pop.ErrEventNotEligible):
			WriteBadRequest(w, "event is not published")
		case errors.Is(err, pop.ErrNotConfigured), errors.Is(err, pop.ErrKeyMismatch):
			WriteError(w, http.StatusInternalServerError, "Internal Server Error", "PoP configuration error")
		case strings.Contains(err.Error(), "invalid"):
			WriteBadRequest(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// handlePopStatus serves GET /v1/school/pop-status.
func (s *Server) handlePopStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"enforced":   s.enforcePop,
		"configured": s.prover.Signer().Configured(),
	}
	if s.prover.Signer().Configured() {
		if pub, err := s.prover.Signer().PublicKeyB58(); err != nil {
			status["error"] = err.Error()
		} else {
			status["signerPubkey"] = pub
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAuditStatus serves GET /v1/school/audit-status.
func (s *Server) handleAuditStatus(w http.ResponseWriter, r *http.Request) {
	fanout := s.chain.Fanout()
	head, err := s.chain.GlobalHead(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":                   string(fanout.Mode()),
		"primarySinkConfigured":  fanout.PrimaryConfigured(),
		"objectStoreBound":       fanout.ObjectsBound(),
		"globalHead":             head,
	})
}

// handleRuntimeStatus serves GET /v1/school/runtime-status.
func (s *Server) handleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	signer := s.prover.Signer()
	in := config.StatusInput{
		AdminPasswordConfigured: s.identity.Config().MasterEnabled(),
		PopEnforced:             s.enforcePop,
		PopSignerConfigured:     signer.Configured(),
		AuditMode:               string(s.chain.Fanout().Mode()),
		AuditPrimaryConfigured:  s.chain.Fanout().PrimaryConfigured(),
		AuditOperationalReady:   s.chain.Fanout().PrimaryConfigured(),
		CORSOrigin:              s.cfg.CORSOrigin,
		CORSConfigured:          s.cfg.CORSConfigured(),
		CheckedAt:               audit.Timestamp(s.now()),
	}
	if signer.Configured() {
		if pub, err := signer.PublicKeyB58(); err != nil {
			in.PopSignerError = err.Error()
		} else {
			in.PopSignerPubkey = pub
		}
	}
	writeJSON(w, http.StatusOK, config.BuildRuntimeStatus(in))
}

// handleMetadata serves GET /metadata/{mint}.json with SPL-style token
// metadata for the event bound to the mint.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	if len(mint) < 32 || len(mint) > 44 {
		WriteBadRequest(w, "mint must be a base58 string of 32-44 characters")
		return
	}
	if _, err := base58.Decode(mint); err != nil {
		WriteBadRequest(w, "mint is not valid base58")
		return
	}

	name := "Participation Ticket"
	symbol := "TICKET"
	description := "Proof of participation ticket"
	events, err := s.events.GetEvents(r.Context())
	if err == nil {
		for _, ev := range events {
			if ev.SolanaMint == mint {
				name = ev.Title
				description = fmt.Sprintf("Participation ticket for %s", ev.Title)
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        name,
		"symbol":      symbol,
		"description": description,
		"attributes":  []any{},
	})
}
