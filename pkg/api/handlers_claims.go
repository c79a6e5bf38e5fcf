package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/receipt"
)

// SchoolClaimResult is the folded claim response; errors never cross this
// boundary as HTTP failures.
type SchoolClaimResult struct {
	OK               bool                          `json:"ok"`
	AlreadyJoined    bool                          `json:"alreadyJoined"`
	ConfirmationCode string                        `json:"confirmationCode,omitempty"`
	FailureKind      string                        `json:"failureKind,omitempty"`
	Message          string                        `json:"message,omitempty"`
	Receipt          *receipt.ParticipationReceipt `json:"receipt,omitempty"`
}

// runClaim executes the full claim pipeline: reserve a confirmation code,
// submit the claim, audit the mutation and issue the receipt. Reserved codes
// are released on every path that does not store them.
func (s *Server) runClaim(ctx context.Context, req claims.SubmitRequest, auditEvent string, actor audit.Actor, extra map[string]any) SchoolClaimResult {
	subject := claims.NormalizeSubject(req.WalletAddress)
	if subject == "" {
		subject = claims.NormalizeSubject(req.JoinToken)
	}

	var code string
	if subject != "" {
		var err error
		code, err = s.receipts.Codes.Reserve(ctx, req.EventID, subject)
		if err != nil {
			return SchoolClaimResult{FailureKind: claims.FailureRetryable, Message: err.Error()}
		}
	}
	release := func() {
		if code != "" {
			if err := s.receipts.Codes.Release(ctx, code, req.EventID, subject); err != nil {
				s.logger.Warn("confirmation code release failed", "code_event", req.EventID, "error", err)
			}
		}
	}

	req.ConfirmationCode = code
	outcome, err := s.events.SubmitClaim(ctx, req)
	if err != nil {
		release()
		return SchoolClaimResult{FailureKind: claims.FailureRetryable, Message: "claim could not be processed"}
	}
	if !outcome.OK {
		release()
		return SchoolClaimResult{FailureKind: outcome.FailureKind, Message: outcome.Message}
	}

	if outcome.AlreadyJoined {
		release()
		result := SchoolClaimResult{OK: true, AlreadyJoined: true, ConfirmationCode: outcome.ConfirmationCode}
		if stored, err := s.receipts.GetBySubject(ctx, req.EventID, outcome.Subject); err == nil {
			result.Receipt = stored
			result.ConfirmationCode = stored.ConfirmationCode
		}
		if result.ConfirmationCode != "" {
			if err := s.receipts.Codes.EnsureIndexed(ctx, result.ConfirmationCode, req.EventID, outcome.Subject); err != nil {
				s.logger.Warn("confirmation code reindex failed", "error", err)
			}
		}
		return result
	}

	ev, err := s.events.GetEvent(ctx, req.EventID)
	if err != nil {
		release()
		return SchoolClaimResult{FailureKind: claims.FailureRetryable, Message: "claim could not be processed"}
	}

	data := map[string]any{
		"eventId":           req.EventID,
		"confirmationCode":  code,
		"solanaMint":        ev.SolanaMint,
		"solanaAuthority":   ev.SolanaAuthority,
		"ticketTokenAmount": ev.TicketTokenAmount,
	}
	if req.WalletAddress != "" {
		data["walletAddress"] = outcome.Subject
	} else if req.JoinToken != "" {
		data["joinToken"] = outcome.Subject
	}
	for k, v := range extra {
		data[k] = v
	}

	entry, err := s.chain.Append(ctx, auditEvent, actor, data, req.EventID)
	if err != nil {
		release()
		return SchoolClaimResult{FailureKind: claims.FailureRetryable, Message: "audit persistence failed"}
	}

	built, err := s.receipts.Build(entry, req.EventID, outcome.Subject, code)
	if err != nil {
		release()
		return SchoolClaimResult{FailureKind: claims.FailureRetryable, Message: "receipt construction failed"}
	}
	if err := s.receipts.Persist(ctx, built, outcome.Subject); err != nil {
		release()
		return SchoolClaimResult{FailureKind: claims.FailureRetryable, Message: "receipt persistence failed"}
	}

	return SchoolClaimResult{OK: true, ConfirmationCode: code, Receipt: built}
}

// handleSchoolClaim serves POST /v1/school/claims for wallet and join-token
// subjects. Always 200 with a folded result.
func (s *Server) handleSchoolClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID       string `json:"eventId"`
		WalletAddress string `json:"walletAddress"`
		JoinToken     string `json:"joinToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusOK, SchoolClaimResult{
			FailureKind: claims.FailureInvalid, Message: "request body is not valid JSON",
		})
		return
	}

	auditEvent := "WALLET_CLAIM"
	actorID := MaskWallet(claims.NormalizeSubject(body.WalletAddress))
	if claims.NormalizeSubject(body.WalletAddress) == "" {
		auditEvent = "USER_CLAIM"
		actorID = "anonymous"
	}
	result := s.runClaim(r.Context(), claims.SubmitRequest{
		EventID:       body.EventID,
		WalletAddress: body.WalletAddress,
		JoinToken:     body.JoinToken,
	}, auditEvent, audit.Actor{Type: "wallet", ID: actorID}, nil)
	writeJSON(w, http.StatusOK, result)
}

// handleUserClaim serves POST /api/events/{eventId}/claim for registered
// participants authenticated by userId + pin.
func (s *Server) handleUserClaim(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventId"]
	var body struct {
		UserID string `json:"userId"`
		Pin    string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	user, err := s.users.VerifyPin(r.Context(), body.UserID, body.Pin)
	if err != nil {
		if errors.Is(err, claims.ErrInvalidCredentials) {
			WriteUnauthorized(w, "invalid userId or pin")
			return
		}
		WriteInternal(w, err)
		return
	}

	result := s.runClaim(r.Context(), claims.SubmitRequest{
		EventID:   eventID,
		JoinToken: user.UserID,
	}, "USER_CLAIM", audit.Actor{Type: "user", ID: user.UserID},
		map[string]any{"userId": user.UserID})

	switch result.FailureKind {
	case "":
	case claims.FailureNotFound:
		WriteNotFound(w, "event not found")
		return
	case claims.FailureInvalid, claims.FailureWalletRequired:
		WriteBadRequest(w, result.Message)
		return
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "failed",
			"kind":    result.FailureKind,
			"message": result.Message,
		})
		return
	}

	status := "created"
	if result.AlreadyJoined {
		status = "already"
	}
	resp := map[string]any{
		"status":           status,
		"confirmationCode": result.ConfirmationCode,
	}
	if result.Receipt != nil {
		resp["ticketReceipt"] = result.Receipt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRegister serves POST /api/users/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
		Pin         string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	user, err := s.users.Register(r.Context(), body.UserID, body.DisplayName, body.Pin)
	if err != nil {
		switch {
		case errors.Is(err, claims.ErrDuplicateUser):
			WriteConflict(w, "userId already registered")
		case errors.Is(err, claims.ErrInvalidEvent) || errors.Is(err, claims.ErrInvalidCredentials):
			WriteBadRequest(w, err.Error())
		default:
			WriteBadRequest(w, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":      user.UserID,
		"displayName": user.DisplayName,
		"createdAt":   user.CreatedAt,
	})
}

// handleAuthVerify serves POST /api/auth/verify.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
		Pin    string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	user, err := s.users.VerifyPin(r.Context(), body.UserID, body.Pin)
	if err != nil {
		WriteUnauthorized(w, "invalid userId or pin")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"userId":      user.UserID,
		"displayName": user.DisplayName,
	})
}
