package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wene-labs/ledger/pkg/receipt"
)

// handleVerifyReceipt serves POST /api/audit/receipts/verify with a full
// receipt document in the body. 200 when every check passes, 409 otherwise.
func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "unable to read request body")
		return
	}
	parsed, err := receipt.ParseStrict(raw)
	if err != nil {
		if errors.Is(err, receipt.ErrMalformedReceipt) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"ok":     false,
				"issues": []string{err.Error()},
			})
			return
		}
		WriteInternal(w, err)
		return
	}
	s.verifyAndRespond(w, r, parsed)
}

// handleVerifyCode serves POST /api/audit/receipts/verify-code, resolving the
// stored receipt by (eventId, confirmationCode) before verification.
func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID          string `json:"eventId"`
		ConfirmationCode string `json:"confirmationCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if body.EventID == "" || body.ConfirmationCode == "" {
		WriteBadRequest(w, "eventId and confirmationCode are required")
		return
	}
	stored, err := s.receipts.GetByCode(r.Context(), body.EventID, body.ConfirmationCode)
	if err != nil {
		if errors.Is(err, receipt.ErrReceiptNotFound) {
			WriteNotFound(w, "no receipt for confirmation code")
			return
		}
		WriteInternal(w, err)
		return
	}
	s.verifyAndRespond(w, r, stored)
}

func (s *Server) verifyAndRespond(w http.ResponseWriter, r *http.Request, parsed *receipt.ParticipationReceipt) {
	result, err := s.receipts.Verify(r.Context(), parsed)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}
