package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/drafts"
	"github.com/rhagen/kontor/internal/modules/ledger"
	"github.com/rhagen/kontor/internal/modules/splits"
)

// userID extracts the acting user from the X-User-ID header. Authentication
// itself lives outside this service; the header is filled by the gateway.
func userID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps the domain error taxonomy to HTTP statuses
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid state")
	case errors.Is(err, domain.ErrAlreadyLinked):
		respondError(w, http.StatusConflict, "already linked")
	case errors.Is(err, domain.ErrConflictingAssignment):
		respondError(w, http.StatusConflict, "conflicting assignment")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) withUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "missing or invalid X-User-ID header")
	}
	return uid, ok
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// handleImport handles POST /api/imports
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Statements []drafts.Statement `json:"statements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Statements) == 0 {
		respondError(w, http.StatusBadRequest, "no statements provided")
		return
	}

	created, err := s.importer.Import(uid, req.Statements)
	if err != nil {
		s.log.Error().Err(err).Msg("Import failed")
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{"drafts": created})
}

// handleListDrafts handles GET /api/drafts
func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}

	list, err := s.drafts.ListDrafts(uid)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list drafts")
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"drafts": list})
}

// handleGetDraft handles GET /api/drafts/{id}
func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid draft id")
		return
	}

	draft, err := s.drafts.GetDraft(uid, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	entries, err := s.drafts.ListEntries(uid, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"draft":   draft,
		"entries": entries,
	})
}

// handleCommitDraft handles POST /api/drafts/{id}/commit.
// A draft commits only when every entry reached its terminal state.
func (s *Server) handleCommitDraft(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid draft id")
		return
	}

	settled, err := s.drafts.AllEntriesSettled(uid, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !settled {
		respondError(w, http.StatusConflict, "draft still has entries that are neither booked nor excluded")
		return
	}

	if err := s.drafts.MarkCommitted(uid, id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

// handleExpireDraft handles POST /api/drafts/{id}/expire
func (s *Server) handleExpireDraft(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid draft id")
		return
	}

	if err := s.drafts.Expire(uid, id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "expired"})
}

// handleValidateDraft handles POST /api/drafts/{id}/validate
func (s *Server) handleValidateDraft(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid draft id")
		return
	}

	draft, err := s.drafts.GetDraft(uid, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	entries, err := s.drafts.ListEntries(uid, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	report, err := s.validator.ValidateDraft(uid, draft, entries)
	if err != nil {
		s.log.Error().Err(err).Int64("draft_id", id).Msg("Validation failed")
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"is_valid":     report.IsValid(),
		"has_warnings": report.HasWarnings(),
		"items":        report.Items,
	})
}

// handleBook handles POST /api/drafts/{id}/book.
// With entry_id set, books one entry; without, books every eligible entry.
func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid draft id")
		return
	}

	var req struct {
		EntryID       *int64 `json:"entry_id"`
		ForceWarnings bool   `json:"force_warnings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EntryID != nil {
		result, err := s.booking.BookEntry(uid, id, *req.EntryID, req.ForceWarnings)
		if err != nil {
			s.log.Error().Err(err).Int64("entry_id", *req.EntryID).Msg("Booking failed")
			respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
		return
	}

	results, err := s.booking.BookDraft(uid, id, req.ForceWarnings)
	if err != nil {
		s.log.Error().Err(err).Int64("draft_id", id).Msg("Draft booking failed")
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleAssignContact handles POST /api/entries/{id}/contact
func (s *Server) handleAssignContact(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	var req struct {
		ContactID int64 `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContactID <= 0 {
		respondError(w, http.StatusBadRequest, "contact_id required")
		return
	}

	// Resolvability check before assignment; owner mismatch reads as absent
	if _, err := s.directory.ContactByID(uid, req.ContactID); err != nil {
		respondDomainError(w, err)
		return
	}

	if err := s.drafts.AssignContact(uid, id, req.ContactID); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondEntry(w, uid, id)
}

// handleClearContact handles DELETE /api/entries/{id}/contact
func (s *Server) handleClearContact(w http.ResponseWriter, r *http.Request) {
	s.entryTransition(w, r, s.drafts.ClearContact)
}

// handleResetEntry handles POST /api/entries/{id}/reset
func (s *Server) handleResetEntry(w http.ResponseWriter, r *http.Request) {
	s.entryTransition(w, r, s.drafts.ResetOpen)
}

// handleExcludeEntry handles POST /api/entries/{id}/exclude
func (s *Server) handleExcludeEntry(w http.ResponseWriter, r *http.Request) {
	s.entryTransition(w, r, s.drafts.MarkExcluded)
}

// handleSetCostNeutral handles POST /api/entries/{id}/cost-neutral
func (s *Server) handleSetCostNeutral(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	var req struct {
		CostNeutral bool `json:"cost_neutral"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.drafts.SetCostNeutral(uid, id, req.CostNeutral); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondEntry(w, uid, id)
}

// handleAssignSavingsPlan handles POST /api/entries/{id}/savings-plan
func (s *Server) handleAssignSavingsPlan(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	var req struct {
		PlanID           int64 `json:"plan_id"`
		ArchiveOnBooking bool  `json:"archive_on_booking"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID <= 0 {
		respondError(w, http.StatusBadRequest, "plan_id required")
		return
	}

	if _, err := s.directory.SavingsPlanByID(uid, req.PlanID); err != nil {
		respondDomainError(w, err)
		return
	}

	if err := s.drafts.AssignSavingsPlan(uid, id, req.PlanID, req.ArchiveOnBooking); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondEntry(w, uid, id)
}

// handleClearSavingsPlan handles DELETE /api/entries/{id}/savings-plan
func (s *Server) handleClearSavingsPlan(w http.ResponseWriter, r *http.Request) {
	s.entryTransition(w, r, s.drafts.ClearSavingsPlan)
}

// handleAssignSecurity handles POST /api/entries/{id}/security
func (s *Server) handleAssignSecurity(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	var req struct {
		SecurityID int64  `json:"security_id"`
		TxnType    string `json:"txn_type"`
		Quantity   string `json:"quantity"`
		Fee        string `json:"fee"`
		Tax        string `json:"tax"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SecurityID <= 0 {
		respondError(w, http.StatusBadRequest, "security_id required")
		return
	}

	if _, err := s.directory.SecurityByID(uid, req.SecurityID); err != nil {
		respondDomainError(w, err)
		return
	}

	sec := domain.SecurityAssignment{
		SecurityID: req.SecurityID,
		TxnType:    domain.SecurityTxnType(req.TxnType),
	}
	var err2 error
	if sec.Quantity, err2 = parseDecimal(req.Quantity); err2 != nil {
		respondError(w, http.StatusBadRequest, "invalid quantity")
		return
	}
	if sec.Fee, err2 = parseDecimal(req.Fee); err2 != nil {
		respondError(w, http.StatusBadRequest, "invalid fee")
		return
	}
	if sec.Tax, err2 = parseDecimal(req.Tax); err2 != nil {
		respondError(w, http.StatusBadRequest, "invalid tax")
		return
	}

	if err := s.drafts.AssignSecurity(uid, id, sec); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondEntry(w, uid, id)
}

// handleClearSecurity handles DELETE /api/entries/{id}/security
func (s *Server) handleClearSecurity(w http.ResponseWriter, r *http.Request) {
	s.entryTransition(w, r, s.drafts.ClearSecurity)
}

// handleClassify handles POST /api/entries/{id}/classify.
// Returns a proposal only; applying it is a separate, explicit call.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	entry, err := s.drafts.GetEntry(uid, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	proposal, err := s.classifier.Propose(uid, entry)
	if err != nil {
		s.log.Error().Err(err).Int64("entry_id", id).Msg("Classification failed")
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": proposal})
}

// handleCreateSplit handles POST /api/entries/{id}/split
func (s *Server) handleCreateSplit(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	var req struct {
		Parts []struct {
			Amount  string `json:"amount"`
			Subject string `json:"subject"`
		} `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Parts) == 0 {
		respondError(w, http.StatusBadRequest, "parts required")
		return
	}

	parts := make([]splits.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid part amount")
			return
		}
		parts = append(parts, splits.Part{Amount: amount, Subject: p.Subject})
	}

	entry, err := s.drafts.GetEntry(uid, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	child, err := s.splits.CreateSplit(uid, entry.DraftID, id, parts)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"draft": child})
}

// handleClearSplit handles DELETE /api/entries/{id}/split
func (s *Server) handleClearSplit(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	if err := s.splits.ClearSplit(uid, id); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondEntry(w, uid, id)
}

// handleAggregateSeries handles GET /api/aggregates/series
func (s *Server) handleAggregateSeries(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := ledger.SeriesFilter{
		Kind:   domain.PostingKind(q.Get("kind")),
		Period: domain.Period(q.Get("period")),
		Basis:  domain.DateBasis(q.Get("basis")),
	}
	if filter.Period == "" {
		filter.Period = domain.PeriodMonth
	}
	if filter.Basis == "" {
		filter.Basis = domain.BasisBooking
	}
	if dimStr := q.Get("dimension_id"); dimStr != "" {
		dim, err := strconv.ParseInt(dimStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid dimension_id")
			return
		}
		filter.DimensionID = &dim
	}

	series, err := s.aggregates.Series(uid, filter)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to query aggregate series")
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"series": series})
}

// handleRebuild handles POST /api/aggregates/rebuild
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}

	job, err := s.runner.EnqueueRebuild(uid)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// handleGetJob handles GET /api/jobs/{id}.
// Another user's job reads as not found, like every other owned resource.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}

	job, ok := s.runner.JobByID(chi.URLParam(r, "id"))
	if !ok || job.UserID != uid {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleCancelJob handles POST /api/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}

	job, ok := s.runner.JobByID(chi.URLParam(r, "id"))
	if !ok || job.UserID != uid {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	if !s.runner.Cancel(job.ID) {
		respondError(w, http.StatusNotFound, "job already finished")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// entryTransition runs a simple userID+entryID transition and responds with
// the updated entry.
func (s *Server) entryTransition(w http.ResponseWriter, r *http.Request, fn func(int64, int64) error) {
	uid, ok := s.withUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	if err := fn(uid, id); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondEntry(w, uid, id)
}

func (s *Server) respondEntry(w http.ResponseWriter, uid, entryID int64) {
	entry, err := s.drafts.GetEntry(uid, entryID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entry": entry})
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
