package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jamesenki/shadowcore/internal/history"
	"github.com/jamesenki/shadowcore/internal/shadow"
)

// createShadowRequest is the body for POST /shadows.
type createShadowRequest struct {
	DeviceID string          `json:"device_id"`
	Reported shadow.StateMap `json:"reported,omitempty"`
	Desired  shadow.StateMap `json:"desired,omitempty"`
}

// updateShadowRequest is the body for PATCH /shadows/{id}.
//
// ExpectedVersion of zero means unconditional: the store re-reads and
// retries on concurrent writes. A non-zero value is compare-and-set and
// fails with 409 on mismatch.
type updateShadowRequest struct {
	Reported        shadow.StateMap `json:"reported,omitempty"`
	Desired         shadow.StateMap `json:"desired,omitempty"`
	ExpectedVersion int64           `json:"expected_version,omitempty"`
}

// handleCreateShadow creates a new shadow document at version 1.
func (s *Server) handleCreateShadow(w http.ResponseWriter, r *http.Request) {
	var req createShadowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}

	doc, err := s.shadows.Create(r.Context(), req.DeviceID, req.Reported, req.Desired)
	if err != nil {
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

// handleGetShadow returns a single shadow document by device ID.
func (s *Server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := s.shadows.Get(r.Context(), id)
	if err != nil {
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleUpdateShadow applies reported and/or desired fragments to a shadow.
func (s *Server) handleUpdateShadow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateShadowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.shadows.Update(r.Context(), id, req.Reported, req.Desired, req.ExpectedVersion)
	if err != nil {
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleSetDesired writes desired state only. The body is the desired
// fragment itself; written keys become pending until the device reports
// matching values.
func (s *Server) handleSetDesired(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var desired shadow.StateMap
	if err := json.NewDecoder(r.Body).Decode(&desired); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.shadows.Update(r.Context(), id, nil, desired, 0)
	if err != nil {
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleReport ingests a device state report. The body is the reported
// fragment; pending keys whose desired value now matches are resolved in
// the same write.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var reported shadow.StateMap
	if err := json.NewDecoder(r.Body).Decode(&reported); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.shadows.ApplyReported(r.Context(), id, reported)
	if err != nil {
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleDeleteShadow removes a shadow document.
func (s *Server) handleDeleteShadow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.shadows.Delete(r.Context(), id); err != nil {
		writeShadowError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleGetDelta returns the keys where desired diverges from reported.
func (s *Server) handleGetDelta(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	delta, err := s.shadows.Delta(r.Context(), id)
	if err != nil {
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"delta":     delta,
		"count":     len(delta),
	})
}

// handleGetHistory returns archived shadow versions, newest first.
//
// Query parameters:
//   - limit: maximum entries (default 50, max 200)
//   - start, end: RFC 3339 timestamps bounding the window
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	q := history.Query{DeviceID: id}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	if startStr := r.URL.Query().Get("start"); startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			writeBadRequest(w, "start must be an RFC 3339 timestamp")
			return
		}
		q.Start = start
	}

	if endStr := r.URL.Query().Get("end"); endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			writeBadRequest(w, "end must be an RFC 3339 timestamp")
			return
		}
		q.End = end
	}

	entries, err := s.history.Query(r.Context(), q)
	if err != nil {
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}
