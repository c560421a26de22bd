package api

import (
	"net/http"
	"strconv"

	"github.com/stormstack/controlplane/pkg/types"
)

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.view.Overview(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, overview)
}

func (s *Server) handleDashboardNodes(w http.ResponseWriter, r *http.Request) {
	offset, pageSize, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	page, err := s.view.ListNodes(r.Context(), offset, pageSize)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleDashboardMatches(w http.ResponseWriter, r *http.Request) {
	offset, pageSize, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	status := types.MatchStatus(r.URL.Query().Get("status"))
	page, err := s.view.ListMatches(r.Context(), status, offset, pageSize)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// handleScaling returns the latest autoscaler recommendation, 204 before the
// first tick.
func (s *Server) handleScaling(w http.ResponseWriter, r *http.Request) {
	latest := s.autoscaler.Latest()
	if latest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, latest)
}

func pageParams(r *http.Request) (offset, pageSize int, err error) {
	query := r.URL.Query()
	if v := query.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil {
			return 0, 0, err
		}
	}
	if v := query.Get("pageSize"); v != "" {
		pageSize, err = strconv.Atoi(v)
		if err != nil {
			return 0, 0, err
		}
	}
	return offset, pageSize, nil
}
