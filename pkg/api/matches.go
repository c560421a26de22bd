package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/router"
	"github.com/stormstack/controlplane/pkg/types"
)

type playerCountRequest struct {
	PlayerCount int `json:"playerCount"`
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req router.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	result, err := s.router.CreateMatch(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/matches/"+result.Match.ID.String())
	respondJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	status := types.MatchStatus(r.URL.Query().Get("status"))

	var found []*types.Match
	var err error
	if status == "" {
		found, err = s.router.FindAll(r.Context())
	} else {
		found, err = s.router.FindByStatus(r.Context(), status)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, found)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseMatchID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	match, err := s.router.FindByID(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

func (s *Server) handleFinishMatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseMatchID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	match, err := s.router.FinishMatch(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

func (s *Server) handlePlayerCount(w http.ResponseWriter, r *http.Request) {
	id, err := parseMatchID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var req playerCountRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	match, err := s.router.UpdatePlayerCount(r.Context(), id, req.PlayerCount)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

func (s *Server) handleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseMatchID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.router.DeleteMatch(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseMatchID pulls and validates the {id} path variable.
func parseMatchID(r *http.Request) (types.ClusterMatchID, error) {
	id, err := types.ParseClusterMatchID(mux.Vars(r)["id"])
	if err != nil {
		return id, cperr.Validation.Wrap(err)
	}
	return id, nil
}
