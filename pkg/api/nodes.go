package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stormstack/controlplane/pkg/types"
)

type registerNodeRequest struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Capacity int    `json:"capacity"`
}

type registerNodeResponse struct {
	Node *types.Node `json:"node"`
	// HeartbeatIntervalSeconds tells the node how often to report in.
	HeartbeatIntervalSeconds int `json:"heartbeatIntervalSeconds"`
}

type patchNodeRequest struct {
	Draining *bool `json:"draining"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	node, err := s.nodes.Register(r.Context(), req.ID, req.Address, req.Capacity)
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/nodes/"+node.ID)
	respondJSON(w, http.StatusCreated, registerNodeResponse{
		Node:                     node,
		HeartbeatIntervalSeconds: s.cfg.Nodes.HeartbeatIntervalSeconds,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var nodeMetrics types.NodeMetrics
	if err := decodeBody(r, &nodeMetrics); err != nil {
		respondErr(w, err)
		return
	}

	node, err := s.nodes.Heartbeat(r.Context(), mux.Vars(r)["id"], nodeMetrics)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	fleet, err := s.nodes.List(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, fleet)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.nodes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

// handlePatchNode flips the drain flag. Draining is the only mutable node
// field; everything else comes from registration and heartbeats.
func (s *Server) handlePatchNode(w http.ResponseWriter, r *http.Request) {
	var req patchNodeRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.Draining == nil {
		respondError(w, http.StatusBadRequest, "VALIDATION", "body must set the draining field")
		return
	}

	id := mux.Vars(r)["id"]
	var node *types.Node
	var err error
	if *req.Draining {
		node, err = s.nodes.Drain(r.Context(), id)
	} else {
		node, err = s.nodes.Undrain(r.Context(), id)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.nodes.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
