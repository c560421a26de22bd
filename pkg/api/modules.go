package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/stormstack/controlplane/pkg/types"
)

// maxArtifactBytes bounds module uploads.
const maxArtifactBytes = 256 << 20

type distributeResponse struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Node      string `json:"node,omitempty"`
	Succeeded int    `json:"succeeded"`
}

// handleUploadModule accepts a multipart form with a "file" part and
// name/version/description fields.
func (s *Server) handleUploadModule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxArtifactBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION", "expected a multipart upload: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION", "upload needs a file part")
		return
	}
	defer func() { _ = file.Close() }()

	artifact, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION", "failed to read artifact: "+err.Error())
		return
	}

	meta := types.Module{
		Name:        r.FormValue("name"),
		Version:     r.FormValue("version"),
		Description: r.FormValue("description"),
		UploadedBy:  r.FormValue("uploadedBy"),
		FileName:    header.Filename,
	}
	stored, err := s.modules.Upload(r.Context(), meta, artifact)
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/modules/"+stored.Name+"/"+stored.Version)
	respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	all, err := s.modules.FindAll(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, all)
}

func (s *Server) handleModuleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.modules.FindByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	meta, err := s.modules.FindByNameAndVersion(r.Context(), vars["name"], vars["version"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDownloadModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	reader, meta, err := s.modules.Open(r.Context(), vars["name"], vars["version"])
	if err != nil {
		respondErr(w, err)
		return
	}
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(meta.FileSize, 10))
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(meta.FileName))
	w.Header().Set("X-Module-Hash", meta.Hash)
	_, _ = io.Copy(w, reader)
}

func (s *Server) handleDeleteModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.modules.Delete(r.Context(), vars["name"], vars["version"]); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDistributeModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	succeeded, err := s.distributor.DistributeToAllNodes(r.Context(), vars["name"], vars["version"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, distributeResponse{
		Module:    vars["name"],
		Version:   vars["version"],
		Succeeded: succeeded,
	})
}

// handleDistributeModuleToNode pushes one module to one node, draining or
// not; operators use it to pre-stage artifacts before undraining.
func (s *Server) handleDistributeModuleToNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	node, err := s.nodes.Get(r.Context(), vars["nodeId"])
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.distributor.DistributeToNode(r.Context(), node, vars["name"], vars["version"]); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, distributeResponse{
		Module:    vars["name"],
		Version:   vars["version"],
		Node:      node.ID,
		Succeeded: 1,
	})
}
