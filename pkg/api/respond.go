package api

import (
	"encoding/json"
	"net/http"

	"github.com/stormstack/controlplane/pkg/cperr"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{ErrorCode: code, Message: message})
}

// respondErr maps a component error to its HTTP status via the error class.
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), cperr.Code(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case cperr.Validation.Has(err):
		return http.StatusBadRequest
	case cperr.NotFound.Has(err), cperr.NotRegistered.Has(err):
		return http.StatusNotFound
	case cperr.Conflict.Has(err), cperr.AlreadyExists.Has(err):
		return http.StatusConflict
	// Capacity exhaustion is a conflict with the cluster's current shape,
	// not an outage; callers retry against a changed fleet.
	case cperr.NoCapacity.Has(err), cperr.NoHealthyNodes.Has(err):
		return http.StatusConflict
	case cperr.StoreUnavailable.Has(err), cperr.Upstream.Has(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return cperr.Validation.New("malformed request body: %v", err)
	}
	return nil
}
