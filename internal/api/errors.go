package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kk-code-lab/sealstream/internal/asset"
	"github.com/kk-code-lab/sealstream/internal/storage/chunk"
	"github.com/kk-code-lab/sealstream/internal/storage/manifest"
)

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	})
}

// writeEngineError maps storage-layer sentinels onto HTTP statuses.
// Integrity failures deliberately collapse into an opaque 500; the
// response never says which check failed.
func writeEngineError(w http.ResponseWriter, err error, requestID string) {
	switch {
	case errors.Is(err, asset.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", "access denied", requestID)
	case errors.Is(err, asset.ErrExpired):
		writeError(w, http.StatusGone, "Expired", "asset has expired", requestID)
	case errors.Is(err, asset.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "no such asset", requestID)
	case errors.Is(err, asset.ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "requested range not satisfiable", requestID)
	case errors.Is(err, asset.ErrSizeLimit):
		writeError(w, http.StatusRequestEntityTooLarge, "EntityTooLarge", "asset exceeds the size limit", requestID)
	case errors.Is(err, asset.ErrValidation):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error(), requestID)
	case errors.Is(err, manifest.ErrTampered), errors.Is(err, chunk.ErrIntegrity):
		writeError(w, http.StatusInternalServerError, "IntegrityFailure", "stored data failed verification", requestID)
	default:
		writeError(w, http.StatusInternalServerError, "InternalError", "internal error", requestID)
	}
}
