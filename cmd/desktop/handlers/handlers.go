// Package handlers provides the localhost REST API the desktop shell
// talks to: entity CRUD over the local replica, sync operations, backup
// export/import, and offline preparation.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tutordesk/tutordesk/client/internal/errors"
)

// writeJSON writes a success envelope.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeError writes a failure envelope, mapping the app error code to an
// HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	code := errors.ErrInternal

	if appErr, ok := err.(*errors.AppError); ok {
		code = appErr.Code
		message = appErr.Message
		status = httpStatus(appErr.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"code":    code,
		"message": message,
	})
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid, errors.ErrValidation, errors.ErrImportInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound, errors.ErrConflictNotFound:
		return http.StatusNotFound
	case errors.ErrSyncInProgress:
		return http.StatusConflict
	case errors.ErrSyncOffline:
		return http.StatusServiceUnavailable
	case errors.ErrRemoteTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrRemoteUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
