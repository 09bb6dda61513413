package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"github.com/MarcoPoloResearchLab/roomsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncengine"
)

const (
	errorInvalidRequest   = "invalid_request"
	errorUnauthorized     = "unauthorized"
	errorRoomMismatch     = "room_mismatch"
	errorOutOfOrder       = "out_of_order"
	errorCursorConflict   = "cursor_conflict"
	errorStoreUnavailable = "store_unavailable"
	errorSnapshotFailed   = "snapshot_failed"
	errorInternal         = "internal_error"
	errorTokenIssueFailed = "token_issue_failed"
)

var validationErrors = []error{
	eventlog.ErrInvalidRoomID,
	eventlog.ErrInvalidClientID,
	eventlog.ErrInvalidClientSeq,
	eventlog.ErrInvalidLogPosition,
	eventlog.ErrInvalidPayload,
	eventlog.ErrInvalidPresence,
}

type errorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	ExpectedClientSeq *int64 `json:"expected_client_seq,omitempty"`
}

// classifyError maps engine and cache failures onto an HTTP status and response body.
func classifyError(err error) (int, errorResponse) {
	response := errorResponse{Error: errorInternal}
	var serviceErr *syncengine.ServiceError
	if errors.As(err, &serviceErr) {
		response.Code = serviceErr.Code()
	}

	var outOfOrder *syncengine.OutOfOrderError
	switch {
	case errors.As(err, &outOfOrder):
		expected := outOfOrder.Expected.Int64()
		response.Error = errorOutOfOrder
		response.ExpectedClientSeq = &expected
		return http.StatusConflict, response
	case errors.Is(err, eventlog.ErrCursorConflict):
		response.Error = errorCursorConflict
		return http.StatusConflict, response
	case errors.Is(err, eventlog.ErrStoreUnavailable):
		response.Error = errorStoreUnavailable
		return http.StatusServiceUnavailable, response
	case errors.Is(err, snapshot.ErrFoldFailed):
		response.Error = errorSnapshotFailed
		return http.StatusInternalServerError, response
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			response.Error = errorInvalidRequest
			return http.StatusBadRequest, response
		}
	}
	return http.StatusInternalServerError, response
}
