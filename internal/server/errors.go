package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goevery/intercept/internal/ierr"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error ierr.Error `json:"error"`
}

func httpStatus(code ierr.ErrorCode) int {
	switch code {
	case ierr.ErrorCodeInvalidArgument, ierr.ErrorCodeInvalidConfig:
		return http.StatusBadRequest
	case ierr.ErrorCodeUnauthenticated:
		return http.StatusUnauthorized
	case ierr.ErrorCodePermissionDenied:
		return http.StatusForbidden
	case ierr.ErrorCodeNotFound:
		return http.StatusNotFound
	case ierr.ErrorCodeAlreadyExists,
		ierr.ErrorCodeAlreadyRunning,
		ierr.ErrorCodeTransitionInProgress,
		ierr.ErrorCodeNotRunning:
		return http.StatusConflict
	case ierr.ErrorCodeSpawnFailed, ierr.ErrorCodeProcessCrashed:
		return http.StatusBadGateway
	case ierr.ErrorCodeDeviceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, err error) {
	var e ierr.Error
	if !errors.As(err, &e) {
		logger.Error("unexpected error", zap.Error(err))
		e = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
	}

	writeJSON(logger, w, httpStatus(e.Code), errorResponse{Error: e})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to encode response", zap.Error(err))
	}
}
