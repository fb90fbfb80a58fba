package ierr

import (
	"encoding/json"
	"errors"
)

type ErrorCode string

const (
	ErrorCodeInvalidArgument      ErrorCode = "InvalidArgument"
	ErrorCodeInvalidConfig        ErrorCode = "InvalidConfig"
	ErrorCodeNotFound             ErrorCode = "NotFound"
	ErrorCodeAlreadyExists        ErrorCode = "AlreadyExists"
	ErrorCodeAlreadyRunning       ErrorCode = "AlreadyRunning"
	ErrorCodeTransitionInProgress ErrorCode = "TransitionInProgress"
	ErrorCodeNotRunning           ErrorCode = "NotRunning"
	ErrorCodeSpawnFailed          ErrorCode = "SpawnFailed"
	ErrorCodeProcessCrashed       ErrorCode = "ProcessCrashed"
	ErrorCodeDeviceError          ErrorCode = "DeviceError"
	ErrorCodePermissionDenied     ErrorCode = "PermissionDenied"
	ErrorCodeUnauthenticated      ErrorCode = "Unauthenticated"
	ErrorCodeInternal             ErrorCode = "Internal"
)

type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	cause error
}

func New(code ErrorCode, cause error) Error {
	return Error{
		Code:    code,
		Message: cause.Error(),
		cause:   cause,
	}
}

func (e Error) Error() string {
	if e.cause == nil {
		return string(e.Code) + ": " + e.Message
	}

	return string(e.Code) + ": " + e.cause.Error()
}

func (e Error) Unwrap() error {
	return e.cause
}

// CodeOf returns the code carried by err, or ErrorCodeInternal when err is
// not an Error.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrorCodeInternal
}
