package services

import (
	"fmt"
	"net/http"
)

const (
	CodeValidation       = "CHANGE_VALIDATION"
	CodeForbidden        = "CHANGE_FORBIDDEN"
	CodeStateConflict    = "CHANGE_STATE_CONFLICT"
	CodeScheduleConflict = "CHANGE_SCHEDULE_CONFLICT"
	CodeDuplicateVote    = "CHANGE_DUPLICATE_VOTE"
	CodeIntegrity        = "CHANGE_INTEGRITY"
	CodeNotFound         = "CHANGE_NOT_FOUND"
	CodeInternal         = "CHANGE_INTERNAL"
)

type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

func newServiceError(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}

func validationError(message string) *ServiceError {
	return newServiceError(http.StatusBadRequest, CodeValidation, message, nil)
}

func forbiddenError(message string) *ServiceError {
	return newServiceError(http.StatusForbidden, CodeForbidden, message, nil)
}

func stateConflictError(message string) *ServiceError {
	return newServiceError(http.StatusConflict, CodeStateConflict, message, nil)
}

func notFoundError(message string, cause error) *ServiceError {
	return newServiceError(http.StatusNotFound, CodeNotFound, message, cause)
}

func duplicateVoteError() *ServiceError {
	return newServiceError(http.StatusConflict, CodeDuplicateVote, "voter already has a live ballot for this change", nil)
}

func integrityError(message string, cause error) *ServiceError {
	return newServiceError(http.StatusConflict, CodeIntegrity, message, cause)
}

// ScheduleConflictSet carries the conflicting changes and blackout windows
// back to the caller; reach it with errors.As through the ServiceError cause
// chain.
type ScheduleConflictSet struct {
	Conflicts []Conflict
}

func (e *ScheduleConflictSet) Error() string {
	return fmt.Sprintf("%d scheduling conflicts", len(e.Conflicts))
}

func scheduleConflictError(conflicts []Conflict) *ServiceError {
	return newServiceError(
		http.StatusConflict,
		CodeScheduleConflict,
		"proposed window conflicts with existing schedules",
		&ScheduleConflictSet{Conflicts: conflicts},
	)
}
