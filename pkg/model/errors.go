package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrUnknownAttr  ErrorCode = "UNKNOWN_ATTRIBUTE"
	ErrObjectBusy   ErrorCode = "OBJECT_BUSY"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"

	// Configuration rejections raised by the registries.
	ErrPartitionMismatch ErrorCode = "PARTITION_MISMATCH"
	ErrTargetBusy        ErrorCode = "TARGET_BUSY"
	ErrInvalidIndirect   ErrorCode = "INVALID_INDIRECT_TARGET"
	ErrInvalidFailAction ErrorCode = "INVALID_FAIL_ACTION"
)

// APIError is a structured error returned by the management surface.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific attribute.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// IsCode reports whether err (or anything it wraps) is an APIError with code.
func IsCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(kind, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", kind, id),
	}
}

// NewConflictError creates a CONFLICT APIError.
func NewConflictError(msg string) *APIError {
	return &APIError{Code: ErrConflict, Message: msg}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// NewUnknownAttrError rejects an attribute outside an entity's closed key set.
func NewUnknownAttrError(entity, key string) *APIError {
	return &APIError{
		Code:    ErrUnknownAttr,
		Message: fmt.Sprintf("unknown %s attribute '%s'", entity, key),
		Details: []FieldError{{Field: key, Message: "not a recognized attribute"}},
	}
}

// NewPartitionMismatchError creates a PARTITION_MISMATCH APIError.
func NewPartitionMismatchError(msg string) *APIError {
	return &APIError{Code: ErrPartitionMismatch, Message: msg}
}

// NewTargetBusyError rejects a change to a resource that running jobs depend on.
func NewTargetBusyError(node, resource string) *APIError {
	return &APIError{
		Code:    ErrTargetBusy,
		Message: fmt.Sprintf("resource %s on vnode %s is busy", resource, node),
	}
}

// NewInvalidIndirectError rejects an indirect reference that would break the no-chain rule.
func NewInvalidIndirectError(node, resource, reason string) *APIError {
	return &APIError{
		Code:    ErrInvalidIndirect,
		Message: fmt.Sprintf("invalid indirect resource %s on vnode %s: %s", resource, node, reason),
	}
}

// NewInvalidFailActionError rejects a fail_action the hook's events cannot carry.
func NewInvalidFailActionError(value string) *APIError {
	return &APIError{
		Code: ErrInvalidFailAction,
		Message: fmt.Sprintf("Can't set hook fail_action value to '%s': hook event must contain at least one of %s, %s, %s",
			value, HookEventExecjobBegin, HookEventExechostStartup, HookEventExecjobPrologue),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s -> %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
