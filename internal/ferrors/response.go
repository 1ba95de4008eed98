package ferrors

import (
	"encoding/json"
	"net/http"
)

// AdminErrorCode is a machine-readable error identifier for the admin
// surface — distinct from Reason, which is the gate's own deny-reason
// taxonomy. Admin errors are validation/operational, not billing denials.
type AdminErrorCode string

const (
	AdminErrCodeValidation    AdminErrorCode = "validation_error"
	AdminErrCodeNotFound      AdminErrorCode = "not_found"
	AdminErrCodeConflict      AdminErrorCode = "conflict"
	AdminErrCodeUnauthorized  AdminErrorCode = "unauthorized"
	AdminErrCodeBulkTooLarge  AdminErrorCode = "bulk_operation_too_large"
	AdminErrCodeInternalError AdminErrorCode = "internal_error"
)

// HTTPStatus maps an admin error code to an HTTP status.
func (c AdminErrorCode) HTTPStatus() int {
	switch c {
	case AdminErrCodeValidation, AdminErrCodeBulkTooLarge:
		return http.StatusBadRequest
	case AdminErrCodeNotFound:
		return http.StatusNotFound
	case AdminErrCodeConflict:
		return http.StatusConflict
	case AdminErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the standardized error format returned by the admin surface.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code, a sanitized message, and optional context.
type ErrorDetail struct {
	Code    AdminErrorCode         `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewErrorResponse creates a standardized error response.
func NewErrorResponse(code AdminErrorCode, message string, details map[string]interface{}) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: code, Message: message, Details: details}}
}

// WriteJSON writes the error response as JSON to the HTTP response writer.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	status := e.Error.Code.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// WriteError writes an error response in one call.
func WriteError(w http.ResponseWriter, code AdminErrorCode, message string, details map[string]interface{}) {
	NewErrorResponse(code, message, details).WriteJSON(w)
}

// WriteSimpleError writes an error with no additional details.
func WriteSimpleError(w http.ResponseWriter, code AdminErrorCode, message string) {
	WriteError(w, code, message, nil)
}

// Sanitize maps an arbitrary internal error into the curated set of
// validation messages the admin surface is allowed to leak; anything else
// becomes a generic internal_error with no stack trace or file path.
func Sanitize(err error) ErrorResponse {
	if ve, ok := err.(*ValidationError); ok {
		return NewErrorResponse(AdminErrCodeValidation, ve.Error(), nil)
	}
	return NewErrorResponse(AdminErrCodeInternalError, "internal error", nil)
}

// ValidationError is a curated, user-facing validation failure safe to
// return verbatim to an admin client.
type ValidationError struct {
	Message string
}

func (v *ValidationError) Error() string { return v.Message }

// NewValidationError constructs a ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}
