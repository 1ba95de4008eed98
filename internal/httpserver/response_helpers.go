package httpserver

import (
	"net/http"
	"strconv"

	"github.com/walker77/paygate-mcp/internal/ferrors"
	"github.com/walker77/paygate-mcp/pkg/responders"
)

// writeJSON writes a 200 OK JSON response.
func writeJSON(w http.ResponseWriter, payload any) {
	responders.JSON(w, http.StatusOK, payload)
}

// writeCreated writes a 201 Created JSON response.
func writeCreated(w http.ResponseWriter, payload any) {
	responders.JSON(w, http.StatusCreated, payload)
}

// writeValidationError writes a 400 admin validation error.
func writeValidationError(w http.ResponseWriter, message string) {
	ferrors.WriteSimpleError(w, ferrors.AdminErrCodeValidation, message)
}

// writeNotFound writes a 404 admin error.
func writeNotFound(w http.ResponseWriter, message string) {
	ferrors.WriteSimpleError(w, ferrors.AdminErrCodeNotFound, message)
}

// writeInternalError writes a 500 admin error. Callers log the real error
// themselves; this never leaks its text to the client.
func writeInternalError(w http.ResponseWriter) {
	ferrors.NewErrorResponse(ferrors.AdminErrCodeInternalError, "internal error", nil).WriteJSON(w)
}

// ferrorsBulkTooLarge writes the 400 bulk-operation-too-large admin error.
func ferrorsBulkTooLarge(w http.ResponseWriter, max int) {
	ferrors.WriteError(w, ferrors.AdminErrCodeBulkTooLarge, "bulk operation exceeds the maximum batch size", map[string]any{"max": strconv.Itoa(max)})
}
