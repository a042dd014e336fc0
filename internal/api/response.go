package api

import (
	"errors"
	"net/http"

	"dreamstream/server/internal/generation"
	"dreamstream/server/internal/session"
	"dreamstream/server/internal/store"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

func writeUnauthorized(c *gin.Context) {
	writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", false, nil)
}

// writeSessionError maps orchestrator errors onto the envelope.
func writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", false, nil)
	case errors.Is(err, store.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "No access to session", false, nil)
	case errors.Is(err, session.ErrEmptyPrompt):
		writeError(c, http.StatusUnprocessableEntity, "EMPTY_PROMPT", "Prompt must not be empty", false, nil)
	case errors.Is(err, session.ErrInvalidMode):
		writeError(c, http.StatusUnprocessableEntity, "INVALID_MODE", "Mode must be IMAGE or VIDEO", false, nil)
	case errors.Is(err, session.ErrInvalidStyle):
		writeError(c, http.StatusUnprocessableEntity, "INVALID_STYLE", "Unknown style", false, nil)
	case errors.Is(err, generation.ErrInvalidSettings):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "mode or style is required", false, nil)
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", true, nil)
	}
}
