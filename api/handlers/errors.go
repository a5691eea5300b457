// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trna-workbench/backend/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendStoreError maps a Record Store error to a response.
func sendStoreError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, model.ErrEmptyID):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Sequence ID is required")
	case errors.Is(err, model.ErrRecordNotFound):
		sendError(c, http.StatusNotFound, "SEQUENCE_NOT_FOUND", "Sequence "+id+" not found")
	case errors.Is(err, model.ErrUnknownToolSlot):
		sendError(c, http.StatusBadRequest, "UNKNOWN_TOOL_SLOT", err.Error())
	case errors.Is(err, model.ErrMalformedAnnotation):
		sendError(c, http.StatusUnprocessableEntity, "MALFORMED_ANNOTATION", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update sequence: "+err.Error())
	}
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) error
}

// RequireToken rejects requests without a valid "Authorization: Bearer"
// token.
func RequireToken(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Bearer token is required")
			return
		}

		if err := verifier.Verify(strings.TrimSpace(token)); err != nil {
			if errors.Is(err, model.ErrTokenExpired) {
				sendError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token has expired")
				return
			}
			sendError(c, http.StatusUnauthorized, "INVALID_TOKEN", "Token is not valid")
			return
		}
		c.Next()
	}
}
