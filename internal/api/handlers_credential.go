package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) getCredential(c *gin.Context) {
	hasKey, updatedAt, prompts := s.keys.Status(userIDFromContext(c))
	resp := gin.H{
		"has_credential": hasKey,
		"prompts":        prompts,
	}
	if !updatedAt.IsZero() {
		resp["updated_at"] = updatedAt
	}
	writeData(c, http.StatusOK, resp)
}

type credentialRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// putCredential selects the caller's API key for the model generator and
// releases their generations waiting for a selection.
func (s *Server) putCredential(c *gin.Context) {
	var req credentialRequest
	if !bindJSON(c, &req, "api_key is required") {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "api_key is required", false, nil)
		return
	}
	s.keys.SetKey(userIDFromContext(c), req.APIKey)
	s.log.Info("credential selected",
		zap.String("trace_id", traceIDFromContext(c)),
		zap.String("user_id", userIDFromContext(c)))
	writeData(c, http.StatusOK, gin.H{"has_credential": true})
}
