package api

import (
	"errors"
	"net/http"

	"dreamstream/server/internal/auth"
	"dreamstream/server/internal/model"
	"dreamstream/server/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type userView struct {
	ID     string           `json:"id"`
	Email  string           `json:"email"`
	Role   model.UserRole   `json:"role"`
	Status model.UserStatus `json:"status,omitempty"`
}

type tokenResponse struct {
	auth.Tokens
	User *userView `json:"user,omitempty"`
}

func (s *Server) login(c *gin.Context) {
	var req credentialsRequest
	if !bindJSON(c, &req, "Invalid login payload") {
		return
	}
	user, tokens, err := s.auth.Login(req.Email, req.Password)
	if err != nil {
		s.log.Info("login rejected", zap.String("trace_id", traceIDFromContext(c)))
		writeError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", false, nil)
		return
	}
	writeData(c, http.StatusOK, tokenResponse{
		Tokens: tokens,
		User:   &userView{ID: user.ID, Email: user.Email, Role: user.Role},
	})
}

func (s *Server) refresh(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req, "refresh_token is required") {
		return
	}
	tokens, err := s.auth.Refresh(req.RefreshToken)
	switch {
	case err == nil:
		writeData(c, http.StatusOK, tokenResponse{Tokens: tokens})
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "Refresh token expired", false, nil)
	case errors.Is(err, auth.ErrTokenReused):
		writeError(c, http.StatusUnauthorized, "TOKEN_REUSED", "Refresh token was already used; sign in again", false, nil)
	default:
		writeUnauthorized(c)
	}
}

func (s *Server) logout(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req, "refresh_token is required") {
		return
	}
	if err := s.auth.Logout(req.RefreshToken); err != nil {
		writeUnauthorized(c)
		return
	}
	writeData(c, http.StatusOK, gin.H{"ok": true})
}

func (s *Server) me(c *gin.Context) {
	user, err := s.store.GetUserByID(userIDFromContext(c))
	switch {
	case err == nil:
		writeData(c, http.StatusOK, userView{ID: user.ID, Email: user.Email, Role: user.Role, Status: user.Status})
	case errors.Is(err, store.ErrNotFound):
		writeUnauthorized(c)
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load user", false, nil)
	}
}

// bindJSON decodes the body into dst and answers 400 with message on failure.
func bindJSON(c *gin.Context, dst any, message string) bool {
	if !requireJSON(c) {
		return false
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", message, false, nil)
		return false
	}
	return true
}
