package api

import (
	"net/http"
	"strconv"

	"dreamstream/server/internal/model"

	"github.com/gin-gonic/gin"
)

func (s *Server) createSession(c *gin.Context) {
	snap, err := s.gen.CreateSession(userIDFromContext(c), traceIDFromContext(c))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusCreated, snap)
}

func (s *Server) listSessions(c *gin.Context) {
	page := parseIntDefault(c.Query("page"), 1)
	pageSize := parseIntDefault(c.Query("page_size"), 20)
	items, total := s.gen.ListSessions(userIDFromContext(c), page, pageSize)
	writeData(c, http.StatusOK, gin.H{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}

func (s *Server) getSession(c *gin.Context) {
	snap, err := s.gen.Snapshot(userIDFromContext(c), c.Param("session_id"))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusOK, snap)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.gen.DeleteSession(userIDFromContext(c), c.Param("session_id"), traceIDFromContext(c)); err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{"deleted": true})
}

type promptRequest struct {
	Text string          `json:"text"`
	Mode model.MediaKind `json:"mode"`
}

func (s *Server) submitPrompt(c *gin.Context) {
	var req promptRequest
	if !bindJSON(c, &req, "Invalid prompt payload") {
		return
	}
	res, err := s.gen.HandlePrompt(c.Request.Context(), userIDFromContext(c), c.Param("session_id"), req.Text, req.Mode, traceIDFromContext(c))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusAccepted, res)
}

type utteranceRequest struct {
	Text string `json:"text"`
}

func (s *Server) submitUtterance(c *gin.Context) {
	var req utteranceRequest
	if !bindJSON(c, &req, "Invalid utterance payload") {
		return
	}
	res, err := s.gen.HandleUtterance(c.Request.Context(), userIDFromContext(c), c.Param("session_id"), req.Text, traceIDFromContext(c))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusAccepted, res)
}

func (s *Server) undo(c *gin.Context) {
	snap, moved, err := s.gen.Undo(userIDFromContext(c), c.Param("session_id"), traceIDFromContext(c))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{"moved": moved, "snapshot": snap})
}

func (s *Server) redo(c *gin.Context) {
	snap, moved, err := s.gen.Redo(userIDFromContext(c), c.Param("session_id"), traceIDFromContext(c))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{"moved": moved, "snapshot": snap})
}

func (s *Server) resetContext(c *gin.Context) {
	snap, err := s.gen.ResetContext(userIDFromContext(c), c.Param("session_id"), traceIDFromContext(c))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusOK, snap)
}

func (s *Server) clearHistory(c *gin.Context) {
	snap, err := s.gen.ClearHistory(userIDFromContext(c), c.Param("session_id"), traceIDFromContext(c))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusOK, snap)
}

type settingsRequest struct {
	Mode  *model.MediaKind `json:"mode"`
	Style *model.Style     `json:"style"`
}

func (s *Server) updateSettings(c *gin.Context) {
	var req settingsRequest
	if !bindJSON(c, &req, "Invalid settings payload") {
		return
	}
	snap, err := s.gen.UpdateSettings(userIDFromContext(c), c.Param("session_id"), req.Mode, req.Style, traceIDFromContext(c))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeData(c, http.StatusOK, snap)
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
