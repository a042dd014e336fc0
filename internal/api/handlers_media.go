package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// getMedia serves generated media. ResultRef values point here.
func (s *Server) getMedia(c *gin.Context) {
	blob, err := s.store.GetBlob(c.Param("blob_id"))
	if err != nil {
		writeError(c, http.StatusNotFound, "MEDIA_NOT_FOUND", "Media not found", false, nil)
		return
	}
	if blob.UserID != userIDFromContext(c) {
		writeError(c, http.StatusForbidden, "FORBIDDEN", "No access to media", false, nil)
		return
	}
	c.Header("Cache-Control", "private, max-age=86400, immutable")
	c.Header("Content-Length", strconv.FormatInt(blob.SizeBytes, 10))
	c.Data(http.StatusOK, blob.MimeType, blob.Data)
}
