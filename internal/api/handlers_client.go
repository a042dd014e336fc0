package api

import (
	"net/http"

	"dreamstream/server/internal/capture"
	"dreamstream/server/internal/model"

	"github.com/gin-gonic/gin"
)

func (s *Server) listStyles(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{"items": model.Styles})
}

// clientBootstrap tells the browser client what this server supports.
func (s *Server) clientBootstrap(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{
		"styles": model.Styles,
		"modes":  []model.MediaKind{model.MediaImage, model.MediaVideo},
		"feature_flags": gin.H{
			"sse_session_events": true,
			"ws_capture":         true,
			"video":              true,
		},
		"sse": gin.H{
			"heartbeat_sec": int(sseHeartbeat.Seconds()),
			"retry_ms":      2000,
		},
		"capture": gin.H{
			"restart_delay_ms": capture.DefaultRestartDelay.Milliseconds(),
		},
		"generator": s.cfg.Generator,
	})
}
