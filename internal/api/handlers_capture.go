package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"dreamstream/server/internal/capture"
	"dreamstream/server/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// Client to server message types on the capture socket.
const (
	wsRecognizerEvent = "recognizer_event"
	wsListen          = "listen"
	wsContinuous      = "continuous"
	wsPing            = "ping"
)

type wsInbound struct {
	Type  string         `json:"type"`
	Event *capture.Event `json:"event,omitempty"`
	On    bool           `json:"on,omitempty"`
}

type wsOutbound struct {
	Type       string              `json:"type"`
	Command    capture.CommandKind `json:"command,omitempty"`
	Event      *model.SessionEvent `json:"event,omitempty"`
	Snapshot   *model.Snapshot     `json:"snapshot,omitempty"`
	State      capture.State       `json:"state,omitempty"`
	Continuous *bool               `json:"continuous,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) send(msg wsOutbound) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(msg)
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowsAnyOrigin(s.cfg.CORSOrigins) {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range s.cfg.CORSOrigins {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
}

// captureSocket bridges a browser speech recognizer to a capture session.
// The browser reports recognizer events and listen controls; the server asks
// it to start or stop the engine and streams the session's events back.
func (s *Server) captureSocket(c *gin.Context) {
	userID := userIDFromContext(c)
	sessionID := c.Param("session_id")
	traceID := traceIDFromContext(c)
	snap, err := s.gen.Snapshot(userID, sessionID)
	if err != nil {
		writeSessionError(c, err)
		return
	}

	up := s.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("trace_id", traceID), zap.Error(err))
		return
	}
	defer conn.Close()
	s.metrics.CaptureConnections.Inc()
	defer s.metrics.CaptureConnections.Dec()

	ws := &wsConn{conn: conn}
	rec := capture.NewRemoteRecognizer()
	var cs *capture.Session
	cs = capture.NewSession(rec,
		capture.WithLogger(s.log),
		capture.WithStateHook(func(state capture.State) {
			msg := ""
			if state == capture.StateFatalError {
				msg = cs.Err()
			}
			s.gen.CaptureState(sessionID, traceID, state, msg)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- s.gen.Pump(ctx, userID, sessionID, cs, traceID) }()

	go func() {
		for cmd := range rec.Commands() {
			if err := ws.send(wsOutbound{Type: "recognizer", Command: cmd}); err != nil {
				return
			}
		}
	}()

	_, sub, unsubscribe := s.hub.Subscribe(sessionID, 64)
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				if err := ws.send(wsOutbound{Type: "event", Event: &evt}); err != nil {
					return
				}
			}
		}
	}()

	_ = ws.send(captureStatus(cs, wsOutbound{Type: "snapshot", Snapshot: &snap}))
	s.log.Info("capture connected",
		zap.String("trace_id", traceID),
		zap.String("session_id", sessionID))

	for {
		var msg wsInbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("capture read failed", zap.String("trace_id", traceID), zap.Error(err))
			}
			break
		}
		s.handleCaptureMessage(ctx, ws, rec, cs, msg, traceID)
	}

	cs.Close()
	cancel()
	if err := <-pumpDone; err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("capture pump stopped", zap.String("trace_id", traceID), zap.Error(err))
	}
	rec.Close()
	s.log.Info("capture disconnected",
		zap.String("trace_id", traceID),
		zap.String("session_id", sessionID))
}

func (s *Server) handleCaptureMessage(ctx context.Context, ws *wsConn, rec *capture.RemoteRecognizer, cs *capture.Session, msg wsInbound, traceID string) {
	switch msg.Type {
	case wsRecognizerEvent:
		if msg.Event == nil {
			_ = ws.send(wsOutbound{Type: "error", Message: "event is required"})
			return
		}
		if err := rec.Push(*msg.Event); err != nil {
			_ = ws.send(wsOutbound{Type: "error", Message: err.Error()})
		}
	case wsListen:
		if msg.On {
			if err := cs.Start(ctx); err != nil {
				_ = ws.send(wsOutbound{Type: "error", Message: err.Error()})
			}
			return
		}
		cs.Stop()
	case wsContinuous:
		cs.SetContinuous(msg.On)
	case wsPing:
		_ = ws.send(captureStatus(cs, wsOutbound{Type: "pong"}))
	default:
		s.log.Debug("unknown capture message", zap.String("trace_id", traceID), zap.String("type", msg.Type))
		_ = ws.send(wsOutbound{Type: "error", Message: "unknown message type"})
	}
}


func captureStatus(cs *capture.Session, msg wsOutbound) wsOutbound {
	continuous := cs.Continuous()
	msg.State = cs.State()
	msg.Continuous = &continuous
	return msg
}
