package generation

import (
	"context"
	"sync/atomic"

	"dreamstream/server/internal/capture"
	"dreamstream/server/internal/model"
	"dreamstream/server/internal/session"
	"dreamstream/server/internal/transcript"

	"go.uber.org/zap"
)

const promptQueueSize = 32

// promptQueue runs prompts one at a time, in the order they were spoken, on a
// goroutine of its own. pending counts prompts not yet on the timeline.
type promptQueue struct {
	ch      chan transcript.Command
	done    chan struct{}
	pending atomic.Int64
}

func (q *promptQueue) busy() bool { return q.pending.Load() > 0 }

func (q *promptQueue) push(ctx context.Context, cmd transcript.Command) error {
	q.pending.Add(1)
	select {
	case q.ch <- cmd:
		return nil
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	}
}

// Pump feeds a capture session into a narration session until both capture
// channels close or ctx ends. Each transcript is interpreted against the
// session state at the moment it is consumed. Navigation is applied at once;
// a prompt that has to wait for a credential moves to a queue, and later
// prompts follow it there until it drains.
func (s *Service) Pump(ctx context.Context, userID, sessionID string, cs *capture.Session, traceID string) error {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return err
	}

	q := &promptQueue{ch: make(chan transcript.Command, promptQueueSize), done: make(chan struct{})}
	go s.runPrompts(ctx, sess, q, traceID)
	defer func() {
		close(q.ch)
		<-q.done
	}()

	transcripts := cs.Transcripts()
	notices := cs.Notices()
	for transcripts != nil || notices != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			cmd, ok := transcript.Interpret(text)
			if !ok {
				continue
			}
			if cmd.Action == transcript.Generate && (q.busy() || s.needsCredential(ctx, sess, sess.Mode())) {
				if err := q.push(ctx, cmd); err != nil {
					return err
				}
				continue
			}
			res, err := s.dispatch(ctx, sess, cmd, traceID)
			s.logUtterance(sessionID, traceID, res, err)
		case msg, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			s.Notice(sessionID, traceID, msg)
		}
	}
	return nil
}

// runPrompts drains q. Prompts already spoken are generated even after ctx
// ends; the credential wait then returns at once.
func (s *Service) runPrompts(ctx context.Context, sess *session.Session, q *promptQueue, traceID string) {
	defer close(q.done)
	for cmd := range q.ch {
		res, err := s.dispatch(ctx, sess, cmd, traceID)
		q.pending.Add(-1)
		s.logUtterance(sess.ID, traceID, res, err)
	}
}

func (s *Service) logUtterance(sessionID, traceID string, res UtteranceResult, err error) {
	if err != nil {
		s.log.Warn("utterance rejected",
			zap.String("trace_id", traceID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	s.log.Debug("utterance handled",
		zap.String("trace_id", traceID),
		zap.String("session_id", sessionID),
		zap.String("command", string(res.Command)),
		zap.Bool("moved", res.Moved),
		zap.String("item_id", res.ItemID))
}

// CaptureState publishes a capture lifecycle change to the session.
func (s *Service) CaptureState(sessionID, traceID string, state capture.State, message string) {
	payload := map[string]any{"state": string(state)}
	if message != "" {
		payload["message"] = message
	}
	s.publishEvent(sessionID, traceID, model.EventCaptureState, nil, payload)
}
