// Package generation orchestrates a narration session: prompts become pending
// timeline items, each item is generated asynchronously and reconciled by id,
// and every visible change is published as a snapshot event.
package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"dreamstream/server/internal/events"
	"dreamstream/server/internal/model"
	"dreamstream/server/internal/provider"
	"dreamstream/server/internal/session"
	"dreamstream/server/internal/store"
	"dreamstream/server/internal/telemetry"
	"dreamstream/server/internal/timeline"
	"dreamstream/server/internal/transcript"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultGenerationTimeout = 5 * time.Minute
	msgStoreFailed           = "Failed to store generated media"
)

var ErrInvalidSettings = errors.New("invalid settings")

type Options struct {
	GenerationTimeout time.Duration
	Metrics           *telemetry.Metrics
	SessionOptions    []session.Option
}

type Service struct {
	store   *store.MemoryStore
	hub     *events.Hub
	gen     provider.Generator
	creds   provider.CredentialSelector
	log     *zap.Logger
	metrics *telemetry.Metrics
	timeout time.Duration
	sessOpt []session.Option

	inflight sync.WaitGroup
}

func NewService(st *store.MemoryStore, hub *events.Hub, gen provider.Generator, creds provider.CredentialSelector, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaultGenerationTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	s := &Service{
		store:   st,
		hub:     hub,
		gen:     gen,
		creds:   creds,
		log:     logger.Named("generation"),
		metrics: opts.Metrics,
		timeout: opts.GenerationTimeout,
	}
	s.sessOpt = append(append([]session.Option{}, opts.SessionOptions...), session.WithDiscardHook(s.releaseMedia))
	return s
}

// PromptResult is returned once the pending item is on the timeline.
type PromptResult struct {
	ItemID   string         `json:"item_id"`
	Snapshot model.Snapshot `json:"snapshot"`
}

// UtteranceResult tells what an utterance turned into. Command is empty when
// the utterance was ignored.
type UtteranceResult struct {
	Command  transcript.Action `json:"command,omitempty"`
	Ignored  bool              `json:"ignored,omitempty"`
	Moved    bool              `json:"moved,omitempty"`
	ItemID   string            `json:"item_id,omitempty"`
	Snapshot model.Snapshot    `json:"snapshot"`
}

func (s *Service) CreateSession(userID, traceID string) (model.Snapshot, error) {
	sess := session.New(uuid.NewString(), userID, s.sessOpt...)
	if err := s.store.CreateSession(sess); err != nil {
		return model.Snapshot{}, err
	}
	s.metrics.SessionsTotal.Inc()
	snap := sess.Snapshot()
	s.publishSnapshot(snap, traceID)
	s.log.Info("session created",
		zap.String("trace_id", traceID),
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.Int("seed", snap.Seed))
	return snap, nil
}

// Session returns the session if userID owns it.
func (s *Service) Session(userID, sessionID string) (*session.Session, error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, store.ErrForbidden
	}
	return sess, nil
}

func (s *Service) Snapshot(userID, sessionID string) (model.Snapshot, error) {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return model.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// DeleteSession removes a session and closes its event streams. Results of
// generations still in flight are dropped.
func (s *Service) DeleteSession(userID, sessionID, traceID string) error {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return err
	}
	sess.ResetContext()
	if err := s.store.DeleteSession(sessionID); err != nil {
		return err
	}
	closed := s.hub.CloseSession(sessionID)
	s.log.Info("session deleted",
		zap.String("trace_id", traceID),
		zap.String("session_id", sessionID),
		zap.Int("subscribers", closed))
	return nil
}

func (s *Service) ListSessions(userID string, page, pageSize int) ([]model.Snapshot, int) {
	sessions, total := s.store.ListSessions(userID, page, pageSize)
	out := make([]model.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out, total
}

func (s *Service) ListEventsFrom(sessionID string, fromSeq int64) ([]model.SessionEvent, error) {
	return s.store.ListSessionEventsFromSeq(sessionID, fromSeq)
}

// HandlePrompt appends a pending item for rawText and starts its generation.
// An empty mode uses the session mode. For video the credential is checked
// first; the outcome of that check never blocks the generation.
func (s *Service) HandlePrompt(ctx context.Context, userID, sessionID, rawText string, mode model.MediaKind, traceID string) (PromptResult, error) {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return PromptResult{}, err
	}
	return s.handlePrompt(ctx, sess, rawText, mode, traceID)
}

func (s *Service) handlePrompt(ctx context.Context, sess *session.Session, rawText string, mode model.MediaKind, traceID string) (PromptResult, error) {
	if strings.TrimSpace(rawText) == "" {
		return PromptResult{}, session.ErrEmptyPrompt
	}
	if mode == "" {
		mode = sess.Mode()
	}
	if !mode.Valid() {
		return PromptResult{}, session.ErrInvalidMode
	}

	if s.needsCredential(ctx, sess, mode) {
		s.promptForCredential(ctx, sess, traceID, "video generation needs an API key")
	}

	pending, snap, err := sess.Begin(rawText, mode)
	if err != nil {
		return PromptResult{}, err
	}
	s.publishSnapshot(snap, traceID)
	s.log.Debug("generation queued",
		zap.String("trace_id", traceID),
		zap.String("session_id", sess.ID),
		zap.String("item_id", pending.ItemID),
		zap.String("kind", string(pending.Kind)),
		zap.Bool("reference", pending.ReferenceRef != ""))

	s.inflight.Add(1)
	go s.generate(sess, pending, traceID)

	return PromptResult{ItemID: pending.ItemID, Snapshot: snap}, nil
}

// generate runs one generator call and reconciles its outcome by item id.
// The call is detached from the request that started it.
func (s *Service) generate(sess *session.Session, pending session.Pending, traceID string) {
	defer s.inflight.Done()
	s.metrics.GenerationsRunning.Inc()
	defer s.metrics.GenerationsRunning.Dec()

	ctx, cancel := context.WithTimeout(provider.WithUser(context.Background(), sess.UserID), s.timeout)
	defer cancel()

	start := time.Now()
	res, genErr := provider.Generate(ctx, s.gen, pending.Kind, provider.Request{
		RawText:      pending.RawText,
		Context:      pending.Context,
		ReferenceRef: pending.ReferenceRef,
		Style:        pending.Style,
		Seed:         pending.Seed,
		TraceID:      traceID,
	})
	elapsed := time.Since(start)

	var patch timeline.Patch
	var blobID string
	outcome := "ready"
	if genErr == nil {
		blob, err := s.store.SaveBlob(model.Blob{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Kind:      pending.Kind,
			MimeType:  res.MimeType,
			Data:      res.Data,
		})
		if err != nil {
			outcome = "failed"
			patch = timeline.Failed(msgStoreFailed)
			s.log.Error("store generated media failed",
				zap.String("trace_id", traceID),
				zap.String("item_id", pending.ItemID),
				zap.Error(err))
		} else {
			blobID = blob.ID
			patch = timeline.Ready(store.BlobRef(blob.ID))
		}
	} else {
		outcome = "failed"
		patch = timeline.Failed(provider.UserMessage(genErr))
		s.log.Warn("generation failed",
			zap.String("trace_id", traceID),
			zap.String("session_id", sess.ID),
			zap.String("item_id", pending.ItemID),
			zap.Duration("duration", elapsed),
			zap.Error(genErr))
	}
	s.metrics.ObserveGeneration(string(pending.Kind), outcome, elapsed)

	snap, applied, err := sess.Resolve(pending.ItemID, patch)
	switch {
	case err != nil:
		s.log.Error("resolve item failed",
			zap.String("trace_id", traceID),
			zap.String("item_id", pending.ItemID),
			zap.Error(err))
	case !applied:
		s.metrics.StaleResults.Inc()
		if blobID != "" {
			s.store.DeleteBlob(blobID)
		}
		s.log.Debug("stale generation result dropped",
			zap.String("trace_id", traceID),
			zap.String("session_id", sess.ID),
			zap.String("item_id", pending.ItemID))
	default:
		s.publishSnapshot(snap, traceID)
	}

	if provider.IsCredentialInvalid(genErr) {
		promptCtx, promptCancel := context.WithTimeout(context.Background(), s.timeout)
		defer promptCancel()
		s.promptForCredential(promptCtx, sess, traceID, "the selected API key was rejected")
	}
}

func (s *Service) Undo(userID, sessionID, traceID string) (model.Snapshot, bool, error) {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	snap, moved := sess.Undo()
	if moved {
		s.publishSnapshot(snap, traceID)
	}
	return snap, moved, nil
}

func (s *Service) Redo(userID, sessionID, traceID string) (model.Snapshot, bool, error) {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	snap, moved := sess.Redo()
	if moved {
		s.publishSnapshot(snap, traceID)
	}
	return snap, moved, nil
}

// ResetContext starts a new scene. In-flight generations of the old scene
// finish but their results are dropped.
func (s *Service) ResetContext(userID, sessionID, traceID string) (model.Snapshot, error) {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := sess.ResetContext()
	s.publishSnapshot(snap, traceID)
	s.log.Info("scene reset",
		zap.String("trace_id", traceID),
		zap.String("session_id", sessionID),
		zap.Int("seed", snap.Seed))
	return snap, nil
}

func (s *Service) ClearHistory(userID, sessionID, traceID string) (model.Snapshot, error) {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := sess.ClearHistory()
	s.publishSnapshot(snap, traceID)
	s.log.Info("history cleared",
		zap.String("trace_id", traceID),
		zap.String("session_id", sessionID))
	return snap, nil
}

// UpdateSettings changes mode and/or style; nil leaves a setting unchanged.
func (s *Service) UpdateSettings(userID, sessionID string, mode *model.MediaKind, style *model.Style, traceID string) (model.Snapshot, error) {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return model.Snapshot{}, err
	}
	if mode == nil && style == nil {
		return model.Snapshot{}, ErrInvalidSettings
	}
	if mode != nil && !mode.Valid() {
		return model.Snapshot{}, session.ErrInvalidMode
	}
	if style != nil && !style.Valid() {
		return model.Snapshot{}, session.ErrInvalidStyle
	}

	before := sess.Snapshot().Version
	var snap model.Snapshot
	if mode != nil {
		if snap, err = sess.SetMode(*mode); err != nil {
			return model.Snapshot{}, err
		}
	}
	if style != nil {
		if snap, err = sess.SetStyle(*style); err != nil {
			return model.Snapshot{}, err
		}
	}
	if snap.Version != before {
		s.publishSnapshot(snap, traceID)
	}
	return snap, nil
}

// HandleUtterance interprets a finalized transcript and dispatches it.
func (s *Service) HandleUtterance(ctx context.Context, userID, sessionID, text, traceID string) (UtteranceResult, error) {
	sess, err := s.Session(userID, sessionID)
	if err != nil {
		return UtteranceResult{}, err
	}
	return s.handleUtterance(ctx, sess, text, traceID)
}

func (s *Service) handleUtterance(ctx context.Context, sess *session.Session, text, traceID string) (UtteranceResult, error) {
	cmd, ok := transcript.Interpret(text)
	if !ok {
		return UtteranceResult{Ignored: true, Snapshot: sess.Snapshot()}, nil
	}
	return s.dispatch(ctx, sess, cmd, traceID)
}

func (s *Service) dispatch(ctx context.Context, sess *session.Session, cmd transcript.Command, traceID string) (UtteranceResult, error) {
	s.metrics.UtterancesTotal.WithLabelValues(string(cmd.Action)).Inc()

	switch cmd.Action {
	case transcript.NavigateBack:
		snap, moved := sess.Undo()
		if moved {
			s.publishSnapshot(snap, traceID)
		}
		return UtteranceResult{Command: cmd.Action, Moved: moved, Snapshot: snap}, nil
	case transcript.NavigateForward:
		snap, moved := sess.Redo()
		if moved {
			s.publishSnapshot(snap, traceID)
		}
		return UtteranceResult{Command: cmd.Action, Moved: moved, Snapshot: snap}, nil
	default:
		res, err := s.handlePrompt(ctx, sess, cmd.Text, "", traceID)
		if err != nil {
			return UtteranceResult{}, err
		}
		return UtteranceResult{Command: cmd.Action, ItemID: res.ItemID, Snapshot: res.Snapshot}, nil
	}
}

// releaseMedia deletes the blobs of items that left a timeline.
func (s *Service) releaseMedia(refs []string) {
	for _, ref := range refs {
		if id, ok := strings.CutPrefix(ref, store.MediaPathPrefix); ok {
			s.store.DeleteBlob(id)
		}
	}
	s.log.Debug("discarded media released", zap.Int("blobs", len(refs)))
}

// Notice publishes a human readable message to the session's subscribers.
func (s *Service) Notice(sessionID, traceID, message string) {
	s.publishEvent(sessionID, traceID, model.EventNotice, nil, map[string]any{"message": message})
}

// Wait blocks until every started generation has been reconciled.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) needsCredential(ctx context.Context, sess *session.Session, mode model.MediaKind) bool {
	return mode == model.MediaVideo && !s.creds.HasCredential(provider.WithUser(ctx, sess.UserID))
}

// promptForCredential asks the session's owner for a key and waits for it.
func (s *Service) promptForCredential(ctx context.Context, sess *session.Session, traceID, reason string) {
	s.metrics.CredentialPrompts.Inc()
	s.publishEvent(sess.ID, traceID, model.EventCredentialRequired, nil, map[string]any{"reason": reason})
	s.log.Info("credential selection requested",
		zap.String("trace_id", traceID),
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("reason", reason))
	s.creds.PromptForCredential(provider.WithUser(ctx, sess.UserID))
}

func (s *Service) publishSnapshot(snap model.Snapshot, traceID string) {
	s.publishEvent(snap.SessionID, traceID, model.EventSnapshot, &snap, nil)
}

func (s *Service) publishEvent(sessionID, traceID string, eventType model.SessionEventType, snap *model.Snapshot, payload map[string]any) {
	evt, err := s.store.AppendSessionEvent(sessionID, model.SessionEvent{
		TraceID:  traceID,
		Type:     eventType,
		TS:       time.Now().UTC(),
		Snapshot: snap,
		Payload:  payload,
	})
	if err != nil {
		s.log.Error("append event failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.hub.Publish(sessionID, evt)
}
