// Package capture runs the listening lifecycle of a speech recognizer and
// turns its finalized results into a stream of transcripts.
package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State string

const (
	StateIdle                  State = "idle"
	StateListening             State = "listening"
	StateStoppingIntentionally State = "stopping"
	StateFatalError            State = "fatal_error"
)

// Recognizer error codes, matching what browser speech engines report.
const (
	ErrCodeNoSpeech          = "no-speech"
	ErrCodeAborted           = "aborted"
	ErrCodeNotAllowed        = "not-allowed"
	ErrCodeServiceNotAllowed = "service-not-allowed"
)

const (
	DefaultRestartDelay = 100 * time.Millisecond
	MsgMicrophoneDenied = "Microphone access denied."
)

var ErrClosed = errors.New("capture session closed")

type EventKind string

const (
	EventResult EventKind = "result"
	EventError  EventKind = "error"
	EventEnd    EventKind = "end"
)

// Event is one notification from a recognizer.
type Event struct {
	Kind       EventKind `json:"kind"`
	Transcript string    `json:"transcript,omitempty"`
	Final      bool      `json:"final,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Recognizer is a speech engine that reports results, errors and the end of
// a listening run on Events. Start may be called again after an end.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan Event
}

// ShouldRestart decides whether listening resumes after an end the user did
// not ask for.
func ShouldRestart(intentionalStop, continuous, fatal bool) bool {
	return !intentionalStop && continuous && !fatal
}

func isFatal(code string) bool {
	return code == ErrCodeNotAllowed || code == ErrCodeServiceNotAllowed
}

func isSuppressed(code string) bool {
	return code == ErrCodeNoSpeech || code == ErrCodeAborted
}

type Option func(*Session)

func WithContinuous(on bool) Option {
	return func(s *Session) { s.continuous = on }
}

func WithRestartDelay(d time.Duration) Option {
	return func(s *Session) { s.restartDelay = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithStateHook is called after every state change, outside the lock.
func WithStateHook(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// Session owns one recognizer. Transcripts and notices are delivered on
// buffered channels that are closed by Close.
type Session struct {
	rec          Recognizer
	restartDelay time.Duration
	logger       *zap.Logger
	onState      func(State)

	mu           sync.Mutex
	state        State
	continuous   bool
	intentional  bool
	fatalMessage string
	restart      *time.Timer
	closed       bool
	ctx          context.Context

	transcripts chan string
	notices     chan string
	loopOnce    sync.Once
	done        chan struct{}
	stop        context.CancelFunc
}

func NewSession(rec Recognizer, opts ...Option) *Session {
	s := &Session{
		rec:          rec,
		restartDelay: DefaultRestartDelay,
		logger:       zap.NewNop(),
		state:        StateIdle,
		continuous:   true,
		transcripts:  make(chan string, 32),
		notices:      make(chan string, 8),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("capture")
	return s
}

// Start begins listening. It clears a previous fatal error and intentional
// stop. Calling Start while listening is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateListening {
		s.mu.Unlock()
		return nil
	}
	s.loopOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.Background())
		s.ctx = loopCtx
		s.stop = cancel
		go s.loop(loopCtx)
	})
	s.intentional = false
	s.fatalMessage = ""
	s.cancelRestartLocked()
	s.mu.Unlock()

	if err := s.rec.Start(ctx); err != nil {
		s.logger.Warn("recognizer start failed", zap.Error(err))
		s.setState(StateIdle)
		return err
	}
	s.setState(StateListening)
	return nil
}

// Stop ends listening on the user's request; no restart follows.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.intentional = true
	s.cancelRestartLocked()
	wasListening := s.state == StateListening
	s.mu.Unlock()

	if wasListening {
		s.setState(StateStoppingIntentionally)
	}
	s.rec.Stop()
}

func (s *Session) SetContinuous(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.continuous = on
}

func (s *Session) Continuous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continuous
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the human readable message of a fatal error, or "".
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalMessage
}

func (s *Session) Transcripts() <-chan string { return s.transcripts }

func (s *Session) Notices() <-chan string { return s.notices }

// Close stops the recognizer, waits for the event loop and closes the output
// channels.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.intentional = true
	s.cancelRestartLocked()
	started := s.stop != nil
	s.mu.Unlock()

	s.rec.Stop()
	if started {
		s.stop()
		<-s.done
	}
	close(s.transcripts)
	close(s.notices)
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	events := s.rec.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.setState(StateIdle)
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev Event) {
	switch ev.Kind {
	case EventResult:
		if !ev.Final {
			return
		}
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			return
		}
		s.emit(s.transcripts, text)

	case EventError:
		switch {
		case isSuppressed(ev.Error):
			s.logger.Debug("recognizer error suppressed", zap.String("code", ev.Error))
		case isFatal(ev.Error):
			s.mu.Lock()
			s.fatalMessage = MsgMicrophoneDenied
			s.cancelRestartLocked()
			s.mu.Unlock()
			s.logger.Warn("recognizer permission denied", zap.String("code", ev.Error))
			s.setState(StateFatalError)
			s.emit(s.notices, MsgMicrophoneDenied)
		default:
			s.logger.Warn("recognizer error", zap.String("code", ev.Error))
		}

	case EventEnd:
		s.mu.Lock()
		fatal := s.fatalMessage != ""
		restart := ShouldRestart(s.intentional, s.continuous, fatal) && !s.closed
		if restart {
			s.cancelRestartLocked()
			s.restart = time.AfterFunc(s.restartDelay, s.restartNow)
		}
		s.mu.Unlock()
		if !fatal && !restart {
			s.setState(StateIdle)
		}
	}
}

// restartNow re-evaluates the policy because Stop or a fatal error may have
// happened during the delay.
func (s *Session) restartNow() {
	s.mu.Lock()
	ok := ShouldRestart(s.intentional, s.continuous, s.fatalMessage != "") && !s.closed
	s.restart = nil
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		s.setState(StateIdle)
		return
	}
	if err := s.rec.Start(ctx); err != nil {
		s.logger.Warn("recognizer restart failed", zap.Error(err))
		s.setState(StateIdle)
		return
	}
	s.logger.Debug("recognizer restarted")
	s.setState(StateListening)
}

func (s *Session) cancelRestartLocked() {
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	hook := s.onState
	s.mu.Unlock()
	if hook != nil {
		hook(next)
	}
}

func (s *Session) emit(ch chan string, v string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case ch <- v:
	default:
		s.logger.Warn("capture output full, dropping", zap.String("value", v))
	}
}
