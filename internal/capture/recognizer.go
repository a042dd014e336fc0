package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
)

// LineRecognizer treats every non-empty line of a reader as a finalized
// utterance. Lines read while stopped are dropped. The event channel closes
// at end of input.
type LineRecognizer struct {
	scanner *bufio.Scanner
	events  chan Event

	mu        sync.Mutex
	listening bool
	reading   bool
	eof       bool
}

func NewLineRecognizer(r io.Reader) *LineRecognizer {
	return &LineRecognizer{
		scanner: bufio.NewScanner(r),
		events:  make(chan Event, 16),
	}
}

func (l *LineRecognizer) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.eof {
		return io.EOF
	}
	l.listening = true
	if !l.reading {
		l.reading = true
		go l.read()
	}
	return nil
}

func (l *LineRecognizer) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listening && !l.eof {
		l.events <- Event{Kind: EventEnd}
	}
	l.listening = false
}

func (l *LineRecognizer) Events() <-chan Event { return l.events }

func (l *LineRecognizer) read() {
	for l.scanner.Scan() {
		l.mu.Lock()
		listening := l.listening
		l.mu.Unlock()
		if !listening {
			continue
		}
		l.events <- Event{Kind: EventResult, Transcript: l.scanner.Text(), Final: true}
	}
	if err := l.scanner.Err(); err != nil {
		l.events <- Event{Kind: EventError, Error: err.Error()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listening {
		l.events <- Event{Kind: EventEnd}
	}
	l.eof = true
	l.listening = false
	close(l.events)
}

var ErrBackpressure = errors.New("recognizer event buffer full")

type CommandKind string

const (
	CommandStart CommandKind = "start"
	CommandStop  CommandKind = "stop"
)

// RemoteRecognizer stands in for a recognizer running elsewhere, typically
// the browser's speech engine behind a WebSocket. Start and Stop become
// commands for the remote side; Push feeds back what it reports.
type RemoteRecognizer struct {
	events   chan Event
	commands chan CommandKind

	mu     sync.Mutex
	closed bool
}

func NewRemoteRecognizer() *RemoteRecognizer {
	return &RemoteRecognizer{
		events:   make(chan Event, 32),
		commands: make(chan CommandKind, 8),
	}
}

func (r *RemoteRecognizer) Start(_ context.Context) error {
	return r.command(CommandStart)
}

func (r *RemoteRecognizer) Stop() {
	_ = r.command(CommandStop)
}

func (r *RemoteRecognizer) Events() <-chan Event { return r.events }

// Commands carries start/stop requests for the remote engine.
func (r *RemoteRecognizer) Commands() <-chan CommandKind { return r.commands }

// Push delivers an event reported by the remote engine.
func (r *RemoteRecognizer) Push(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.events <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close ends the event stream; the owning Session goes idle.
func (r *RemoteRecognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.events)
	close(r.commands)
}

func (r *RemoteRecognizer) command(kind CommandKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.commands <- kind:
	default:
	}
	return nil
}
