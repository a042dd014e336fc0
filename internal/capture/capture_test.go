package capture

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRecognizer counts Start/Stop calls and lets the test inject events.
type scriptedRecognizer struct {
	mu     sync.Mutex
	starts int
	stops  int
	events chan Event
}

func newScripted() *scriptedRecognizer {
	return &scriptedRecognizer{events: make(chan Event, 16)}
}

func (r *scriptedRecognizer) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return nil
}

func (r *scriptedRecognizer) Stop() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	r.events <- Event{Kind: EventEnd}
}

func (r *scriptedRecognizer) Events() <-chan Event { return r.events }

func (r *scriptedRecognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func TestShouldRestart(t *testing.T) {
	cases := []struct {
		intentional, continuous, fatal bool
		want                           bool
	}{
		{false, true, false, true},
		{true, true, false, false},
		{false, false, false, false},
		{false, true, true, false},
		{true, false, true, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ShouldRestart(tc.intentional, tc.continuous, tc.fatal), "%+v", tc)
	}
}

func TestFinalResultsBecomeTranscripts(t *testing.T) {
	rec := newScripted()
	s := NewSession(rec)
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateListening, s.State())

	rec.events <- Event{Kind: EventResult, Transcript: "a ca", Final: false}
	rec.events <- Event{Kind: EventResult, Transcript: "  a cat  ", Final: true}
	rec.events <- Event{Kind: EventResult, Transcript: "   ", Final: true}

	select {
	case got := <-s.Transcripts():
		assert.Equal(t, "a cat", got)
	case <-time.After(time.Second):
		t.Fatal("no transcript")
	}
	select {
	case got := <-s.Transcripts():
		t.Fatalf("unexpected transcript %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnrequestedEndRestarts(t *testing.T) {
	rec := newScripted()
	s := NewSession(rec, WithRestartDelay(5*time.Millisecond))
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	rec.events <- Event{Kind: EventEnd}
	require.Eventually(t, func() bool { return rec.Starts() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateListening, s.State())
}

func TestIntentionalStopDoesNotRestart(t *testing.T) {
	rec := newScripted()
	s := NewSession(rec, WithRestartDelay(5*time.Millisecond))
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	s.Stop()
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.Starts())
}

func TestStopDuringRestartDelayWins(t *testing.T) {
	rec := newScripted()
	s := NewSession(rec, WithRestartDelay(50*time.Millisecond))
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	rec.events <- Event{Kind: EventEnd}
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.Starts())
}

func TestNonContinuousDoesNotRestart(t *testing.T) {
	rec := newScripted()
	s := NewSession(rec, WithContinuous(false), WithRestartDelay(5*time.Millisecond))
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	rec.events <- Event{Kind: EventEnd}
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.Starts())
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	var mu sync.Mutex
	var states []State
	rec := newScripted()
	s := NewSession(rec, WithRestartDelay(5*time.Millisecond), WithStateHook(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}))
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	rec.events <- Event{Kind: EventError, Error: ErrCodeNotAllowed}
	rec.events <- Event{Kind: EventEnd}

	select {
	case n := <-s.Notices():
		assert.Equal(t, MsgMicrophoneDenied, n)
	case <-time.After(time.Second):
		t.Fatal("no notice")
	}
	require.Eventually(t, func() bool { return s.State() == StateFatalError }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.Starts())
	assert.Equal(t, MsgMicrophoneDenied, s.Err())

	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, s.Err())
	assert.Equal(t, StateListening, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateFatalError)
}

func TestNoSpeechIsSuppressed(t *testing.T) {
	rec := newScripted()
	s := NewSession(rec, WithRestartDelay(5*time.Millisecond))
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	rec.events <- Event{Kind: EventError, Error: ErrCodeNoSpeech}
	rec.events <- Event{Kind: EventError, Error: "network"}
	rec.events <- Event{Kind: EventEnd}

	require.Eventually(t, func() bool { return rec.Starts() == 2 }, time.Second, 5*time.Millisecond)
	select {
	case n := <-s.Notices():
		t.Fatalf("unexpected notice %q", n)
	default:
	}
	assert.Empty(t, s.Err())
}

func TestLineRecognizerFeedsSession(t *testing.T) {
	rec := NewLineRecognizer(strings.NewReader("A futuristic city\n\nundo\nAdd flying cars\n"))
	s := NewSession(rec, WithContinuous(false))
	require.NoError(t, s.Start(context.Background()))

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case v := <-s.Transcripts():
			got = append(got, v)
		case <-timeout:
			t.Fatalf("only got %v", got)
		}
	}
	assert.Equal(t, []string{"A futuristic city", "undo", "Add flying cars"}, got)
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	s.Close()
}

func TestRemoteRecognizerCommands(t *testing.T) {
	rec := NewRemoteRecognizer()
	s := NewSession(rec)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, CommandStart, <-rec.Commands())

	require.NoError(t, rec.Push(Event{Kind: EventResult, Transcript: "next", Final: true}))
	assert.Equal(t, "next", <-s.Transcripts())

	s.Stop()
	assert.Equal(t, CommandStop, <-rec.Commands())

	rec.Close()
	assert.ErrorIs(t, rec.Push(Event{Kind: EventEnd}), ErrClosed)
	s.Close()
}
