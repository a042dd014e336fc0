// Package session holds the state of one DreamStream narration session: the
// timeline, the scene context, the seed and the generation settings.
//
// Every mutating method is atomic with respect to the others and returns the
// resulting Snapshot, which is the only view of the state handed out.
package session

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"dreamstream/server/internal/continuity"
	"dreamstream/server/internal/model"
	"dreamstream/server/internal/timeline"

	"github.com/google/uuid"
)

const seedSpace = 1_000_000

var (
	ErrEmptyPrompt  = errors.New("empty prompt")
	ErrInvalidMode  = errors.New("invalid generation mode")
	ErrInvalidStyle = errors.New("invalid style")
)

// Pending describes a generation that was appended to the timeline and still
// has to be sent to the generator.
type Pending struct {
	ItemID       string
	Kind         model.MediaKind
	RawText      string
	Context      string
	ReferenceRef string
	Style        model.Style
	Seed         int
}

type Option func(*Session)

// WithSeedSource replaces the random seed source.
func WithSeedSource(fn func() int) Option {
	return func(s *Session) { s.seedFn = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithDiscardHook is called with the result refs of ready items that left the
// timeline through a divergent append or a reset.
func WithDiscardHook(fn func(refs []string)) Option {
	return func(s *Session) { s.onDiscard = fn }
}

type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	mu           sync.Mutex
	timeline     *timeline.Timeline
	sceneContext string
	seed         int
	mode         model.MediaKind
	style        model.Style
	version      int64

	seedFn    func() int
	now       func() time.Time
	onDiscard func(refs []string)
}

func New(id, userID string, opts ...Option) *Session {
	s := &Session{
		ID:       id,
		UserID:   userID,
		timeline: timeline.New(),
		mode:     model.MediaImage,
		style:    model.StyleNone,
		seedFn:   func() int { return rand.IntN(seedSpace) },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.CreatedAt = s.now().UTC()
	s.seed = s.seedFn()
	return s
}

func (s *Session) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Begin appends a pending item for rawText and returns what the generator
// needs. The reference is taken from the item that was current before the
// append. An empty mode falls back to the session mode.
func (s *Session) Begin(rawText string, mode model.MediaKind) (Pending, model.Snapshot, error) {
	if strings.TrimSpace(rawText) == "" {
		return Pending{}, model.Snapshot{}, ErrEmptyPrompt
	}
	if mode != "" && !mode.Valid() {
		return Pending{}, model.Snapshot{}, ErrInvalidMode
	}

	s.mu.Lock()
	if mode == "" {
		mode = s.mode
	}

	updated := continuity.Accumulate(s.sceneContext, rawText)
	var ref string
	if cur, ok := s.timeline.Current(); ok {
		ref, _ = continuity.Reference(&cur)
	}

	item := model.MediaItem{
		ID:        uuid.NewString(),
		Kind:      mode,
		Prompt:    updated,
		Status:    model.ItemPending,
		CreatedAt: s.now().UTC(),
	}
	discarded := s.timeline.After()
	s.timeline.Append(item)
	s.sceneContext = updated
	s.version++

	pending := Pending{
		ItemID:       item.ID,
		Kind:         mode,
		RawText:      rawText,
		Context:      updated,
		ReferenceRef: ref,
		Style:        s.style,
		Seed:         s.seed,
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.release(discarded)
	return pending, snap, nil
}

// Resolve records the outcome of a generation. applied is false when the item
// is no longer in the timeline or was already resolved.
func (s *Session) Resolve(itemID string, patch timeline.Patch) (snap model.Snapshot, applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied, err = s.timeline.UpdateByID(itemID, patch)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	if applied {
		s.version++
	}
	return s.snapshotLocked(), applied, nil
}

// Undo moves the cursor back one item. At the first item it does nothing.
func (s *Session) Undo() (model.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timeline.Back() {
		return s.snapshotLocked(), false
	}
	s.syncContextLocked()
	s.version++
	return s.snapshotLocked(), true
}

// Redo moves the cursor forward one item. At the tip it does nothing.
func (s *Session) Redo() (model.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timeline.Forward() {
		return s.snapshotLocked(), false
	}
	s.syncContextLocked()
	s.version++
	return s.snapshotLocked(), true
}

// ResetContext starts a new scene: timeline, scene context and seed are all
// replaced.
func (s *Session) ResetContext() model.Snapshot {
	s.mu.Lock()
	discarded := s.timeline.Items()
	s.resetLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.release(discarded)
	return snap
}

// ClearHistory drops every item. It has the same effect as ResetContext.
func (s *Session) ClearHistory() model.Snapshot {
	return s.ResetContext()
}

func (s *Session) SetMode(mode model.MediaKind) (model.Snapshot, error) {
	if !mode.Valid() {
		return model.Snapshot{}, ErrInvalidMode
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != mode {
		s.mode = mode
		s.version++
	}
	return s.snapshotLocked(), nil
}

func (s *Session) SetStyle(style model.Style) (model.Snapshot, error) {
	if !style.Valid() {
		return model.Snapshot{}, ErrInvalidStyle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.style != style {
		s.style = style
		s.version++
	}
	return s.snapshotLocked(), nil
}

func (s *Session) Mode() model.MediaKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) release(items []model.MediaItem) {
	if s.onDiscard == nil {
		return
	}
	var refs []string
	for _, it := range items {
		if it.IsReady() {
			refs = append(refs, it.ResultRef)
		}
	}
	if len(refs) > 0 {
		s.onDiscard(refs)
	}
}

func (s *Session) resetLocked() {
	s.timeline.Reset()
	s.sceneContext = ""
	prev := s.seed
	next := s.seedFn()
	for i := 0; next == prev && i < 8; i++ {
		next = s.seedFn()
	}
	if next == prev {
		next = (prev + 1) % seedSpace
	}
	s.seed = next
	s.version++
}

func (s *Session) syncContextLocked() {
	if cur, ok := s.timeline.Current(); ok {
		s.sceneContext = cur.Prompt
		return
	}
	s.sceneContext = ""
}

func (s *Session) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		SessionID:    s.ID,
		Version:      s.version,
		Items:        s.timeline.Items(),
		CurrentIndex: s.timeline.CurrentIndex(),
		CanUndo:      s.timeline.CanBack(),
		CanRedo:      s.timeline.CanForward(),
		SceneContext: s.sceneContext,
		Seed:         s.seed,
		Mode:         s.mode,
		Style:        s.style,
		Pending:      s.timeline.PendingCount(),
	}
	if cur, ok := s.timeline.Current(); ok {
		snap.Current = &cur
	}
	if prev, ok := s.timeline.Previous(); ok {
		snap.Previous = &prev
	}
	return snap
}
