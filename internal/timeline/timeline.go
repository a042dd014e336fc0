// Package timeline keeps the ordered history of generation attempts and the
// cursor marking the active one.
//
// A Timeline is not safe for concurrent use; its owner serializes access.
package timeline

import (
	"errors"

	"dreamstream/server/internal/model"
)

var ErrInvalidTransition = errors.New("invalid item status transition")

// Patch describes a terminal transition for a pending item.
type Patch struct {
	Status       model.ItemStatus
	ResultRef    string
	ErrorMessage string
}

func Ready(resultRef string) Patch {
	return Patch{Status: model.ItemReady, ResultRef: resultRef}
}

func Failed(message string) Patch {
	return Patch{Status: model.ItemFailed, ErrorMessage: message}
}

type Timeline struct {
	items   []model.MediaItem
	current int
}

func New() *Timeline {
	return &Timeline{current: -1}
}

// Append discards everything after the cursor, pushes item, and moves the
// cursor to it. It returns the new index.
func (t *Timeline) Append(item model.MediaItem) int {
	t.items = append(t.items[:t.current+1], item)
	t.current = len(t.items) - 1
	return t.current
}

// After returns copies of the items past the cursor, the ones the next Append
// discards.
func (t *Timeline) After() []model.MediaItem {
	return append([]model.MediaItem{}, t.items[t.current+1:]...)
}

func (t *Timeline) Back() bool {
	if t.current <= 0 {
		return false
	}
	t.current--
	return true
}

func (t *Timeline) Forward() bool {
	if t.current >= len(t.items)-1 {
		return false
	}
	t.current++
	return true
}

func (t *Timeline) Reset() {
	t.items = nil
	t.current = -1
}

// UpdateByID applies patch to the pending item with the given id. It reports
// false when the item is gone or already resolved; neither is an error for the
// caller, since results may arrive after a reset or a divergent append.
func (t *Timeline) UpdateByID(id string, patch Patch) (bool, error) {
	if patch.Status != model.ItemReady && patch.Status != model.ItemFailed {
		return false, ErrInvalidTransition
	}
	if patch.Status == model.ItemReady && patch.ResultRef == "" {
		return false, ErrInvalidTransition
	}
	for i := range t.items {
		if t.items[i].ID != id {
			continue
		}
		if !t.items[i].IsPending() {
			return false, nil
		}
		t.items[i].Status = patch.Status
		t.items[i].ResultRef = patch.ResultRef
		t.items[i].ErrorMessage = patch.ErrorMessage
		if patch.Status == model.ItemFailed && t.items[i].ErrorMessage == "" {
			t.items[i].ErrorMessage = "Failed to generate"
		}
		return true, nil
	}
	return false, nil
}

// Current returns a copy of the item under the cursor.
func (t *Timeline) Current() (model.MediaItem, bool) {
	if t.current < 0 {
		return model.MediaItem{}, false
	}
	return t.items[t.current], true
}

// Previous returns a copy of the item just before the cursor.
func (t *Timeline) Previous() (model.MediaItem, bool) {
	if t.current < 1 {
		return model.MediaItem{}, false
	}
	return t.items[t.current-1], true
}

func (t *Timeline) Get(id string) (model.MediaItem, bool) {
	for _, it := range t.items {
		if it.ID == id {
			return it, true
		}
	}
	return model.MediaItem{}, false
}

func (t *Timeline) Len() int          { return len(t.items) }
func (t *Timeline) CurrentIndex() int { return t.current }
func (t *Timeline) CanBack() bool     { return t.current > 0 }
func (t *Timeline) CanForward() bool  { return t.current < len(t.items)-1 }

// Items returns a copy of the sequence.
func (t *Timeline) Items() []model.MediaItem {
	return append([]model.MediaItem{}, t.items...)
}

func (t *Timeline) PendingCount() int {
	n := 0
	for _, it := range t.items {
		if it.IsPending() {
			n++
		}
	}
	return n
}
