package model

import "time"

type MediaKind string

const (
	MediaImage MediaKind = "IMAGE"
	MediaVideo MediaKind = "VIDEO"
)

func (k MediaKind) Valid() bool {
	return k == MediaImage || k == MediaVideo
}

type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemReady   ItemStatus = "ready"
	ItemFailed  ItemStatus = "failed"
)

// MediaItem is one generation attempt. Status moves from pending to ready or
// failed exactly once, always addressed by ID.
type MediaItem struct {
	ID           string     `json:"id"`
	Kind         MediaKind  `json:"kind"`
	Prompt       string     `json:"prompt"`
	Status       ItemStatus `json:"status"`
	ResultRef    string     `json:"result_ref,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (m MediaItem) IsPending() bool { return m.Status == ItemPending }
func (m MediaItem) IsReady() bool   { return m.Status == ItemReady && m.ResultRef != "" }

type Style string

const (
	StyleNone         Style = "None"
	StyleCinematic    Style = "Cinematic"
	StylePhotographic Style = "Photographic"
	StyleAnime        Style = "Anime"
	Style3DRender     Style = "3D Render"
	StyleWatercolor   Style = "Watercolor"
	StyleOilPainting  Style = "Oil Painting"
	StylePixelArt     Style = "Pixel Art"
	StyleCyberpunk    Style = "Cyberpunk"
	StyleSketch       Style = "Sketch"
)

var Styles = []Style{
	StyleNone,
	StyleCinematic,
	StylePhotographic,
	StyleAnime,
	Style3DRender,
	StyleWatercolor,
	StyleOilPainting,
	StylePixelArt,
	StyleCyberpunk,
	StyleSketch,
}

func (s Style) Valid() bool {
	for _, known := range Styles {
		if s == known {
			return true
		}
	}
	return false
}

// Snapshot is an immutable view of a session handed to the presentation layer.
type Snapshot struct {
	SessionID    string      `json:"session_id"`
	Version      int64       `json:"version"`
	Items        []MediaItem `json:"items"`
	CurrentIndex int         `json:"current_index"`
	Current      *MediaItem  `json:"current,omitempty"`
	Previous     *MediaItem  `json:"previous,omitempty"`
	CanUndo      bool        `json:"can_undo"`
	CanRedo      bool        `json:"can_redo"`
	SceneContext string      `json:"scene_context"`
	Seed         int         `json:"seed"`
	Mode         MediaKind   `json:"mode"`
	Style        Style       `json:"style"`
	Pending      int         `json:"pending"`
}

type SessionEventType string

const (
	EventSnapshot           SessionEventType = "snapshot"
	EventNotice             SessionEventType = "notice"
	EventCredentialRequired SessionEventType = "credential_required"
	EventCaptureState       SessionEventType = "capture_state"
)

type SessionEvent struct {
	EventID   string           `json:"event_id"`
	Seq       int64            `json:"seq"`
	TraceID   string           `json:"trace_id,omitempty"`
	SessionID string           `json:"session_id"`
	Type      SessionEventType `json:"type"`
	TS        time.Time        `json:"ts"`
	Snapshot  *Snapshot        `json:"snapshot,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
}

// Blob holds generated media bytes served back to clients via ResultRef.
type Blob struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Kind      MediaKind `json:"kind"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
