package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"dreamstream/server/internal/model"
	"dreamstream/server/internal/session"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
)

// MediaPathPrefix is the URL path under which blobs are served. A ResultRef
// is this prefix followed by the blob id.
const MediaPathPrefix = "/api/v1/media/"

const defaultEventBacklog = 512

type MemoryStore struct {
	mu sync.RWMutex

	users       map[string]model.User
	userByEmail map[string]string

	refreshTokens map[string]model.RefreshToken

	sessions       map[string]*session.Session
	sessionsByUser map[string][]string

	eventsBySession   map[string][]model.SessionEvent
	eventSeqBySession map[string]int64
	eventBacklog      int

	blobs map[string]model.Blob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:             map[string]model.User{},
		userByEmail:       map[string]string{},
		refreshTokens:     map[string]model.RefreshToken{},
		sessions:          map[string]*session.Session{},
		sessionsByUser:    map[string][]string{},
		eventsBySession:   map[string][]model.SessionEvent{},
		eventSeqBySession: map[string]int64{},
		eventBacklog:      defaultEventBacklog,
		blobs:             map[string]model.Blob{},
	}
}

func (s *MemoryStore) UpsertUser(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	s.userByEmail[strings.ToLower(user.Email)] = user.ID
}

func (s *MemoryStore) GetUserByEmail(email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userByEmail[strings.ToLower(email)]
	if !ok {
		return model.User{}, ErrNotFound
	}
	user, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByID(id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) SaveRefreshToken(tok model.RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[tok.ID] = tok
}

func (s *MemoryStore) GetRefreshToken(id string) (model.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.refreshTokens[id]
	if !ok {
		return model.RefreshToken{}, ErrNotFound
	}
	return tok, nil
}

func (s *MemoryStore) RevokeRefreshToken(id string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refreshTokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.RevokedAt = &revokedAt
	s.refreshTokens[id] = tok
	return nil
}

// RevokeUserRefreshTokens revokes every live refresh token of a user and
// reports how many were affected.
func (s *MemoryStore) RevokeUserRefreshTokens(userID string, revokedAt time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tok := range s.refreshTokens {
		if tok.UserID != userID || tok.RevokedAt != nil {
			continue
		}
		at := revokedAt
		tok.RevokedAt = &at
		s.refreshTokens[id] = tok
		n++
	}
	return n
}

func (s *MemoryStore) CreateSession(sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrConflict
	}
	s.sessions[sess.ID] = sess
	s.sessionsByUser[sess.UserID] = append(s.sessionsByUser[sess.UserID], sess.ID)
	s.eventsBySession[sess.ID] = []model.SessionEvent{}
	s.eventSeqBySession[sess.ID] = 0
	return nil
}

func (s *MemoryStore) GetSession(sessionID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// DeleteSession removes a session with its event backlog and media.
func (s *MemoryStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.eventsBySession, sessionID)
	delete(s.eventSeqBySession, sessionID)
	ids := s.sessionsByUser[sess.UserID]
	for i, id := range ids {
		if id == sessionID {
			s.sessionsByUser[sess.UserID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	for id, b := range s.blobs {
		if b.SessionID == sessionID {
			delete(s.blobs, id)
		}
	}
	return nil
}

// ListSessions returns a user's sessions, newest first.
func (s *MemoryStore) ListSessions(userID string, page, pageSize int) ([]*session.Session, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	items := make([]*session.Session, 0, len(s.sessionsByUser[userID]))
	for _, id := range s.sessionsByUser[userID] {
		if sess, ok := s.sessions[id]; ok {
			items = append(items, sess)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	total := len(items)
	start := (page - 1) * pageSize
	if start > total {
		return []*session.Session{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return append([]*session.Session(nil), items[start:end]...), total
}

// AppendSessionEvent assigns the next sequence number and keeps a bounded
// backlog for reconnecting subscribers.
func (s *MemoryStore) AppendSessionEvent(sessionID string, event model.SessionEvent) (model.SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return model.SessionEvent{}, ErrNotFound
	}
	seq := s.eventSeqBySession[sessionID] + 1
	s.eventSeqBySession[sessionID] = seq
	event.Seq = seq
	event.EventID = uuid.NewString()
	event.SessionID = sessionID

	events := append(s.eventsBySession[sessionID], event)
	if s.eventBacklog > 0 && len(events) > s.eventBacklog {
		events = append([]model.SessionEvent(nil), events[len(events)-s.eventBacklog:]...)
	}
	s.eventsBySession[sessionID] = events
	return event, nil
}

func (s *MemoryStore) ListSessionEventsFromSeq(sessionID string, fromSeq int64) ([]model.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.eventsBySession[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if fromSeq <= 0 {
		return append([]model.SessionEvent(nil), events...), nil
	}
	out := make([]model.SessionEvent, 0, len(events))
	for _, e := range events {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveBlob stores media bytes. A missing or generic MIME type is replaced by
// the one detected from the content.
func (s *MemoryStore) SaveBlob(blob model.Blob) (model.Blob, error) {
	if len(blob.Data) == 0 {
		return model.Blob{}, ErrBadRequest
	}
	if blob.ID == "" {
		blob.ID = uuid.NewString()
	}
	if blob.MimeType == "" || blob.MimeType == "application/octet-stream" {
		blob.MimeType = mimetype.Detect(blob.Data).String()
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}
	blob.SizeBytes = int64(len(blob.Data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[blob.ID]; ok {
		return model.Blob{}, ErrConflict
	}
	s.blobs[blob.ID] = blob
	return blob, nil
}

func (s *MemoryStore) GetBlob(blobID string) (model.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[blobID]
	if !ok {
		return model.Blob{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) DeleteBlob(blobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, blobID)
}

// BlobRef is the ResultRef of a stored blob.
func BlobRef(blobID string) string {
	return MediaPathPrefix + blobID
}

// ResolveRef loads the blob a ResultRef points at.
func (s *MemoryStore) ResolveRef(_ context.Context, ref string) ([]byte, string, error) {
	id, ok := strings.CutPrefix(ref, MediaPathPrefix)
	if !ok || id == "" {
		return nil, "", ErrBadRequest
	}
	b, err := s.GetBlob(id)
	if err != nil {
		return nil, "", err
	}
	return b.Data, b.MimeType, nil
}
