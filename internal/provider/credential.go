package provider

import (
	"context"
	"strings"
	"sync"
	"time"
)

type userIDKey struct{}

// WithUser scopes credential lookups made with ctx to userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey{}).(string)
	return v
}

type userCredential struct {
	key       string
	updatedAt time.Time
	changed   chan struct{}
	prompts   int
}

// KeyStore holds the API key each user selected and lets generations wait for
// a new selection. A user without a key of their own falls back to the
// operator key the store was created with.
type KeyStore struct {
	mu            sync.Mutex
	fallback      string
	fallbackAt    time.Time
	users         map[string]*userCredential
	promptTimeout time.Duration
	onPrompt      func()
}

type KeyStoreOption func(*KeyStore)

// WithPromptTimeout bounds how long PromptForCredential waits for a selection.
func WithPromptTimeout(d time.Duration) KeyStoreOption {
	return func(k *KeyStore) { k.promptTimeout = d }
}

// WithPromptHook is called every time a selection is requested.
func WithPromptHook(fn func()) KeyStoreOption {
	return func(k *KeyStore) { k.onPrompt = fn }
}

func NewKeyStore(operatorKey string, opts ...KeyStoreOption) *KeyStore {
	k := &KeyStore{
		fallback:      strings.TrimSpace(operatorKey),
		users:         map[string]*userCredential{},
		promptTimeout: 2 * time.Minute,
	}
	if k.fallback != "" {
		k.fallbackAt = time.Now().UTC()
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *KeyStore) userLocked(userID string) *userCredential {
	u, ok := k.users[userID]
	if !ok {
		u = &userCredential{changed: make(chan struct{})}
		k.users[userID] = u
	}
	return u
}

func (k *KeyStore) HasCredential(ctx context.Context) bool {
	return k.Key(ctx) != ""
}

// PromptForCredential asks the user in ctx for a key selection and blocks
// until they set one, the prompt times out, or ctx ends. It never fails:
// generation proceeds with whatever key is present afterwards.
func (k *KeyStore) PromptForCredential(ctx context.Context) {
	k.mu.Lock()
	u := k.userLocked(UserFromContext(ctx))
	u.prompts++
	wait := u.changed
	hook := k.onPrompt
	timeout := k.promptTimeout
	k.mu.Unlock()

	if hook != nil {
		hook()
	}
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// SetKey stores a new key for userID and releases that user's waiting prompts.
func (k *KeyStore) SetKey(userID, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	u := k.userLocked(userID)
	u.key = strings.TrimSpace(key)
	u.updatedAt = time.Now().UTC()
	close(u.changed)
	u.changed = make(chan struct{})
}

// Key returns the key to use for the user in ctx.
func (k *KeyStore) Key(ctx context.Context) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if u, ok := k.users[UserFromContext(ctx)]; ok && u.key != "" {
		return u.key
	}
	return k.fallback
}

// Status reports whether userID has a usable key, when it was last set and
// how many selections were requested from them so far.
func (k *KeyStore) Status(userID string) (hasKey bool, updatedAt time.Time, prompts int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	u, ok := k.users[userID]
	if ok {
		prompts = u.prompts
	}
	if ok && u.key != "" {
		return true, u.updatedAt, prompts
	}
	return k.fallback != "", k.fallbackAt, prompts
}
