package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"dreamstream/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastMock() *MockGenerator {
	m := NewMockGenerator()
	m.ImageWork = 0
	m.VideoWork = 0
	return m
}

func TestMockGeneratorImageIsPNG(t *testing.T) {
	res, err := fastMock().GenerateImage(context.Background(), Request{RawText: "a cat", Context: "a cat", Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.MimeType)
	require.Greater(t, len(res.Data), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, res.Data[:4])
}

func TestMockGeneratorVideoHasFtyp(t *testing.T) {
	res, err := Generate(context.Background(), fastMock(), model.MediaVideo, Request{RawText: "waves", Context: "waves"})
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", res.MimeType)
	assert.Equal(t, "ftyp", string(res.Data[4:8]))
}

func TestMockGeneratorMarkers(t *testing.T) {
	g := fastMock()

	_, err := g.GenerateImage(context.Background(), Request{RawText: "dog [bad-key]"})
	require.Error(t, err)
	assert.True(t, IsCredentialInvalid(err))

	_, err = g.GenerateImage(context.Background(), Request{RawText: "dog [fail]"})
	require.Error(t, err)
	assert.False(t, IsCredentialInvalid(err))
	assert.Equal(t, "Upstream timeout", UserMessage(err))

	_, err = g.GenerateImage(context.Background(), Request{RawText: "dog [no-media]"})
	assert.Equal(t, "No image data found.", UserMessage(err))
}

func TestMockGeneratorHonorsCancel(t *testing.T) {
	g := NewMockGenerator()
	g.ImageWork = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.GenerateImage(ctx, Request{RawText: "slow"})
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, CodeCanceled, pErr.Code)
}

func TestIsCredentialInvalidMatchesMessage(t *testing.T) {
	assert.True(t, IsCredentialInvalid(errors.New("rpc error: Requested entity was not found.")))
	assert.False(t, IsCredentialInvalid(errors.New("quota exceeded")))
	assert.False(t, IsCredentialInvalid(nil))
}

func TestUserMessageFallbacks(t *testing.T) {
	assert.Equal(t, "quota exceeded", UserMessage(errors.New("quota exceeded")))
	assert.Equal(t, "Failed to generate", UserMessage(errors.New("")))
}

func TestKeyStorePromptReleasedBySetKey(t *testing.T) {
	var hooked atomic.Int32
	ks := NewKeyStore("", WithPromptTimeout(5*time.Second), WithPromptHook(func() { hooked.Add(1) }))
	ctx := WithUser(context.Background(), "u1")
	assert.False(t, ks.HasCredential(ctx))

	done := make(chan struct{})
	go func() {
		ks.PromptForCredential(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hooked.Load() == 1 }, time.Second, 5*time.Millisecond)
	ks.SetKey("u1", "  secret  ")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt was not released")
	}
	assert.True(t, ks.HasCredential(ctx))
	assert.Equal(t, "secret", ks.Key(ctx))

	hasKey, updatedAt, prompts := ks.Status("u1")
	assert.True(t, hasKey)
	assert.False(t, updatedAt.IsZero())
	assert.Equal(t, 1, prompts)
}

func TestKeyStorePromptTimesOut(t *testing.T) {
	ks := NewKeyStore("k", WithPromptTimeout(10*time.Millisecond))
	start := time.Now()
	ks.PromptForCredential(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "k", ks.Key(context.Background()))
}

func TestKeyStoreKeysAreScopedPerUser(t *testing.T) {
	ks := NewKeyStore("operator", WithPromptTimeout(5*time.Second))
	alice := WithUser(context.Background(), "alice")
	bob := WithUser(context.Background(), "bob")
	assert.Equal(t, "operator", ks.Key(alice))

	ks.SetKey("alice", "alice-key")
	assert.Equal(t, "alice-key", ks.Key(alice))
	assert.Equal(t, "operator", ks.Key(bob), "one user's key never reaches another")

	ks2 := NewKeyStore("", WithPromptTimeout(5*time.Second))
	released := make(chan struct{})
	go func() {
		ks2.PromptForCredential(bob)
		close(released)
	}()
	require.Eventually(t, func() bool {
		_, _, prompts := ks2.Status("bob")
		return prompts == 1
	}, time.Second, 5*time.Millisecond)

	ks2.SetKey("alice", "alice-key")
	select {
	case <-released:
		t.Fatal("another user's key released the prompt")
	case <-time.After(30 * time.Millisecond):
	}
	assert.False(t, ks2.HasCredential(bob))

	ks2.SetKey("bob", "bob-key")
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt was not released")
	}
	hasKey, _, prompts := ks2.Status("alice")
	assert.True(t, hasKey)
	assert.Equal(t, 0, prompts)
}
