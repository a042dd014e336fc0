package provider

import (
	"context"
	"errors"
	"strings"

	"dreamstream/server/internal/model"
)

const (
	CodeCanceled          = "CANCELED"
	CodeUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	CodeUpstream5xx       = "UPSTREAM_5XX"
	CodeNoMedia           = "NO_MEDIA"
	CodeCredentialInvalid = "CREDENTIAL_INVALID"
	CodeUnknown           = "UNKNOWN"
)

// CredentialInvalidSignal is the upstream message that means the selected API
// key is invalid or was revoked.
const CredentialInvalidSignal = "Requested entity was not found"

type Error struct {
	Category        string
	Code            string
	Retryable       bool
	UserMessage     string
	InternalMessage string
}

func (e *Error) Error() string {
	if e.InternalMessage != "" && e.InternalMessage != e.UserMessage {
		return e.UserMessage + ": " + e.InternalMessage
	}
	return e.UserMessage
}

// IsCredentialInvalid reports whether err carries the invalid credential
// signal, either as a classified provider error or in its message.
func IsCredentialInvalid(err error) bool {
	if err == nil {
		return false
	}
	var pErr *Error
	if errors.As(err, &pErr) && pErr.Code == CodeCredentialInvalid {
		return true
	}
	return strings.Contains(err.Error(), CredentialInvalidSignal)
}

// UserMessage returns the text recorded on a failed item.
func UserMessage(err error) string {
	var pErr *Error
	if errors.As(err, &pErr) && pErr.UserMessage != "" {
		return pErr.UserMessage
	}
	if err == nil || err.Error() == "" {
		return "Failed to generate"
	}
	return err.Error()
}

type Request struct {
	RawText      string
	Context      string
	ReferenceRef string
	Style        model.Style
	Seed         int
	TraceID      string
}

type Result struct {
	Data     []byte
	MimeType string
}

// Generator produces media for a prompt. Implementations may take minutes
// and must honor ctx.
type Generator interface {
	GenerateImage(ctx context.Context, req Request) (Result, error)
	GenerateVideo(ctx context.Context, req Request) (Result, error)
}

// Generate dispatches on kind.
func Generate(ctx context.Context, g Generator, kind model.MediaKind, req Request) (Result, error) {
	if kind == model.MediaVideo {
		return g.GenerateVideo(ctx, req)
	}
	return g.GenerateImage(ctx, req)
}

// CredentialSelector is the UI-driven API key selection collaborator.
type CredentialSelector interface {
	HasCredential(ctx context.Context) bool
	PromptForCredential(ctx context.Context)
}
