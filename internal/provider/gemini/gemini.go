// Package gemini implements provider.Generator on top of the Gemini API:
// image generation through generateContent and video generation through
// long-running Veo operations.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dreamstream/server/internal/provider"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	DefaultImageModel   = "gemini-2.5-flash-image"
	DefaultVideoModel   = "veo-3.1-fast-generate-preview"
	DefaultPollInterval = 3 * time.Second

	msgImageFailed = "Visual generation failed. Please try again."
	msgNoImage     = "No image data found."
	msgVideoFailed = "Video generation failed."
	maxVideoBytes  = 512 << 20
)

var errNotImageReference = errors.New("reference is not an image")

// KeySource returns the API key for the user the request runs for.
type KeySource interface {
	Key(ctx context.Context) string
}

// ReferenceSource turns a ResultRef of an earlier item into its bytes.
type ReferenceSource interface {
	ResolveRef(ctx context.Context, ref string) (data []byte, mimeType string, err error)
}

type Config struct {
	ImageModel   string
	VideoModel   string
	PollInterval time.Duration
}

type Generator struct {
	keys   KeySource
	refs   ReferenceSource
	cfg    Config
	logger *zap.Logger
	http   *retryablehttp.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func New(keys KeySource, refs ReferenceSource, cfg Config, logger *zap.Logger) *Generator {
	if cfg.ImageModel == "" {
		cfg.ImageModel = DefaultImageModel
	}
	if cfg.VideoModel == "" {
		cfg.VideoModel = DefaultVideoModel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 1 * time.Second
	httpClient.RetryWaitMax = 10 * time.Second
	httpClient.Logger = nil

	return &Generator{
		keys:    keys,
		refs:    refs,
		cfg:     cfg,
		logger:  logger.Named("gemini"),
		http:    httpClient,
		clients: map[string]*genai.Client{},
	}
}

// clientFor returns a client bound to the key of the user in ctx. Clients are
// kept per key.
func (g *Generator) clientFor(ctx context.Context) (*genai.Client, string, error) {
	key := g.keys.Key(ctx)
	if key == "" {
		return nil, "", &provider.Error{
			Category:        "auth",
			Code:            provider.CodeCredentialInvalid,
			UserMessage:     provider.CredentialInvalidSignal + ".",
			InternalMessage: "no api key selected",
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if client, ok := g.clients[key]; ok {
		return client, key, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create gemini client: %w", err)
	}
	g.clients[key] = client
	return client, key, nil
}

func (g *Generator) GenerateImage(ctx context.Context, req provider.Request) (provider.Result, error) {
	client, _, err := g.clientFor(ctx)
	if err != nil {
		return provider.Result{}, classify(err, msgImageFailed)
	}

	var parts []*genai.Part
	if blob := g.referenceBlob(ctx, req, imageReferenceQ); blob != nil {
		parts = append(parts, &genai.Part{InlineData: blob})
	}
	hasRef := len(parts) > 0
	parts = append(parts, &genai.Part{Text: imagePrompt(req.RawText, req.Context, req.Style, hasRef)})

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
		Seed:               int32Ptr(int32(req.Seed)),
		ImageConfig:        &genai.ImageConfig{AspectRatio: "1:1"},
	}

	start := time.Now()
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	resp, err := client.Models.GenerateContent(ctx, g.cfg.ImageModel, contents, config)
	if err != nil {
		g.logger.Error("image generation failed",
			zap.String("trace_id", req.TraceID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return provider.Result{}, classify(err, msgImageFailed)
	}

	if resp != nil {
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
					g.logger.Debug("image generated",
						zap.String("trace_id", req.TraceID),
						zap.Bool("reference", hasRef),
						zap.Int("bytes", len(part.InlineData.Data)),
						zap.Duration("duration", time.Since(start)))
					mime := part.InlineData.MIMEType
					if mime == "" {
						mime = "image/png"
					}
					return provider.Result{Data: part.InlineData.Data, MimeType: mime}, nil
				}
			}
		}
		if text := resp.Text(); text != "" {
			return provider.Result{}, &provider.Error{
				Category:        "upstream",
				Code:            provider.CodeNoMedia,
				UserMessage:     msgImageFailed,
				InternalMessage: "model answered with text only: " + text,
			}
		}
	}
	return provider.Result{}, &provider.Error{
		Category:    "upstream",
		Code:        provider.CodeNoMedia,
		UserMessage: msgNoImage,
	}
}

func (g *Generator) GenerateVideo(ctx context.Context, req provider.Request) (provider.Result, error) {
	client, key, err := g.clientFor(ctx)
	if err != nil {
		return provider.Result{}, classify(err, msgVideoFailed)
	}

	var image *genai.Image
	if blob := g.referenceBlob(ctx, req, videoReferenceQ); blob != nil {
		image = &genai.Image{ImageBytes: blob.Data, MIMEType: blob.MIMEType}
	}

	config := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		Resolution:     "720p",
		AspectRatio:    "16:9",
		Seed:           int32Ptr(int32(req.Seed)),
	}
	prompt := videoPrompt(req.RawText, req.Context, req.Style, image != nil)

	start := time.Now()
	op, err := client.Models.GenerateVideos(ctx, g.cfg.VideoModel, prompt, image, config)
	if err != nil {
		return provider.Result{}, classify(err, msgVideoFailed)
	}
	if op == nil {
		return provider.Result{}, &provider.Error{Category: "upstream", Code: provider.CodeNoMedia, UserMessage: msgVideoFailed}
	}

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return provider.Result{}, classify(ctx.Err(), msgVideoFailed)
		case <-ticker.C:
		}
		op, err = client.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return provider.Result{}, classify(err, msgVideoFailed)
		}
	}
	if len(op.Error) > 0 {
		return provider.Result{}, classify(fmt.Errorf("video operation: %v", op.Error), msgVideoFailed)
	}

	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 ||
		op.Response.GeneratedVideos[0] == nil || op.Response.GeneratedVideos[0].Video == nil {
		return provider.Result{}, &provider.Error{Category: "upstream", Code: provider.CodeNoMedia, UserMessage: msgVideoFailed}
	}
	video := op.Response.GeneratedVideos[0].Video
	g.logger.Debug("video operation finished",
		zap.String("trace_id", req.TraceID),
		zap.Duration("duration", time.Since(start)))

	if len(video.VideoBytes) > 0 {
		return provider.Result{Data: video.VideoBytes, MimeType: mimeOr(video.MIMEType, "video/mp4")}, nil
	}
	if video.URI == "" {
		return provider.Result{}, &provider.Error{Category: "upstream", Code: provider.CodeNoMedia, UserMessage: msgVideoFailed}
	}
	data, err := g.download(ctx, video.URI, key)
	if err != nil {
		return provider.Result{}, classify(err, msgVideoFailed)
	}
	return provider.Result{Data: data, MimeType: mimeOr(video.MIMEType, "video/mp4")}, nil
}

// referenceBlob returns the continuity frame for req, or nil when there is
// none usable. Generation then proceeds without a reference.
func (g *Generator) referenceBlob(ctx context.Context, req provider.Request, quality int) *genai.Blob {
	if req.ReferenceRef == "" {
		return nil
	}
	data, mime, err := g.loadReference(ctx, req.ReferenceRef, quality)
	if err != nil {
		g.logger.Warn("reference unavailable, generating without it",
			zap.String("trace_id", req.TraceID),
			zap.String("ref", req.ReferenceRef),
			zap.Error(err))
		return nil
	}
	return &genai.Blob{MIMEType: mime, Data: data}
}

// loadReference resolves ref and downscales it. Only images are references;
// an image that cannot be decoded is sent as stored.
func (g *Generator) loadReference(ctx context.Context, ref string, quality int) ([]byte, string, error) {
	if g.refs == nil {
		return nil, "", errors.New("no reference source")
	}
	data, mime, err := g.refs.ResolveRef(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("%w: %q", errNotImageReference, mime)
	}
	small, err := downscaleReference(data, quality)
	if err != nil {
		g.logger.Debug("reference downscale skipped", zap.String("ref", ref), zap.Error(err))
		return data, mime, nil
	}
	return small, referenceMimeType, nil
}

// download fetches a generated video. The URI needs the API key appended.
func (g *Generator) download(ctx context.Context, uri, key string) ([]byte, error) {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri+sep+"key="+url.QueryEscape(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &genai.APIError{Code: resp.StatusCode, Message: "video download: " + resp.Status}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxVideoBytes))
}

// classify maps SDK and transport errors onto provider errors. fallback is the
// message shown on the item for anything not otherwise recognized.
func classify(err error, fallback string) error {
	if err == nil {
		return nil
	}
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return pErr
	}
	if errors.Is(err, context.Canceled) {
		return &provider.Error{Category: "canceled", Code: provider.CodeCanceled, UserMessage: "Generation canceled", InternalMessage: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.Error{Category: "network", Code: provider.CodeUpstreamTimeout, Retryable: true, UserMessage: "Upstream timeout", InternalMessage: err.Error()}
	}

	msg := err.Error()
	if strings.Contains(msg, provider.CredentialInvalidSignal) {
		return &provider.Error{Category: "auth", Code: provider.CodeCredentialInvalid, UserMessage: provider.CredentialInvalidSignal + ".", InternalMessage: msg}
	}

	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code >= 500 {
		return &provider.Error{Category: "upstream", Code: provider.CodeUpstream5xx, Retryable: true, UserMessage: fallback, InternalMessage: msg}
	}
	return &provider.Error{Category: "upstream", Code: provider.CodeUnknown, UserMessage: fallback, InternalMessage: msg}
}

func mimeOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func int32Ptr(v int32) *int32 { return &v }
