package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"dreamstream/server/internal/model"
	"dreamstream/server/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type staticKey string

func (k staticKey) Key(context.Context) string { return string(k) }

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImagePromptWithoutReference(t *testing.T) {
	p := imagePrompt("cars", "A city. cars", model.StyleNone, false)
	assert.Equal(t, "Generate an image of: A city. cars\n", p)

	p = imagePrompt("cars", "A city. cars", model.StyleAnime, false)
	assert.Equal(t, "Generate an image of: A city. cars\nStyle: Anime", p)
}

func TestImagePromptWithReferenceUsesRawText(t *testing.T) {
	p := imagePrompt("a dragon", "A castle. a dragon", model.StyleCyberpunk, true)
	assert.Contains(t, p, `Description: "a dragon"`)
	assert.Contains(t, p, "STYLE and ATMOSPHERE")
	assert.Contains(t, p, "Target Style: Cyberpunk")
	assert.NotContains(t, p, "A castle")
}

func TestVideoPrompt(t *testing.T) {
	assert.Equal(t, "Create a video of: waves", videoPrompt("waves", "waves", model.StyleNone, false))
	assert.Equal(t,
		"Animate the following scene: a boat. Use the image as a style reference.",
		videoPrompt("a boat", "waves. a boat", model.StyleNone, true))
}

func TestDownscaleReferenceCapsLongestEdge(t *testing.T) {
	out, err := downscaleReference(encodePNG(t, 1600, 400), imageReferenceQ)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Width)
	assert.Equal(t, 200, cfg.Height)
}

func TestDownscaleReferenceKeepsSmallImages(t *testing.T) {
	out, err := downscaleReference(encodePNG(t, 120, 300), videoReferenceQ)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Width)
	assert.Equal(t, 300, cfg.Height)
}

func TestDownscaleReferenceRejectsGarbage(t *testing.T) {
	_, err := downscaleReference([]byte("not an image"), imageReferenceQ)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	err := classify(errors.New("Error 404, Message: Requested entity was not found., Status: NOT_FOUND"), msgImageFailed)
	assert.True(t, provider.IsCredentialInvalid(err))

	err = classify(&genai.APIError{Code: 503, Message: "overloaded"}, msgVideoFailed)
	var pErr *provider.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, provider.CodeUpstream5xx, pErr.Code)
	assert.Equal(t, msgVideoFailed, pErr.UserMessage)

	err = classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), msgImageFailed)
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, provider.CodeUpstreamTimeout, pErr.Code)

	err = classify(errors.New("safety block"), msgImageFailed)
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, msgImageFailed, pErr.UserMessage)
}

func TestMissingKeyIsCredentialError(t *testing.T) {
	g := New(staticKey(""), nil, Config{}, nil)
	_, err := g.GenerateImage(context.Background(), provider.Request{RawText: "x", Context: "x"})
	assert.True(t, provider.IsCredentialInvalid(err))
}

type refMap map[string]struct {
	data []byte
	mime string
}

func (m refMap) ResolveRef(_ context.Context, ref string) ([]byte, string, error) {
	r, ok := m[ref]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return r.data, r.mime, nil
}

func TestVideoResultIsNeverAReference(t *testing.T) {
	refs := refMap{"/api/v1/media/clip": {data: []byte("\x00\x00\x00\x18ftypmp42"), mime: "video/mp4"}}
	g := New(staticKey("k"), refs, Config{}, nil)

	_, _, err := g.loadReference(context.Background(), "/api/v1/media/clip", videoReferenceQ)
	assert.ErrorIs(t, err, errNotImageReference)

	req := provider.Request{RawText: "waves", Context: "waves", ReferenceRef: "/api/v1/media/clip"}
	assert.Nil(t, g.referenceBlob(context.Background(), req, imageReferenceQ))
	assert.Nil(t, g.referenceBlob(context.Background(), req, videoReferenceQ))
}

func TestImageReferenceIsDownscaledToJPEG(t *testing.T) {
	refs := refMap{
		"/api/v1/media/frame": {data: encodePNG(t, 1200, 600), mime: "image/png"},
		"/api/v1/media/webp":  {data: []byte("RIFF....WEBPVP8 "), mime: "image/webp"},
	}
	g := New(staticKey("k"), refs, Config{}, nil)

	blob := g.referenceBlob(context.Background(), provider.Request{ReferenceRef: "/api/v1/media/frame"}, imageReferenceQ)
	require.NotNil(t, blob)
	assert.Equal(t, referenceMimeType, blob.MIMEType)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(blob.Data))
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Width)

	blob = g.referenceBlob(context.Background(), provider.Request{ReferenceRef: "/api/v1/media/webp"}, imageReferenceQ)
	require.NotNil(t, blob, "undecodable images are sent as stored")
	assert.Equal(t, "image/webp", blob.MIMEType)

	assert.Nil(t, g.referenceBlob(context.Background(), provider.Request{ReferenceRef: "/api/v1/media/gone"}, imageReferenceQ))
}
