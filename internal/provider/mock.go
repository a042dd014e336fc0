package provider

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Prompt markers understood by MockGenerator.
const (
	MarkerFail       = "[fail]"
	MarkerBadKey     = "[bad-key]"
	MarkerNoMedia    = "[no-media]"
	mockFrameSize    = 64
	defaultImageWork = 1200 * time.Millisecond
	defaultVideoWork = 3 * time.Second
)

// MockGenerator renders a flat-colored PNG (or a stub MP4) derived from the
// prompt and seed after a simulated delay.
type MockGenerator struct {
	ImageWork   time.Duration
	VideoWork   time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		ImageWork: defaultImageWork,
		VideoWork: defaultVideoWork,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockGenerator) GenerateImage(ctx context.Context, req Request) (Result, error) {
	if err := m.simulate(ctx, m.ImageWork, req); err != nil {
		return Result{}, err
	}
	data, err := renderFrame(req)
	if err != nil {
		return Result{}, &Error{
			Category:        "internal",
			Code:            CodeUnknown,
			UserMessage:     "Visual generation failed. Please try again.",
			InternalMessage: err.Error(),
		}
	}
	return Result{Data: data, MimeType: "image/png"}, nil
}

func (m *MockGenerator) GenerateVideo(ctx context.Context, req Request) (Result, error) {
	if err := m.simulate(ctx, m.VideoWork, req); err != nil {
		return Result{}, err
	}
	return Result{Data: stubMP4(req), MimeType: "video/mp4"}, nil
}

func (m *MockGenerator) simulate(ctx context.Context, work time.Duration, req Request) error {
	if err := waitCancelable(ctx, work); err != nil {
		return &Error{
			Category:        "canceled",
			Code:            CodeCanceled,
			UserMessage:     "Generation canceled",
			InternalMessage: err.Error(),
		}
	}

	switch {
	case strings.Contains(req.RawText, MarkerBadKey):
		return &Error{
			Category:        "auth",
			Code:            CodeCredentialInvalid,
			UserMessage:     CredentialInvalidSignal + ".",
			InternalMessage: "mock marker " + MarkerBadKey,
		}
	case strings.Contains(req.RawText, MarkerFail):
		return &Error{
			Category:        "network",
			Code:            CodeUpstreamTimeout,
			Retryable:       true,
			UserMessage:     "Upstream timeout",
			InternalMessage: "mock marker " + MarkerFail,
		}
	case strings.Contains(req.RawText, MarkerNoMedia):
		return &Error{
			Category:        "upstream",
			Code:            CodeNoMedia,
			UserMessage:     "No image data found.",
			InternalMessage: "mock marker " + MarkerNoMedia,
		}
	}

	if m.FailureRate > 0 {
		m.mu.Lock()
		roll := m.rng.Float64()
		m.mu.Unlock()
		if roll < m.FailureRate {
			return &Error{
				Category:        "network",
				Code:            CodeUpstream5xx,
				Retryable:       true,
				UserMessage:     "Service temporary unavailable",
				InternalMessage: "mock random failure",
			}
		}
	}
	return nil
}

func renderFrame(req Request) ([]byte, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Context))
	sum := h.Sum32() ^ uint32(req.Seed)
	fill := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, mockFrameSize, mockFrameSize))
	for y := 0; y < mockFrameSize; y++ {
		for x := 0; x < mockFrameSize; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// stubMP4 is an ftyp box followed by the prompt, enough for content sniffing.
func stubMP4(req Request) []byte {
	out := []byte{0x00, 0x00, 0x00, 0x18}
	out = append(out, []byte("ftypmp42")...)
	out = append(out, 0x00, 0x00, 0x00, 0x00)
	out = append(out, []byte("mp42isom")...)
	return append(out, []byte(req.Context)...)
}

func waitCancelable(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
