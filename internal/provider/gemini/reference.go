package gemini

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

const (
	referenceMaxEdge  = 800
	imageReferenceQ   = 60
	videoReferenceQ   = 70
	referenceMimeType = "image/jpeg"
)

// downscaleReference re-encodes a reference frame as JPEG with its longest
// edge capped at referenceMaxEdge.
func downscaleReference(data []byte, quality int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode reference: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > referenceMaxEdge || h > referenceMaxEdge {
		if w >= h {
			h = h * referenceMaxEdge / w
			w = referenceMaxEdge
		} else {
			w = w * referenceMaxEdge / h
			h = referenceMaxEdge
		}
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode reference: %w", err)
	}
	return buf.Bytes(), nil
}
