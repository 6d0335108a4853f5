package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
)

// DefaultJPEGQuality matches a 0.7 canvas export quality.
const DefaultJPEGQuality = 70

// EncodeFrame renders img as JPEG at quality and returns it base64 encoded,
// without a data-URI prefix.
func EncodeFrame(img image.Image, quality int) (string, error) {
	if img == nil {
		return "", fmt.Errorf("pipeline: nil frame image")
	}
	if b := img.Bounds(); b.Empty() {
		return "", fmt.Errorf("pipeline: empty frame image %v", b)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("pipeline: jpeg encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
