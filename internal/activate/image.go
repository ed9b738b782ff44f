package activate

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// Challenge images are upscaled to this size before the solver sees
// them; the site serves them too small to read reliably.
const (
	challengeWidth  = 354
	challengeHeight = 112
)

// PrepareImage decodes a challenge image, scales it to the canonical
// solver size, and re-encodes it as PNG.
func PrepareImage(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode challenge image: %w", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, challengeWidth, challengeHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode challenge image: %w", err)
	}
	return buf.Bytes(), nil
}
