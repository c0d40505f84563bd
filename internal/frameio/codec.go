// Package frameio converts between wire frames and the fixed-size images
// the stage engine consumes.
package frameio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	_ "image/png" // register PNG decoder for browser-captured stills

	xdraw "golang.org/x/image/draw"
)

// ErrDecode reports a malformed frame. The frame is skipped; the session
// survives.
var ErrDecode = errors.New("frameio: decode")

// Frame is a decoded image plus its capture timestamp. Frames are not
// retained beyond the processing of a single call.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Time
}

// Codec decodes inbound encoded frames to the processing resolution and
// encodes annotated frames back to JPEG.
type Codec struct {
	Width   int
	Height  int
	Quality int
}

// Decode parses an encoded image and normalizes it to the processing
// resolution. Malformed data yields ErrDecode.
func (c Codec) Decode(data []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return c.normalize(img), nil
}

// DecodeFrame is Decode plus a capture timestamp.
func (c Codec) DecodeFrame(data []byte, ts time.Time) (Frame, error) {
	img, err := c.Decode(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Image: img, Timestamp: ts}, nil
}

// Encode serializes an annotated frame as JPEG at the configured quality.
func (c Codec) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c Codec) normalize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	b := img.Bounds()
	if b.Dx() == c.Width && b.Dy() == c.Height {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
		return dst
	}
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
