package frameio

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func testCodec() Codec { return Codec{Width: 64, Height: 48, Quality: 80} }

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeNormalizes(t *testing.T) {
	c := testCodec()
	img, err := c.Decode(encodeTestJPEG(t, 200, 100))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := img.Bounds(); got.Dx() != 64 || got.Dy() != 48 {
		t.Fatalf("expected 64x48, got %dx%d", got.Dx(), got.Dy())
	}
}

func TestDecodeMalformed(t *testing.T) {
	c := testCodec()
	if _, err := c.Decode([]byte("not an image")); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	c := testCodec()
	img, err := c.Decode(encodeTestJPEG(t, 64, 48))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	Banner(img, "STAGE 1: GOLD RUBBING")
	DrawBox(img, image.Rect(10, 10, 40, 30), ColorStone)
	FillDot(img, image.Pt(25, 20), ColorGold)
	data, err := c.Encode(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Decode(data); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
}
