package detect

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"
)

type funcDetector func(ctx context.Context, img image.Image, kind ModelKind) ([]Detection, error)

func (f funcDetector) Detect(ctx context.Context, img image.Image, kind ModelKind) ([]Detection, error) {
	return f(ctx, img, kind)
}

func TestLargest(t *testing.T) {
	ds := []Detection{
		{Label: "a", Box: image.Rect(0, 0, 10, 10)},
		{Label: "b", Box: image.Rect(0, 0, 30, 30)},
		{Label: "c", Box: image.Rect(0, 0, 20, 20)},
	}
	best, ok := Largest(ds)
	if !ok || best.Label != "b" {
		t.Fatalf("expected largest b, got %+v ok=%v", best, ok)
	}
	if _, ok := Largest(nil); ok {
		t.Fatalf("expected no largest for empty slice")
	}
}

func TestWithTimeoutReturnsResult(t *testing.T) {
	d := WithTimeout(funcDetector(func(context.Context, image.Image, ModelKind) ([]Detection, error) {
		return []Detection{{Label: "stone"}}, nil
	}), time.Second)
	ds, err := d.Detect(context.Background(), nil, ModelStone)
	if err != nil || len(ds) != 1 {
		t.Fatalf("expected one detection, got %v err=%v", ds, err)
	}
}

func TestWithTimeoutDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d := WithTimeout(funcDetector(func(ctx context.Context, _ image.Image, _ ModelKind) ([]Detection, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}), 10*time.Millisecond)
	_, err := d.Detect(context.Background(), nil, ModelGold)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPurityTableGrade(t *testing.T) {
	tbl := PurityTable{"18k": "18K", "22k": "22K", "24k": "24K"}
	grade, ok := tbl.Grade("acid_22K_positive")
	if !ok || grade != "22K" {
		t.Fatalf("expected 22K, got %q ok=%v", grade, ok)
	}
	if _, ok := tbl.Grade("acid_unknown"); ok {
		t.Fatalf("expected no grade for unknown label")
	}
}
