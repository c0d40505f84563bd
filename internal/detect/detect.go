// Package detect defines the detector capability consumed by the stage
// engine. Model inference itself is external; this package fixes the
// contract and the policies wrapped around it.
package detect

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/aurelabs/assay/internal/metrics"
)

// ModelKind selects which loaded model a detection runs against.
type ModelKind string

const (
	ModelStone ModelKind = "stone"
	ModelGold  ModelKind = "gold"
	ModelAcid  ModelKind = "acid"
)

// ErrTimeout reports that a detector call exceeded its deadline. Callers
// treat it as "nothing found" for the frame rather than a session failure.
var ErrTimeout = errors.New("detect: timeout")

// Detection is one labeled region returned by a model.
type Detection struct {
	Label      string
	Confidence float64
	Box        image.Rectangle
}

// Area returns the pixel area of the detection box.
func (d Detection) Area() int { return d.Box.Dx() * d.Box.Dy() }

// Detector runs a model of the given kind over an image region. Boxes
// are returned in the coordinate space of img, so detections on a
// sub-image carry the sub-image's offset. The loaded weights behind an
// implementation are shared read-only across sessions; implementations
// must be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, img image.Image, kind ModelKind) ([]Detection, error)
}

// Largest returns the detection with the biggest box, or false when the
// slice is empty.
func Largest(ds []Detection) (Detection, bool) {
	if len(ds) == 0 {
		return Detection{}, false
	}
	best := ds[0]
	for _, d := range ds[1:] {
		if d.Area() > best.Area() {
			best = d
		}
	}
	return best, true
}

type timeoutDetector struct {
	inner   Detector
	timeout time.Duration
}

// WithTimeout bounds every call to inner by the given timeout. A
// deadline miss returns ErrTimeout; the abandoned call keeps its derived
// context cancelled so a cooperative detector can stop early.
func WithTimeout(inner Detector, timeout time.Duration) Detector {
	return &timeoutDetector{inner: inner, timeout: timeout}
}

func (t *timeoutDetector) Detect(ctx context.Context, img image.Image, kind ModelKind) ([]Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		ds  []Detection
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		ds, err := t.inner.Detect(ctx, img, kind)
		ch <- result{ds, err}
	}()
	select {
	case res := <-ch:
		metrics.ObserveDetectorDuration(string(kind), time.Since(start))
		return res.ds, res.err
	case <-ctx.Done():
		metrics.RecordDetectorTimeout(string(kind))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}
