package stage

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/aurelabs/assay/internal/detect"
	"github.com/aurelabs/assay/internal/frameio"
	"github.com/aurelabs/assay/internal/logx"
	"github.com/aurelabs/assay/internal/metrics"
)

// Config carries the calibration constants of the engine. All values are
// empirical; see the server configuration for the reference defaults.
type Config struct {
	ConfirmThreshold     int
	FluctuationThreshold float64
	HistoryWindow        int
	MaskStaleness        time.Duration
}

// detectionState is the per-session mutable pipeline state. It is owned
// exclusively by one Engine and mutated only under the engine lock.
type detectionState struct {
	goldMask    image.Rectangle
	goldMaskAt  time.Time
	history     []float64
	confirms    int
	acidGrade   string
	acidConf    float64
	lastMessage string
}

// Engine consumes one decoded frame at a time and advances the
// rubbing → acid → done state machine. Process calls for a given engine
// are serialized by the session runner; the lock guards control-plane
// access (Reset, SetTask, Status) racing against frame processing.
type Engine struct {
	det    detect.Detector
	purity detect.PurityTable
	cfg    Config

	mu    sync.Mutex
	stage Stage
	state detectionState
	last  StatusUpdate
}

// NewEngine returns an engine at the rubbing stage. The detector is a
// shared read-only capability; the purity table is injected policy.
func NewEngine(det detect.Detector, purity detect.PurityTable, cfg Config) *Engine {
	e := &Engine{det: det, purity: purity, cfg: cfg, stage: StageRubbing}
	e.last = e.statusLocked()
	return e
}

// Stage returns the current stage.
func (e *Engine) Stage() Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

// Status returns the last computed status update.
func (e *Engine) Status() StatusUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Reset clears all detection state and forces the stage back to rubbing.
// This is the only permitted backward transition.
func (e *Engine) Reset() StatusUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stage != StageRubbing {
		metrics.RecordStageTransition(string(e.stage), string(StageRubbing))
	}
	e.stage = StageRubbing
	e.state = detectionState{}
	e.last = e.statusLocked()
	return e.last
}

// SetTask is the operator override: it may move the stage forward,
// bypassing the visual-confirmation guard. Backward movement still
// requires Reset; such requests fail the guard and leave the stage
// unchanged.
func (e *Engine) SetTask(target Stage) (StatusUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !target.Valid() {
		return e.last, fmt.Errorf("unknown task %q", target)
	}
	if target.Before(e.stage) || target == e.stage {
		return e.last, nil
	}
	metrics.RecordStageTransition(string(e.stage), string(target))
	e.stage = target
	e.state.lastMessage = "task switched by operator"
	e.last = e.statusLocked()
	return e.last, nil
}

// Process runs one decoded frame through the pipeline for the current
// stage and returns the annotated frame plus the resulting status.
// Detector failures and timeouts are absorbed as non-detections.
func (e *Engine) Process(ctx context.Context, frame frameio.Frame) (*image.RGBA, StatusUpdate) {
	e.mu.Lock()
	stage := e.stage
	e.mu.Unlock()

	annotated := cloneRGBA(frame.Image)
	switch stage {
	case StageRubbing:
		e.processRubbing(ctx, frame, annotated)
	case StageAcid:
		e.processAcid(ctx, frame, annotated)
	case StageDone:
		frameio.Banner(annotated, "TEST COMPLETE")
	}

	e.mu.Lock()
	e.last = e.statusLocked()
	st := e.last
	e.mu.Unlock()
	return annotated, st
}

func (e *Engine) processRubbing(ctx context.Context, frame frameio.Frame, annotated *image.RGBA) {
	frameio.Banner(annotated, "STAGE 1: GOLD RUBBING")

	stones, err := e.det.Detect(ctx, frame.Image, detect.ModelStone)
	if err != nil {
		logx.Log.Debug().Err(err).Msg("stone detector")
	}
	stone, ok := detect.Largest(stones)
	if !ok {
		e.mu.Lock()
		e.state.lastMessage = "searching"
		e.mu.Unlock()
		return
	}
	frameio.DrawBox(annotated, stone.Box, frameio.ColorStone)

	// The gold detector only sees the stone's neighborhood; full-frame
	// gold detection is both noisier and slower.
	roi := inflate(stone.Box, stone.Box.Dx()/4, stone.Box.Dy()/4).Intersect(frame.Image.Bounds())
	golds, err := e.det.Detect(ctx, frame.Image.SubImage(roi), detect.ModelGold)
	if err != nil {
		logx.Log.Debug().Err(err).Msg("gold detector")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stage != StageRubbing {
		// a control action raced this frame; its result no longer applies
		return
	}

	if gold, found := detect.Largest(golds); found {
		e.state.goldMask = gold.Box
		e.state.goldMaskAt = frame.Timestamp
	} else if e.state.goldMaskAt.IsZero() || frame.Timestamp.Sub(e.state.goldMaskAt) > e.cfg.MaskStaleness {
		// single-frame misses reuse the recent mask; beyond the
		// staleness window the mask is discarded
		e.state.goldMask = image.Rectangle{}
		e.state.lastMessage = "searching"
		return
	}
	frameio.DrawBox(annotated, e.state.goldMask, frameio.ColorGold)

	gc := center(e.state.goldMask)
	sc := center(stone.Box)
	frameio.FillDot(annotated, gc, frameio.ColorGold)
	dist := math.Hypot(float64(gc.X-sc.X), float64(gc.Y-sc.Y))
	e.state.history = append(e.state.history, dist)
	if n := len(e.state.history); n > e.cfg.HistoryWindow {
		e.state.history = e.state.history[n-e.cfg.HistoryWindow:]
	}

	if e.fluctuatingLocked() {
		e.state.confirms++
		frameio.DrawLabel(annotated, "Visual: OK", 10, annotated.Bounds().Dy()-10, frameio.ColorOK)
	} else {
		frameio.DrawLabel(annotated, "Visual: NOT OK", 10, annotated.Bounds().Dy()-10, frameio.ColorStone)
	}
	e.state.lastMessage = "rubbing in progress"

	if e.state.confirms >= e.cfg.ConfirmThreshold {
		metrics.RecordStageTransition(string(StageRubbing), string(StageAcid))
		e.stage = StageAcid
		e.state.history = nil
		e.state.lastMessage = "rubbing confirmed, waiting for acid test"
		logx.Log.Info().Int("confirms", e.state.confirms).Msg("rubbing confirmed")
	}
}

// fluctuatingLocked reports whether the newest distance sample reverses
// direction against the previous one with both deltas meaningful. The
// signal mirrors the reference behavior: back-and-forth motion of the
// gold sample over the stone, not mere drift.
func (e *Engine) fluctuatingLocked() bool {
	h := e.state.history
	if len(h) < 3 {
		return false
	}
	d1 := h[len(h)-2] - h[len(h)-3]
	d2 := h[len(h)-1] - h[len(h)-2]
	if math.Abs(d1) < e.cfg.FluctuationThreshold || math.Abs(d2) < e.cfg.FluctuationThreshold {
		return false
	}
	return d1*d2 < 0
}

func (e *Engine) processAcid(ctx context.Context, frame frameio.Frame, annotated *image.RGBA) {
	frameio.Banner(annotated, "STAGE 2: ACID DETECTION")

	strips, err := e.det.Detect(ctx, frame.Image, detect.ModelAcid)
	if err != nil {
		logx.Log.Debug().Err(err).Msg("acid detector")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stage != StageAcid {
		return
	}

	var best detect.Detection
	var grade string
	for _, d := range strips {
		g, ok := e.purity.Grade(d.Label)
		if !ok || d.Confidence < best.Confidence {
			continue
		}
		best = d
		grade = g
	}
	if grade == "" {
		e.state.lastMessage = "searching"
		frameio.DrawLabel(annotated, "No acid yet", 10, annotated.Bounds().Dy()-10, frameio.ColorStone)
		return
	}

	frameio.DrawBox(annotated, best.Box, frameio.ColorAcid)
	frameio.DrawLabel(annotated, fmt.Sprintf("%s %.2f", best.Label, best.Confidence), best.Box.Min.X, best.Box.Min.Y-4, frameio.ColorAcid)

	e.state.acidGrade = grade
	e.state.acidConf = best.Confidence
	e.state.lastMessage = "acid detected, test complete"
	metrics.RecordStageTransition(string(StageAcid), string(StageDone))
	e.stage = StageDone
	logx.Log.Info().Str("grade", grade).Float64("confidence", best.Confidence).Msg("acid test complete")
}

func (e *Engine) statusLocked() StatusUpdate {
	return StatusUpdate{
		CurrentTask: e.stage,
		Detection: DetectionStatus{
			RubbingDetected: e.stage != StageRubbing,
			AcidDetected:    e.state.acidGrade != "",
			GoldPurity:      e.state.acidGrade,
			Message:         e.state.lastMessage,
		},
	}
}

func center(r image.Rectangle) image.Point {
	return image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
}

func inflate(r image.Rectangle, dx, dy int) image.Rectangle {
	return image.Rect(r.Min.X-dx, r.Min.Y-dy, r.Max.X+dx, r.Max.Y+dy)
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}
