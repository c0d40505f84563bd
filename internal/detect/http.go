package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"
)

// HTTPDetector calls a remote inference endpoint. The models run out of
// process; this client posts one encoded frame and reads back boxes.
//
// Request:  POST {base}/detect?model={kind} with an image/jpeg body.
// Response: JSON array of {label, confidence, box:[x1,y1,x2,y2]}.
type HTTPDetector struct {
	BaseURL string
	Client  *http.Client
	Quality int
}

// NewHTTPDetector builds a detector client against baseURL.
func NewHTTPDetector(baseURL string) *HTTPDetector {
	return &HTTPDetector{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Quality: 80,
	}
}

type wireDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        [4]int  `json:"box"`
}

func (d *HTTPDetector) Detect(ctx context.Context, img image.Image, kind ModelKind) ([]Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.Quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/detect?model=%s", d.BaseURL, kind), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector %s: status %d", kind, resp.StatusCode)
	}

	var wire []wireDetection
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("detector %s: %w", kind, err)
	}
	// The JPEG body drops the sub-image origin, so the remote answers in
	// crop-local coordinates; translate back into img's space.
	off := img.Bounds().Min
	out := make([]Detection, 0, len(wire))
	for _, w := range wire {
		out = append(out, Detection{
			Label:      w.Label,
			Confidence: w.Confidence,
			Box:        image.Rect(w.Box[0], w.Box[1], w.Box[2], w.Box[3]).Add(off),
		})
	}
	return out, nil
}

// NullDetector never detects anything. It keeps the pipeline runnable
// when no inference endpoint is configured.
type NullDetector struct{}

func (NullDetector) Detect(context.Context, image.Image, ModelKind) ([]Detection, error) {
	return nil, nil
}
