package wsbind

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/aurelabs/assay/internal/detect"
	"github.com/aurelabs/assay/internal/frameio"
	"github.com/aurelabs/assay/internal/session"
	"github.com/aurelabs/assay/internal/stage"
	"github.com/aurelabs/assay/internal/statestore"
)

type funcDetector func(ctx context.Context, img image.Image, kind detect.ModelKind) ([]detect.Detection, error)

func (f funcDetector) Detect(ctx context.Context, img image.Image, kind detect.ModelKind) ([]detect.Detection, error) {
	return f(ctx, img, kind)
}

var nopDetector = funcDetector(func(context.Context, image.Image, detect.ModelKind) ([]detect.Detection, error) {
	return nil, nil
})

func testServer(t *testing.T, det detect.Detector) (*httptest.Server, *session.Registry, frameio.Codec) {
	t.Helper()
	codec := frameio.Codec{Width: 64, Height: 48, Quality: 80}
	reg := session.NewRegistry(func() *stage.Engine {
		return stage.NewEngine(det, detect.PurityTable{"22k": "22K"}, stage.Config{
			ConfirmThreshold:     3,
			FluctuationThreshold: 2.0,
			HistoryWindow:        10,
			MaskStaleness:        2 * time.Second,
		})
	}, statestore.NewMemStore())

	r := chi.NewRouter()
	r.Get("/api/v1/sessions/{id}/stream", Handler(reg, codec))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg, codec
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/stream"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.SetReadLimit(maxFrameBytes)
	return c
}

func encodeTestFrame(t *testing.T, codec frameio.Codec) []byte {
	t.Helper()
	data, err := codec.Encode(image.NewRGBA(image.Rect(0, 0, codec.Width, codec.Height)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

// readBinary skips text traffic (status pushes, acks) until a binary
// frame reply arrives.
func readBinary(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.MessageBinary {
			return data
		}
	}
}

func readTextType(t *testing.T, c *websocket.Conn, want string) textMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			t.Fatalf("expected text message, got binary (%d bytes)", len(data))
		}
		var msg textMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal text message: %v", err)
		}
		if msg.Type == "status" {
			continue
		}
		if msg.Type != want {
			t.Fatalf("expected %q message, got %q (%s)", want, msg.Type, msg.Message)
		}
		return msg
	}
}

func TestFrameRoundTrip(t *testing.T) {
	srv, reg, codec := testServer(t, nopDetector)
	sess := reg.Create()
	c := dial(t, srv, sess.ID)
	defer c.Close(websocket.StatusNormalClosure, "")

	frame := encodeTestFrame(t, codec)
	ctx := context.Background()
	if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	resp := readBinary(t, c)
	st, img, err := DecodeResponse(resp)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if st.SessionID != sess.ID {
		t.Fatalf("status session id = %q, want %q", st.SessionID, sess.ID)
	}
	if st.CurrentTask != stage.StageRubbing {
		t.Fatalf("current task = %q, want %q", st.CurrentTask, stage.StageRubbing)
	}
	if st.ConnectionState != "connected" {
		t.Fatalf("connection state = %q, want connected", st.ConnectionState)
	}
	if _, err := codec.Decode(img); err != nil {
		t.Fatalf("annotated frame does not decode: %v", err)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	srv, _, _ := testServer(t, nopDetector)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/nope/stream"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial failure for unknown session")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("expected 404 rejection, got %+v", resp)
	}
}

func TestControlPingResetSetTask(t *testing.T) {
	srv, reg, _ := testServer(t, nopDetector)
	sess := reg.Create()
	c := dial(t, srv, sess.ID)
	defer c.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	control := func(msg ControlMessage) {
		body, _ := json.Marshal(msg)
		if err := c.Write(ctx, websocket.MessageBinary, append([]byte{controlPrefix}, body...)); err != nil {
			t.Fatalf("write control: %v", err)
		}
	}

	control(ControlMessage{Action: "ping"})
	readTextType(t, c, "pong")

	control(ControlMessage{Action: "set_task", Task: string(stage.StageAcid)})
	readTextType(t, c, "control")
	if got := sess.Engine.Stage(); got != stage.StageAcid {
		t.Fatalf("stage after set_task = %q, want %q", got, stage.StageAcid)
	}

	control(ControlMessage{Action: "reset"})
	readTextType(t, c, "control")
	if got := sess.Engine.Stage(); got != stage.StageRubbing {
		t.Fatalf("stage after reset = %q, want %q", got, stage.StageRubbing)
	}

	control(ControlMessage{Action: "warp"})
	readTextType(t, c, "error")
}

func TestUndecodableFrameReported(t *testing.T) {
	srv, reg, _ := testServer(t, nopDetector)
	sess := reg.Create()
	c := dial(t, srv, sess.ID)
	defer c.Close(websocket.StatusNormalClosure, "")

	if err := c.Write(context.Background(), websocket.MessageBinary, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readTextType(t, c, "error")
}

func TestSecondFrameDroppedWhileBusy(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := funcDetector(func(ctx context.Context, _ image.Image, kind detect.ModelKind) ([]detect.Detection, error) {
		if kind == detect.ModelStone {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return nil, nil
	})

	srv, reg, codec := testServer(t, blocking)
	sess := reg.Create()
	c := dial(t, srv, sess.ID)
	defer c.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	frame := encodeTestFrame(t, codec)
	if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write first frame: %v", err)
	}
	<-entered

	// The slot is occupied; these must be dropped without a reply.
	for i := 0; i < 3; i++ {
		if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
			t.Fatalf("write frame %d: %v", i+2, err)
		}
	}

	// Controls are handled inline by the read loop, so a pong proves the
	// extra frames were read (and dropped) before the slot frees up.
	body, _ := json.Marshal(ControlMessage{Action: "ping"})
	if err := c.Write(ctx, websocket.MessageBinary, append([]byte{controlPrefix}, body...)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readTextType(t, c, "pong")
	close(release)

	first := readBinary(t, c)
	if _, _, err := DecodeResponse(first); err != nil {
		t.Fatalf("decode first response: %v", err)
	}

	// A pong after the first reply proves the dropped frames produced
	// no binary responses of their own.
	if err := c.Write(ctx, websocket.MessageBinary, append([]byte{controlPrefix}, body...)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		typ, data, err := c.Read(readCtx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.MessageBinary {
			t.Fatalf("unexpected binary reply for a dropped frame (%d bytes)", len(data))
		}
		var msg textMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type == "pong" {
			return
		}
	}
}

func TestDisconnectTearsDownSession(t *testing.T) {
	srv, reg, _ := testServer(t, nopDetector)
	sess := reg.Create()
	c := dial(t, srv, sess.ID)

	c.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.Get(sess.ID); err == session.ErrNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session still registered after disconnect")
}

func TestResponseFraming(t *testing.T) {
	st := stage.StatusUpdate{SessionID: "abc", CurrentTask: stage.StageAcid}
	img := bytes.Repeat([]byte{0x42}, 128)
	data, err := EncodeResponse(st, img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, gotImg, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != st {
		t.Fatalf("status round trip = %+v, want %+v", got, st)
	}
	if !bytes.Equal(gotImg, img) {
		t.Fatalf("image payload mismatch")
	}

	if _, _, err := DecodeResponse([]byte{0, 0}); err == nil {
		t.Fatal("expected error for short response")
	}
	if _, _, err := DecodeResponse([]byte{0, 0, 0, 50, '{', '}'}); err == nil {
		t.Fatal("expected error for truncated status block")
	}
}
