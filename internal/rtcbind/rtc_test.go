package rtcbind

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/aurelabs/assay/internal/detect"
	"github.com/aurelabs/assay/internal/frameio"
	"github.com/aurelabs/assay/internal/session"
	"github.com/aurelabs/assay/internal/stage"
	"github.com/aurelabs/assay/internal/statestore"
)

type nopDetector struct{}

func (nopDetector) Detect(context.Context, image.Image, detect.ModelKind) ([]detect.Detection, error) {
	return nil, nil
}

func testRegistry() *session.Registry {
	return session.NewRegistry(func() *stage.Engine {
		return stage.NewEngine(nopDetector{}, detect.PurityTable{"22k": "22K"}, stage.Config{
			ConfirmThreshold:     3,
			FluctuationThreshold: 2.0,
			HistoryWindow:        10,
			MaskStaleness:        2 * time.Second,
		})
	}, statestore.NewMemStore())
}

func TestPassthroughReassembly(t *testing.T) {
	sb := samplebuilder.New(sampleLateness, passthroughDepacketizer{}, 90000)

	push := func(seq uint16, ts uint32, marker bool, payload []byte) {
		sb.Push(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seq, Timestamp: ts, Marker: marker},
			Payload: payload,
		})
	}

	// One frame split across three packets, then the head of the next
	// frame so the builder can release the first.
	push(100, 1000, false, []byte("aaa"))
	push(101, 1000, false, []byte("bbb"))
	push(102, 1000, true, []byte("ccc"))
	push(103, 4000, true, []byte("ddd"))
	push(104, 7000, true, []byte("eee"))

	s := sb.Pop()
	if s == nil {
		t.Fatal("expected a reassembled sample")
	}
	if !bytes.Equal(s.Data, []byte("aaabbbccc")) {
		t.Fatalf("sample data = %q, want %q", s.Data, "aaabbbccc")
	}
	s = sb.Pop()
	if s == nil || !bytes.Equal(s.Data, []byte("ddd")) {
		t.Fatalf("second sample = %v, want %q", s, "ddd")
	}
}

func TestJPEGSampleCodecRoundTrip(t *testing.T) {
	codec := JPEGSampleCodec{Frames: frameio.Codec{Width: 64, Height: 48, Quality: 80}}

	data, err := codec.Encode(image.NewRGBA(image.Rect(0, 0, 64, 48)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	img, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := img.Bounds(); got.Dx() != 64 || got.Dy() != 48 {
		t.Fatalf("decoded bounds = %v, want 64x48", got)
	}

	if _, err := codec.Decode([]byte("not a frame")); err == nil {
		t.Fatal("expected decode error for junk sample")
	}
}

func TestOfferHandlerValidation(t *testing.T) {
	reg := testRegistry()
	binder := NewBinder(reg, JPEGSampleCodec{Frames: frameio.Codec{Width: 64, Height: 48, Quality: 80}})
	h := binder.OfferHandler()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rtc/offer", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", rec.Code)
	}

	body, _ := json.Marshal(offerRequest{SessionID: "missing", SDP: "v=0", Type: "offer"})
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rtc/offer", bytes.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: status = %d, want 404", rec.Code)
	}
}

func TestOfferNegotiation(t *testing.T) {
	reg := testRegistry()
	codec := JPEGSampleCodec{Frames: frameio.Codec{Width: 64, Height: 48, Quality: 80}}
	binder := NewBinder(reg, codec)
	sess := reg.Create()
	defer reg.Teardown(sess.ID)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: codec.Capability(),
		PayloadType:        codec.PayloadType(),
	}, webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatalf("register codec: %v", err)
	}
	client, err := webrtc.NewAPI(webrtc.WithMediaEngine(m)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client peer connection: %v", err)
	}
	defer client.Close()

	if _, err := client.CreateDataChannel("status", nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}
	if _, err := client.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatalf("transceiver: %v", err)
	}
	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(client)
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	<-gathered

	body, _ := json.Marshal(offerRequest{
		SessionID: sess.ID,
		SDP:       client.LocalDescription().SDP,
		Type:      "offer",
	})
	rec := httptest.NewRecorder()
	binder.OfferHandler()(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rtc/offer", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("offer: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var answer answerResponse
	if err := json.NewDecoder(rec.Body).Decode(&answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Type != "answer" || answer.SDP == "" {
		t.Fatalf("unexpected answer: %+v", answer)
	}
	if err := client.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		t.Fatalf("set remote description: %v", err)
	}
	if got := sess.Transport(); got != session.TransportMediaChannel {
		t.Fatalf("transport = %q, want %q", got, session.TransportMediaChannel)
	}

	// A second offer for the same session must not displace the binding.
	rec = httptest.NewRecorder()
	binder.OfferHandler()(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rtc/offer", bytes.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second offer: status = %d, want 409", rec.Code)
	}
}
