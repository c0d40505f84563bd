// Package rtcbind is the media-channel transport binding. The client
// posts an opaque offer, streams frames on a media track, and receives
// the annotated track back plus status updates on a "status" data
// channel.
package rtcbind

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/aurelabs/assay/internal/frameio"
	"github.com/aurelabs/assay/internal/logx"
	"github.com/aurelabs/assay/internal/metrics"
	"github.com/aurelabs/assay/internal/session"
	"github.com/aurelabs/assay/internal/stage"
)

const transportName = "rtc"

// sampleLateness is how many packets the sample builder waits for
// reordering before giving up on a frame.
const sampleLateness = 64

// Binder terminates peer connections and feeds reassembled frames into
// session engines.
type Binder struct {
	reg   *session.Registry
	codec SampleCodec
}

// NewBinder builds a media-channel binder using codec for both the
// inbound and the annotated outbound track.
func NewBinder(reg *session.Registry, codec SampleCodec) *Binder {
	return &Binder{reg: reg, codec: codec}
}

type offerRequest struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

type answerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// statusEnvelope mirrors the websocket binding's text framing so both
// transports speak the same status dialect.
type statusEnvelope struct {
	Type    string              `json:"type"`
	Message string              `json:"message,omitempty"`
	Status  *stage.StatusUpdate `json:"status,omitempty"`
}

type controlMessage struct {
	Action string `json:"action"`
	Task   string `json:"task,omitempty"`
}

// channelSender delivers status updates over the "status" data channel
// once the client has opened it. Sends before that are dropped; the
// snapshot store still records every update.
type channelSender struct {
	dc atomic.Pointer[webrtc.DataChannel]
}

func (s *channelSender) SendStatus(_ context.Context, st stage.StatusUpdate) error {
	dc := s.dc.Load()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("rtcbind: status channel not open")
	}
	body, err := json.Marshal(statusEnvelope{Type: "status", Status: &st})
	if err != nil {
		return err
	}
	return dc.SendText(string(body))
}

// OfferHandler answers POST /api/v1/rtc/offer. The SDP payload is
// opaque to the rest of the service; only session_id is interpreted.
func (b *Binder) OfferHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req offerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.SDP == "" {
			http.Error(w, "bad offer", http.StatusBadRequest)
			return
		}
		sess, err := b.reg.Get(req.SessionID)
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if err := b.reg.Bind(sess.ID, session.TransportMediaChannel); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		answer, err := b.connect(sess, req.SDP)
		if err != nil {
			b.reg.Unbind(sess.ID, session.TransportMediaChannel)
			logx.Log.Warn().Err(err).Str("session_id", sess.ID).Msg("rtc negotiation")
			http.Error(w, "negotiation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(answerResponse{SDP: answer.SDP, Type: answer.Type.String()})
	}
}

func (b *Binder) connect(sess *session.Session, offerSDP string) (*webrtc.SessionDescription, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: b.codec.Capability(),
		PayloadType:        b.codec.PayloadType(),
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(m)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}

	out, err := webrtc.NewTrackLocalStaticSample(b.codec.Capability(), "annotated", "assay")
	if err != nil {
		pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(out); err != nil {
		pc.Close()
		return nil, err
	}

	sender := &channelSender{}
	bc := session.NewBroadcaster(sess, sender, b.reg.Store())

	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			bc.SetConnectionState(context.Background(), "disconnected")
			pc.Close()
			b.reg.Unbind(sess.ID, session.TransportMediaChannel)
			b.reg.Teardown(sess.ID)
			logx.Log.Info().Str("session_id", sess.ID).Msg("media channel closed")
		})
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "status" {
			return
		}
		sender.dc.Store(dc)
		dc.OnOpen(func() {
			bc.SetConnectionState(sess.Context(), "connected")
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			b.reg.Touch(sess.ID)
			b.handleControl(sess, bc, dc, msg.Data)
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go b.readTrack(sess, bc, out, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			teardown()
		}
	})

	// Tie the peer connection to session lifetime so an API-side delete
	// also drops the media path.
	go func() {
		<-sess.Context().Done()
		teardown()
	}()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		pc.Close()
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}
	<-gathered
	return pc.LocalDescription(), nil
}

// readTrack reassembles inbound packets into samples and offers each
// sample to the session's processing slot.
func (b *Binder) readTrack(sess *session.Session, bc *session.Broadcaster, out *webrtc.TrackLocalStaticSample, track *webrtc.TrackRemote) {
	sb := samplebuilder.New(sampleLateness, passthroughDepacketizer{}, track.Codec().ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			data := s.Data
			if !sess.TrySubmit(func(ctx context.Context) {
				b.processSample(ctx, sess, bc, out, data)
			}) {
				metrics.RecordFrameDropped(transportName, "busy")
			}
		}
	}
}

func (b *Binder) processSample(ctx context.Context, sess *session.Session, bc *session.Broadcaster, out *webrtc.TrackLocalStaticSample, data []byte) {
	img, err := b.codec.Decode(data)
	if err != nil {
		metrics.RecordFrameDropped(transportName, "decode")
		return
	}
	annotated, st := sess.Engine.Process(ctx, frameio.Frame{Image: img, Timestamp: time.Now()})
	encoded, err := b.codec.Encode(annotated)
	if err != nil {
		metrics.RecordFrameDropped(transportName, "encode")
		return
	}
	if err := out.WriteSample(media.Sample{Data: encoded, Duration: time.Second / 15}); err != nil {
		logx.Log.Debug().Err(err).Str("session_id", sess.ID).Msg("annotated sample write")
	}
	metrics.RecordFrameProcessed(transportName, string(st.CurrentTask))
	bc.Broadcast(ctx, st)
}

func (b *Binder) handleControl(sess *session.Session, bc *session.Broadcaster, dc *webrtc.DataChannel, body []byte) {
	reply := func(env statusEnvelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		dc.SendText(string(data))
	}

	var msg controlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		reply(statusEnvelope{Type: "error", Message: "bad control message"})
		return
	}
	switch msg.Action {
	case "ping":
		reply(statusEnvelope{Type: "pong"})
	case "reset":
		st := sess.Engine.Reset()
		bc.Broadcast(sess.Context(), st)
		reply(statusEnvelope{Type: "control", Message: "session reset"})
	case "set_task":
		st, err := sess.Engine.SetTask(stage.Stage(msg.Task))
		if err != nil {
			reply(statusEnvelope{Type: "error", Message: err.Error()})
			return
		}
		bc.Broadcast(sess.Context(), st)
		reply(statusEnvelope{Type: "control", Message: "task set to " + msg.Task})
	default:
		reply(statusEnvelope{Type: "error", Message: "unknown action " + msg.Action})
	}
}
