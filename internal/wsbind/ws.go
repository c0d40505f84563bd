// Package wsbind is the binary websocket transport binding. A client
// streams encoded frames to the session and receives, per accepted
// frame, a length-prefixed status block followed by the annotated
// frame. Control messages share the socket behind a one-byte prefix.
package wsbind

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/aurelabs/assay/internal/frameio"
	"github.com/aurelabs/assay/internal/logx"
	"github.com/aurelabs/assay/internal/metrics"
	"github.com/aurelabs/assay/internal/session"
	"github.com/aurelabs/assay/internal/stage"
)

// maxFrameBytes bounds a single inbound message. Camera frames arrive
// pre-encoded; anything past this is a misbehaving client.
const maxFrameBytes = 8 << 20

const transportName = "ws"

// textMessage is the JSON body of outbound text traffic: control acks,
// per-frame errors, and out-of-band status pushes.
type textMessage struct {
	Type    string              `json:"type"`
	Message string              `json:"message,omitempty"`
	Status  *stage.StatusUpdate `json:"status,omitempty"`
}

// outbound is one queued write; binary replies and text messages share
// a single writer goroutine so frames never interleave.
type outbound struct {
	typ  websocket.MessageType
	data []byte
}

type socketSender struct {
	out chan<- outbound
}

func (s socketSender) SendStatus(_ context.Context, st stage.StatusUpdate) error {
	body, err := json.Marshal(textMessage{Type: "status", Status: &st})
	if err != nil {
		return err
	}
	select {
	case s.out <- outbound{websocket.MessageText, body}:
		return nil
	default:
		return errors.New("wsbind: status queue full")
	}
}

// Handler upgrades GET /api/v1/sessions/{id}/stream and runs the frame
// loop until the client disconnects or the session is torn down.
func Handler(reg *session.Registry, codec frameio.Codec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := reg.Get(id)
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if err := reg.Bind(id, session.TransportSocket); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			reg.Unbind(id, session.TransportSocket)
			logx.Log.Warn().Err(err).Str("session_id", id).Msg("ws accept")
			return
		}
		c.SetReadLimit(maxFrameBytes)

		logx.Log.Info().Str("session_id", id).Msg("stream connected")
		serve(r.Context(), reg, sess, c, codec)
	}
}

func serve(ctx context.Context, reg *session.Registry, sess *session.Session, c *websocket.Conn, codec frameio.Codec) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan outbound, 16)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-out:
				if err := c.Write(ctx, msg.typ, msg.data); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	bc := session.NewBroadcaster(sess, socketSender{out}, reg.Store())
	bc.SetConnectionState(ctx, "connected")

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		switch {
		case typ == websocket.MessageText || isControl(data):
			body := data
			if typ == websocket.MessageBinary {
				body = data[1:]
			}
			reg.Touch(sess.ID)
			handleControl(ctx, sess, bc, out, body)
		default:
			if !sess.TrySubmit(func(jobCtx context.Context) {
				processFrame(jobCtx, sess, bc, codec, out, data)
			}) {
				metrics.RecordFrameDropped(transportName, "busy")
			}
		}
	}

	// The socket is the session's only client; a broken stream ends the
	// purity test rather than leaving the engine parked mid-stage.
	bc.SetConnectionState(context.Background(), "disconnected")
	cancel()
	<-writeDone
	c.Close(websocket.StatusNormalClosure, "stream closed")
	reg.Unbind(sess.ID, session.TransportSocket)
	reg.Teardown(sess.ID)
	logx.Log.Info().Str("session_id", sess.ID).Msg("stream closed")
}

// processFrame runs inside the session's single processing slot.
func processFrame(ctx context.Context, sess *session.Session, bc *session.Broadcaster, codec frameio.Codec, out chan<- outbound, data []byte) {
	frame, err := codec.DecodeFrame(data, time.Now())
	if err != nil {
		metrics.RecordFrameDropped(transportName, "decode")
		sendText(out, textMessage{Type: "error", Message: "undecodable frame"})
		return
	}
	annotated, st := sess.Engine.Process(ctx, frame)
	encoded, err := codec.Encode(annotated)
	if err != nil {
		metrics.RecordFrameDropped(transportName, "encode")
		return
	}

	reply := st
	reply.SessionID = sess.ID
	reply.ConnectionState = bc.ConnectionState()
	resp, err := EncodeResponse(reply, encoded)
	if err != nil {
		return
	}
	select {
	case out <- outbound{websocket.MessageBinary, resp}:
	case <-ctx.Done():
		return
	}
	metrics.RecordFrameProcessed(transportName, string(st.CurrentTask))
	bc.Broadcast(ctx, st)
}

func handleControl(ctx context.Context, sess *session.Session, bc *session.Broadcaster, out chan<- outbound, body []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		sendText(out, textMessage{Type: "error", Message: "bad control message"})
		return
	}
	switch msg.Action {
	case "ping":
		sendText(out, textMessage{Type: "pong"})
	case "reset":
		st := sess.Engine.Reset()
		bc.Broadcast(ctx, st)
		sendText(out, textMessage{Type: "control", Message: "session reset"})
	case "set_task":
		st, err := sess.Engine.SetTask(stage.Stage(msg.Task))
		if err != nil {
			sendText(out, textMessage{Type: "error", Message: err.Error()})
			return
		}
		bc.Broadcast(ctx, st)
		sendText(out, textMessage{Type: "control", Message: "task set to " + msg.Task})
	default:
		sendText(out, textMessage{Type: "error", Message: "unknown action " + msg.Action})
	}
}

func sendText(out chan<- outbound, msg textMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case out <- outbound{websocket.MessageText, body}:
	default:
	}
}
