package session

import (
	"context"
	"sync"

	"github.com/aurelabs/assay/internal/logx"
	"github.com/aurelabs/assay/internal/metrics"
	"github.com/aurelabs/assay/internal/stage"
	"github.com/aurelabs/assay/internal/statestore"
)

// StatusSender delivers a serialized status update over the active
// transport binding.
type StatusSender interface {
	SendStatus(ctx context.Context, st stage.StatusUpdate) error
}

// Broadcaster pushes status updates through the bound transport whenever
// the status differs from the previously broadcast one. Every broadcast
// is also persisted to the snapshot store so the REST surface answers
// without touching the engine.
type Broadcaster struct {
	sess   *Session
	sender StatusSender
	store  statestore.Store

	mu   sync.Mutex
	last stage.StatusUpdate
	conn string
}

// NewBroadcaster builds a broadcaster for one session and transport.
func NewBroadcaster(sess *Session, sender StatusSender, store statestore.Store) *Broadcaster {
	return &Broadcaster{sess: sess, sender: sender, store: store, conn: "connected"}
}

// ConnectionState returns the transport state stamped onto broadcasts.
func (b *Broadcaster) ConnectionState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// SetConnectionState records a transport state change and broadcasts it.
func (b *Broadcaster) SetConnectionState(ctx context.Context, state string) {
	b.mu.Lock()
	b.conn = state
	b.mu.Unlock()
	st := b.sess.Engine.Status()
	b.publish(ctx, st, EventConnectionChanged)
}

// Broadcast delivers st if it differs from the last delivered update.
// Delta triggering lets the client react to discrete events without
// polling while idle frames cost nothing on the status channel.
func (b *Broadcaster) Broadcast(ctx context.Context, st stage.StatusUpdate) {
	b.publish(ctx, st, EventFrameProcessed)
}

func (b *Broadcaster) publish(ctx context.Context, st stage.StatusUpdate, kind EventKind) {
	b.mu.Lock()
	st.SessionID = b.sess.ID
	st.ConnectionState = b.conn
	if st == b.last {
		b.mu.Unlock()
		return
	}
	b.last = st
	b.mu.Unlock()

	if b.sess.Closed() {
		// torn down underneath us; resurrecting the snapshot would leak
		// an entry the registry already deleted
		return
	}
	b.store.Save(b.sess.ID, st)
	b.sess.Publish(kind, st)
	if b.sender != nil {
		if err := b.sender.SendStatus(ctx, st); err != nil {
			logx.Log.Debug().Err(err).Str("session_id", b.sess.ID).Msg("status send")
			return
		}
	}
	metrics.RecordStatusBroadcast()
}
