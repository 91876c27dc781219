package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bluetooth-serial/internal/connmgr"
)

// Recorder persists manager events: connection events become session_events
// rows and update the peer; data events only bump the peer's frame counter.
type Recorder struct {
	db  *DB
	log *zap.Logger
}

func NewRecorder(db *DB, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: db, log: log.Named("store")}
}

// Run records events until ctx ends or events is closed. Failed writes are
// logged and skipped.
func (r *Recorder) Run(ctx context.Context, events <-chan connmgr.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Record(ctx, e); err != nil {
				r.log.Warn("record event", zap.String("kind", string(e.Kind)), zap.Error(err))
			}
		}
	}
}

// Record persists a single event.
func (r *Recorder) Record(ctx context.Context, e connmgr.Event) error {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}

	switch e.Kind {
	case connmgr.EventData:
		return r.db.CountFrame(ctx, string(e.PeerID), at)
	case connmgr.EventConnectionSuccess, connmgr.EventConnectionFailed, connmgr.EventConnectionLost:
		if e.Peer != nil {
			state := connmgr.Disconnected
			if e.Kind == connmgr.EventConnectionSuccess {
				state = connmgr.Connected
			}
			if err := r.db.UpsertPeer(ctx, PeerRecord{
				ID:        string(e.Peer.ID),
				Address:   e.Peer.Address,
				Name:      e.Peer.Name,
				Class:     e.Peer.Class,
				LastState: state.String(),
				LastSeen:  at,
			}); err != nil {
				return err
			}
		}
	}

	_, err := r.db.InsertEvent(ctx, EventRecord{
		Kind:    string(e.Kind),
		Peer:    string(e.PeerID),
		Message: e.Message,
		At:      at,
	})
	return err
}
