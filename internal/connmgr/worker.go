package connmgr

import (
	"context"

	"go.uber.org/zap"

	"bluetooth-serial/internal/framebuf"
)

// runWorker opens a channel for pc and, on success, becomes its stream pump.
// A worker whose pc is no longer current stays silent: the request that
// replaced it owns the outcome.
func (m *manager) runWorker(ctx context.Context, pc *peerContext, dev Device) {
	defer m.wg.Done()
	id := pc.peer.ID
	log := m.log.With(zap.String("peer", string(id)))

	// Inquiry and connection setup share the radio.
	if err := m.adapter.CancelDiscovery(); err != nil {
		log.Debug("cancel discovery", zap.Error(err))
	}

	ch, err := m.openChannel(ctx, dev, log)

	m.mu.Lock()
	if m.peers[id] != pc || ctx.Err() != nil {
		m.mu.Unlock()
		log.Debug("connect attempt superseded")
		m.closeChannel(id, ch)
		return
	}
	if err != nil {
		m.dropLocked(id)
		m.pending.Reject(id, err)
		m.mu.Unlock()
		pc.cancel()

		log.Warn("connect failed", zap.Error(err))
		m.emit(peerEvent(EventConnectionFailed, pc.peer, "Unable to connect device"))
		return
	}

	pc.channel = ch
	m.states[id] = Connected
	buf, ok := m.buffers[id]
	if !ok {
		buf = framebuf.New()
		m.buffers[id] = buf
	}
	if _, ok := m.delimiters[id]; !ok {
		m.delimiters[id] = ""
	}
	m.pending.Resolve(id, pc.peer)
	m.mu.Unlock()

	log.Info("connected", zap.String("name", pc.peer.Name))
	m.emit(peerEvent(EventConnectionSuccess, pc.peer, "Connected to "+displayName(pc.peer)))

	m.pump(pc, ch, buf, log)
}

type connectStage struct {
	stage Stage
	open  func(context.Context) (Channel, error)
}

// openChannel walks the fallback chain and returns the first channel that
// opens. Per-stage failures are logged, not reported as events.
func (m *manager) openChannel(ctx context.Context, dev Device, log *zap.Logger) (Channel, error) {
	stages := []connectStage{
		{StageSecure, dev.OpenSecure},
		{StageRawChannel, func(ctx context.Context) (Channel, error) {
			return dev.OpenRawChannel(ctx, m.rawChannel)
		}},
		{StageInsecure, dev.OpenInsecure},
	}

	cerr := &ConnectError{Peer: dev.Peer().ID}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, err := s.open(ctx)
		if err == nil {
			log.Info("channel open", zap.Stringer("stage", s.stage))
			return ch, nil
		}
		m.closeChannel(cerr.Peer, ch)
		log.Warn("connect stage failed", zap.Stringer("stage", s.stage), zap.Error(err))
		cerr.Stages = append(cerr.Stages, StageError{Stage: s.stage, Err: err})
	}
	return nil, cerr
}

func displayName(p Peer) string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.ID)
}
