package connmgr

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"bluetooth-serial/internal/framebuf"
)

// pump reads ch until it fails, feeding buf and emitting one data event per
// complete frame. A read error on the current connection is a connection
// loss; on a stale one (the peer was stopped or reconnected) it is the
// expected result of the channel being closed and is ignored.
func (m *manager) pump(pc *peerContext, ch Channel, buf *framebuf.Buffer, log *zap.Logger) {
	id := pc.peer.ID
	chunk := make([]byte, m.chunkSize)

	for {
		n, err := ch.Read(chunk)
		if n > 0 {
			text := framebuf.DecodeLatin1(chunk[:n])

			m.mu.Lock()
			current := m.peers[id] == pc
			delimiter := m.delimiters[id]
			if current {
				buf.Append(text)
			}
			m.mu.Unlock()
			if !current {
				return
			}

			for _, frame := range buf.ExtractAll(delimiter) {
				m.emit(dataEvent(id, frame))
			}
		}
		if err == nil {
			continue
		}

		m.mu.Lock()
		if m.peers[id] != pc {
			m.mu.Unlock()
			return
		}
		m.dropLocked(id)
		m.mu.Unlock()
		pc.cancel()

		if errors.Is(err, io.EOF) {
			log.Info("connection closed by peer")
		} else {
			log.Warn("connection lost", zap.Error(err))
		}
		m.closeChannel(id, ch)
		m.emit(peerEvent(EventConnectionLost, pc.peer, "Connection to "+displayName(pc.peer)+" lost"))
		return
	}
}
