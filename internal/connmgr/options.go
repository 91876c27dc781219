package connmgr

import (
	"fmt"

	"go.uber.org/zap"
)

// Option configures a Manager.
type Option func(*manager)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(log *zap.Logger) Option {
	return func(m *manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithDiscovery enables the first-device flow.
func WithDiscovery(d Discoverer) Option {
	return func(m *manager) {
		m.discovery = d
	}
}

// WithRawChannel sets the RFCOMM channel used by the raw-channel stage.
func WithRawChannel(ch uint8) Option {
	return func(m *manager) {
		if ch != 0 {
			m.rawChannel = ch
		}
	}
}

// ValidateRawChannel reports an error unless ch is an RFCOMM channel
// (1 to MaxRawChannel).
func ValidateRawChannel(ch uint) error {
	if ch < 1 || ch > MaxRawChannel {
		return fmt.Errorf("raw channel %d out of range 1-%d", ch, MaxRawChannel)
	}
	return nil
}

// WithReadChunkSize sets the maximum size of a single pump read.
func WithReadChunkSize(n int) Option {
	return func(m *manager) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}
