package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	switch c.Adapter.Kind {
	case "bluez":
	case "tty":
		if len(c.TTY.Ports) == 0 {
			return errors.New("tty.ports is required when adapter.kind is tty")
		}
	default:
		return fmt.Errorf("adapter.kind must be bluez or tty, got %q", c.Adapter.Kind)
	}
	if _, err := uuid.Parse(c.Adapter.ServiceUUID); err != nil {
		return fmt.Errorf("adapter.service_uuid: %w", err)
	}

	seen := make(map[string]bool)
	for i, p := range c.TTY.Ports {
		if err := validateAddress(p.Peer); err != nil {
			return fmt.Errorf("tty.ports[%d].peer: %w", i, err)
		}
		if p.Device == "" {
			return fmt.Errorf("tty.ports[%d].device is required", i)
		}
		if seen[p.Peer] {
			return fmt.Errorf("tty.ports[%d].peer %s is listed twice", i, p.Peer)
		}
		seen[p.Peer] = true
		if p.Baud < 1 {
			return fmt.Errorf("tty.ports[%d].baud must be >= 1", i)
		}
	}

	if c.Session.RawChannel < 1 || c.Session.RawChannel > 30 {
		return fmt.Errorf("session.raw_channel must be between 1 and 30, got %d", c.Session.RawChannel)
	}
	if c.Session.ReadChunkSize < 1 {
		return errors.New("session.read_chunk_size must be >= 1")
	}
	for i, peer := range c.Session.AutoConnect {
		if err := validateAddress(peer); err != nil {
			return fmt.Errorf("session.auto_connect[%d]: %w", i, err)
		}
	}
	for peer := range c.Session.Delimiters {
		if err := validateAddress(peer); err != nil {
			return fmt.Errorf("session.delimiters: %w", err)
		}
	}

	if c.API.Listen == "" {
		return errors.New("api.listen is required")
	}
	if c.API.ConnectWait < 0 {
		return errors.New("api.connect_wait must be >= 0")
	}
	if c.API.EventBuffer < 1 {
		return errors.New("api.event_buffer must be >= 1")
	}

	if c.Store.HistoryLimit < 1 {
		return errors.New("store.history_limit must be >= 1")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func validateAddress(s string) error {
	if s == "" {
		return errors.New("address is required")
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return err
	}
	if len(hw) != 6 {
		return fmt.Errorf("%q is not a 48-bit address", s)
	}
	return nil
}
