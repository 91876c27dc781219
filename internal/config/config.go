// Package config loads the gateway's YAML configuration.
package config

import "time"

// Config is the root configuration of the btserial gateway.
type Config struct {
	Adapter AdapterConfig `yaml:"adapter"`
	TTY     TTYConfig     `yaml:"tty"`
	Session SessionConfig `yaml:"session"`
	API     APIConfig     `yaml:"api"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
}

// AdapterConfig selects the transport.
type AdapterConfig struct {
	Kind        string `yaml:"kind"`         // "bluez" or "tty"
	Name        string `yaml:"name"`         // bluez adapter, e.g. hci0; empty picks the first
	ServiceUUID string `yaml:"service_uuid"` // service class to connect to
	FilterSPP   bool   `yaml:"filter_spp"`   // discovery reports only devices advertising the service
	Discovery   bool   `yaml:"discovery"`    // enable connect-to-first-found-device
}

// TTYConfig lists serial devices bound to peers (adapter.kind = tty).
type TTYConfig struct {
	Ports []PortConfig `yaml:"ports"`
}

// PortConfig binds one peer address to a serial device.
type PortConfig struct {
	Peer        string        `yaml:"peer"`
	Name        string        `yaml:"name"`
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// SessionConfig tunes the connection manager.
type SessionConfig struct {
	RawChannel    int               `yaml:"raw_channel"`
	ReadChunkSize int               `yaml:"read_chunk_size"`
	Delimiters    map[string]string `yaml:"delimiters"`   // peer -> delimiter preset at startup
	AutoConnect   []string          `yaml:"auto_connect"` // peers connected at startup
}

// APIConfig holds the HTTP/WebSocket server settings.
type APIConfig struct {
	Listen       string        `yaml:"listen"`
	ConnectWait  time.Duration `yaml:"connect_wait"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EventBuffer  int           `yaml:"event_buffer"`
}

// StoreConfig enables the SQLite session history. An empty path disables it.
type StoreConfig struct {
	Path         string `yaml:"path"`
	HistoryLimit int    `yaml:"history_limit"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}
