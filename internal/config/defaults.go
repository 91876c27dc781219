package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAdapterKind   = "bluez"
	DefaultServiceUUID   = "00001101-0000-1000-8000-00805f9b34fb"
	DefaultRawChannel    = 1
	DefaultReadChunkSize = 1024
	DefaultListen        = ":8080"
	DefaultConnectWait   = 30 * time.Second
	DefaultReadTimeout   = 15 * time.Second
	DefaultWriteTimeout  = 15 * time.Second
	DefaultEventBuffer   = 64
	DefaultHistoryLimit  = 100
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultBaud          = 115200
	DefaultPortTimeout   = 500 * time.Millisecond
)

func (c *Config) applyDefaults() {
	// Adapter defaults
	if c.Adapter.Kind == "" {
		c.Adapter.Kind = DefaultAdapterKind
	}
	if c.Adapter.ServiceUUID == "" {
		c.Adapter.ServiceUUID = DefaultServiceUUID
	}
	for i := range c.TTY.Ports {
		p := &c.TTY.Ports[i]
		if p.Baud == 0 {
			p.Baud = DefaultBaud
		}
		if p.ReadTimeout == 0 {
			p.ReadTimeout = DefaultPortTimeout
		}
	}

	// Session defaults
	if c.Session.RawChannel == 0 {
		c.Session.RawChannel = DefaultRawChannel
	}
	if c.Session.ReadChunkSize == 0 {
		c.Session.ReadChunkSize = DefaultReadChunkSize
	}

	// API defaults
	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
	if c.API.ConnectWait == 0 {
		c.API.ConnectWait = DefaultConnectWait
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = DefaultReadTimeout
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = DefaultWriteTimeout
	}
	if c.API.EventBuffer == 0 {
		c.API.EventBuffer = DefaultEventBuffer
	}

	// Store defaults
	if c.Store.HistoryLimit == 0 {
		c.Store.HistoryLimit = DefaultHistoryLimit
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
