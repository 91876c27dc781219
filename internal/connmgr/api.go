// Package connmgr manages concurrent SPP (RFCOMM serial) sessions with many
// remote Bluetooth peers.
//
// A Manager opens channels through an Adapter using a three-stage fallback
// chain, runs one read pump per connected peer, cuts the received stream into
// delimiter-terminated frames and reports outcomes to an EventSink.
//
// Thread-safety: all Manager methods are safe for concurrent use. Blocking
// channel I/O never runs under the manager's lock, so a stalled peer does not
// hold up the others.
package connmgr

import (
	"context"
	"io"
	"net"
	"strings"

	"bluetooth-serial/internal/completion"
)

const (
	// SPPUUID is the Serial Port Profile service class UUID.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRawChannel is the RFCOMM channel tried when the service record
	// lookup path fails.
	DefaultRawChannel uint8 = 1

	// MaxRawChannel is the highest RFCOMM server channel.
	MaxRawChannel = 30

	// DefaultReadChunkSize bounds a single read of a stream pump.
	DefaultReadChunkSize = 1024
)

// PeerID identifies a remote device by its hardware address, e.g.
// "00:11:22:33:44:55". The empty PeerID means "not given" and resolves to the
// first connected peer.
type PeerID string

// ParsePeerID turns user input into a PeerID. Hardware addresses are
// upper-cased so "aa:bb:.." and "AA:BB:.." name the same session; anything
// else is kept verbatim.
func ParsePeerID(s string) PeerID {
	s = strings.TrimSpace(s)
	if hw, err := net.ParseMAC(s); err == nil && len(hw) == 6 {
		return PeerID(strings.ToUpper(hw.String()))
	}
	return PeerID(s)
}

// FirstDevice is the registry key of a connect request that targets whichever
// device discovery reports next.
const FirstDevice PeerID = "first-device"

// Peer describes a remote device.
type Peer struct {
	ID      PeerID `json:"id"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	// Class is the Bluetooth class of device; 0 when unknown.
	Class uint32 `json:"class,omitempty"`
}

// Channel is an open byte stream to a peer. Close must unblock a pending Read.
type Channel io.ReadWriteCloser

// Device is a channel-capable handle for one peer, obtained from an Adapter.
//
// Each Open method either returns an open Channel or an error; an
// implementation that cannot provide a stage returns ErrUnsupported. Open
// methods must return promptly once ctx is canceled and must not leak
// half-open handles on error.
type Device interface {
	Peer() Peer

	// OpenSecure opens an authenticated channel reserved against the SPP
	// service record.
	OpenSecure(ctx context.Context) (Channel, error)

	// OpenRawChannel connects straight to the given RFCOMM channel, skipping
	// the service record lookup.
	OpenRawChannel(ctx context.Context, channel uint8) (Channel, error)

	// OpenInsecure opens an unauthenticated channel reserved against the SPP
	// service record.
	OpenInsecure(ctx context.Context) (Channel, error)
}

// Adapter is the local transport adapter.
type Adapter interface {
	// Device resolves id to a device handle. It fails with
	// ErrAdapterUnavailable when the adapter is gone and ErrUnknownPeer when
	// the address is not known to the adapter.
	Device(ctx context.Context, id PeerID) (Device, error)

	// CancelDiscovery stops an ongoing inquiry. Not discovering is not an
	// error.
	CancelDiscovery() error
}

// Discoverer reports newly found devices for the first-device flow.
type Discoverer interface {
	// StartDiscovery blocks, calling found for every newly seen peer, until
	// found returns true or ctx ends.
	StartDiscovery(ctx context.Context, found func(PeerID) bool) error
}

// PeerStatus is a snapshot of one known peer.
type PeerStatus struct {
	Peer      Peer   `json:"peer"`
	State     State  `json:"state"`
	Delimiter string `json:"delimiter"`
	Buffered  int    `json:"buffered"`
	First     bool   `json:"first"`
}

// Manager is the session manager for all peers.
//
// Every id argument may be empty, in which case the first connected peer is
// used. Calls whose id cannot be resolved are no-ops returning zero values.
type Manager interface {
	// ConnectAsync starts connecting to id and returns the caller's
	// completion handle. Any worker or pump already running for id is
	// canceled first, and a handle still pending for id is superseded.
	//
	// An empty id (or FirstDevice) registers under the placeholder key and
	// starts discovery; the first device reported wins. Without a
	// Discoverer this returns ErrNoPeer. An id unknown to the adapter also
	// takes the placeholder path when a Discoverer is configured.
	//
	// ctx bounds only the device lookup; the attempt itself runs until it
	// settles or the peer is stopped.
	ConnectAsync(ctx context.Context, id PeerID) (*completion.Handle[Peer], error)

	// Connect is ConnectAsync followed by waiting on the handle.
	Connect(ctx context.Context, id PeerID) (Peer, error)

	// DeviceFound notifies the manager of a discovered device. When a
	// placeholder request is pending it is rekeyed to id and a connect is
	// started; DeviceFound then returns true.
	DeviceFound(ctx context.Context, id PeerID) bool

	// Disconnect stops the worker or pump for id. A pending handle for id is
	// rejected with ErrCanceled. Always succeeds.
	Disconnect(id PeerID)

	// Write forwards data unchanged to the peer's channel. It is a no-op
	// unless the peer is Connected. Failures are reported as error events.
	Write(id PeerID, data []byte)

	IsConnected(id PeerID) bool
	State(id PeerID) State

	// Read drains everything buffered for id.
	Read(id PeerID) string
	// ReadUntil extracts the next frame terminated by delimiter without
	// touching the stored delimiter.
	ReadUntil(id PeerID, delimiter string) string
	// SetDelimiter stores the frame delimiter for id. An empty delimiter
	// disables frame events. It fails with ErrNoPeer when id is empty and
	// nothing is connected.
	SetDelimiter(id PeerID, delimiter string) error
	Delimiter(id PeerID) string
	// Clear drops buffered data for id.
	Clear(id PeerID)
	// Available returns the number of buffered bytes for id.
	Available(id PeerID) int

	FirstConnected() (PeerID, bool)
	Peers() []PeerStatus

	// StopAll stops every peer and rejects every pending handle with
	// ErrStopped.
	StopAll()

	// Close stops everything and waits for background goroutines. The
	// manager cannot be reused.
	Close() error
}
