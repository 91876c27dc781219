package connmgr

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names an outbound notification.
type EventKind string

const (
	EventConnectionSuccess EventKind = "connectionSuccess"
	EventConnectionFailed  EventKind = "connectionFailed"
	EventConnectionLost    EventKind = "connectionLost"
	EventData              EventKind = "data"
	EventError             EventKind = "error"
)

// Event is one notification for the delivery layer. Connection events carry
// Peer, data events carry PeerID and Data, error events carry Message.
type Event struct {
	Kind    EventKind `json:"kind"`
	Peer    *Peer     `json:"peer,omitempty"`
	PeerID  PeerID    `json:"peerId,omitempty"`
	Data    string    `json:"data,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// EventSink receives notifications. Publish is called outside the manager's
// lock and must not block for long.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// State is the connection state of one peer.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func peerEvent(kind EventKind, p Peer, msg string) Event {
	return Event{Kind: kind, Peer: &p, PeerID: p.ID, Message: msg}
}

func dataEvent(id PeerID, frame string) Event {
	return Event{Kind: EventData, PeerID: id, Data: frame}
}

func errorEvent(id PeerID, msg string) Event {
	return Event{Kind: EventError, PeerID: id, Message: msg}
}
