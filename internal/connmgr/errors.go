package connmgr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAdapterUnavailable = errors.New("connmgr: bluetooth adapter unavailable")
	ErrUnknownPeer        = errors.New("connmgr: unknown peer")
	ErrNoPeer             = errors.New("connmgr: no peer given and no discovery configured")
	ErrCanceled           = errors.New("connmgr: connect canceled")
	ErrStopped            = errors.New("connmgr: manager stopped")
	ErrUnsupported        = errors.New("connmgr: not supported by device")
	ErrConnectFailed      = errors.New("connmgr: unable to connect device")
)

// Stage is one step of the connect fallback chain.
type Stage int

const (
	StageSecure Stage = iota
	StageRawChannel
	StageInsecure
)

func (s Stage) String() string {
	switch s {
	case StageSecure:
		return "secure"
	case StageRawChannel:
		return "raw-channel"
	case StageInsecure:
		return "insecure"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageError records why one stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e StageError) Error() string {
	return e.Stage.String() + ": " + e.Err.Error()
}

func (e StageError) Unwrap() error { return e.Err }

// ConnectError is returned when every stage of the fallback chain failed.
// errors.Is(err, ErrConnectFailed) matches it.
type ConnectError struct {
	Peer   PeerID
	Stages []StageError
}

func (e *ConnectError) Error() string {
	parts := make([]string, len(e.Stages))
	for i, s := range e.Stages {
		parts[i] = s.Error()
	}
	return fmt.Sprintf("connmgr: unable to connect %s: %s", e.Peer, strings.Join(parts, "; "))
}

func (e *ConnectError) Unwrap() []error {
	errs := make([]error, 0, len(e.Stages)+1)
	errs = append(errs, ErrConnectFailed)
	for _, s := range e.Stages {
		errs = append(errs, s)
	}
	return errs
}
