//go:build !linux

package bluez

import (
	"context"
	"fmt"

	"bluetooth-serial/internal/connmgr"
)

// Adapter is unavailable outside Linux.
type Adapter struct{}

// Open always fails with connmgr.ErrAdapterUnavailable.
func Open(_ context.Context, opts Options) (*Adapter, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: bluez requires linux", connmgr.ErrAdapterUnavailable)
}

func (a *Adapter) Device(context.Context, connmgr.PeerID) (connmgr.Device, error) {
	return nil, connmgr.ErrAdapterUnavailable
}

func (a *Adapter) CancelDiscovery() error { return connmgr.ErrAdapterUnavailable }

func (a *Adapter) StartDiscovery(context.Context, func(connmgr.PeerID) bool) error {
	return connmgr.ErrAdapterUnavailable
}

func (a *Adapter) Close() error { return nil }
