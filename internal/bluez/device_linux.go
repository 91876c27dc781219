//go:build linux

package bluez

import (
	"context"
	"fmt"
	"os"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/connmgr"
)

// device is one peer of an Adapter.
type device struct {
	adapter *Adapter
	path    dbus.ObjectPath
	addr    [6]byte
	peer    connmgr.Peer
}

var _ connmgr.Device = (*device)(nil)

func (d *device) Peer() connmgr.Peer { return d.peer }

// OpenSecure asks BlueZ to connect our registered profile; the socket comes
// back through Profile1.NewConnection.
func (d *device) OpenSecure(ctx context.Context) (connmgr.Channel, error) {
	a := d.adapter
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	ch := a.prof.wait(d.path)
	defer a.prof.done(d.path, ch)

	call := a.bus.Object(bluezService, d.path).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, a.opts.ServiceUUID)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case fd := <-ch:
		// Non-blocking so that Close unblocks a pending Read.
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("bluez: set nonblock: %w", err)
		}
		return os.NewFile(uintptr(fd), "rfcomm:"+d.peer.Address), nil
	}
}

// OpenRawChannel connects straight to channel with authentication and
// encryption required.
func (d *device) OpenRawChannel(ctx context.Context, channel uint8) (connmgr.Channel, error) {
	f, err := dialRFCOMM(ctx, d.addr, channel, rfcommLMAuth|rfcommLMEncrypt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenInsecure looks the service's channel up over SDP and connects without
// any link-mode requirement.
func (d *device) OpenInsecure(ctx context.Context) (connmgr.Channel, error) {
	channel, err := lookupRFCOMMChannel(ctx, d.addr, d.adapter.service)
	if err != nil {
		return nil, err
	}
	d.adapter.log.Debug("sdp channel", zap.String("peer", d.peer.Address), zap.Uint8("channel", channel))
	f, err := dialRFCOMM(ctx, d.addr, channel, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}
