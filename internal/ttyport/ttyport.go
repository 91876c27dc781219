// Package ttyport implements connmgr.Adapter for SPP links the operating
// system already exposes as serial devices (rfcomm bind on Linux, virtual COM
// ports on Windows).
//
// Such a link has no service record or channel choice of its own, so only the
// secure stage is provided; the other stages report connmgr.ErrUnsupported.
package ttyport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"bluetooth-serial/internal/connmgr"
)

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 500 * time.Millisecond
)

// PortConfig binds a peer address to a serial device.
type PortConfig struct {
	Peer        connmgr.PeerID
	Name        string
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

type openFunc func(*serial.Config) (io.ReadWriteCloser, error)

func openSerial(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// Adapter serves the configured ports.
type Adapter struct {
	log   *zap.Logger
	open  openFunc
	ports map[connmgr.PeerID]PortConfig
}

var _ connmgr.Adapter = (*Adapter)(nil)

// New validates ports and returns an Adapter for them.
func New(ports []PortConfig, log *zap.Logger) (*Adapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		log:   log.Named("ttyport"),
		open:  openSerial,
		ports: make(map[connmgr.PeerID]PortConfig, len(ports)),
	}
	for i, p := range ports {
		if p.Peer == "" {
			return nil, fmt.Errorf("ttyport: ports[%d].peer is required", i)
		}
		if p.Device == "" {
			return nil, fmt.Errorf("ttyport: ports[%d].device is required", i)
		}
		if _, dup := a.ports[p.Peer]; dup {
			return nil, fmt.Errorf("ttyport: duplicate peer %s", p.Peer)
		}
		if p.Baud <= 0 {
			p.Baud = DefaultBaud
		}
		if p.ReadTimeout <= 0 {
			p.ReadTimeout = DefaultReadTimeout
		}
		a.ports[p.Peer] = p
	}
	return a, nil
}

func (a *Adapter) Device(_ context.Context, id connmgr.PeerID) (connmgr.Device, error) {
	p, ok := a.ports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no serial port", connmgr.ErrUnknownPeer, id)
	}
	return &device{adapter: a, cfg: p}, nil
}

// CancelDiscovery is a no-op; serial ports are configured, not discovered.
func (a *Adapter) CancelDiscovery() error { return nil }

type device struct {
	adapter *Adapter
	cfg     PortConfig
}

func (d *device) Peer() connmgr.Peer {
	return connmgr.Peer{ID: d.cfg.Peer, Address: string(d.cfg.Peer), Name: d.cfg.Name}
}

func (d *device) OpenSecure(ctx context.Context) (connmgr.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := d.adapter.open(&serial.Config{
		Name:        d.cfg.Device,
		Baud:        d.cfg.Baud,
		ReadTimeout: d.cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ttyport: open %s: %w", d.cfg.Device, err)
	}
	d.adapter.log.Info("port open", zap.String("peer", string(d.cfg.Peer)), zap.String("device", d.cfg.Device))
	return newTTYChannel(port, d.cfg.ReadTimeout), nil
}

func (d *device) OpenRawChannel(context.Context, uint8) (connmgr.Channel, error) {
	return nil, connmgr.ErrUnsupported
}

func (d *device) OpenInsecure(context.Context) (connmgr.Channel, error) {
	return nil, connmgr.ErrUnsupported
}

// hangupReads is how many consecutive early empty reads mean the line hung
// up rather than timed out.
const hangupReads = 3

// ttyChannel turns a serial port with a read timeout into a blocking stream
// whose Close unblocks Read. A timed out read surfaces from the port as
// (0, io.EOF) and is retried until the channel is closed. Empty reads that
// return well before the timeout mean the tty hung up.
type ttyChannel struct {
	port    io.ReadWriteCloser
	timeout time.Duration
	now     func() time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	err       error
}

func newTTYChannel(port io.ReadWriteCloser, timeout time.Duration) *ttyChannel {
	return &ttyChannel{port: port, timeout: timeout, now: time.Now}
}

func (c *ttyChannel) Read(p []byte) (int, error) {
	early := 0
	for {
		if c.closed.Load() {
			return 0, os.ErrClosed
		}
		start := c.now()
		n, err := c.port.Read(p)
		if n > 0 {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return n, err
		}
		if err == nil || errors.Is(err, io.EOF) {
			if c.now().Sub(start) < c.timeout/4 {
				early++
				if early >= hangupReads {
					return 0, io.EOF
				}
			} else {
				early = 0
			}
			continue
		}
		if c.closed.Load() {
			return 0, os.ErrClosed
		}
		return 0, err
	}
}

func (c *ttyChannel) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, os.ErrClosed
	}
	return c.port.Write(p)
}

func (c *ttyChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.err = c.port.Close()
	})
	return c.err
}
