//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/connmgr"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

// Adapter is a BlueZ adapter. It implements connmgr.Adapter and
// connmgr.Discoverer.
type Adapter struct {
	log     *zap.Logger
	service uuid.UUID
	opts    Options

	bus         *dbus.Conn
	adapterPath dbus.ObjectPath
	profilePath dbus.ObjectPath
	prof        *profile

	mu      sync.Mutex
	closed  bool
	cleanup []func()
}

var (
	_ connmgr.Adapter    = (*Adapter)(nil)
	_ connmgr.Discoverer = (*Adapter)(nil)
)

// Open connects to the system bus, picks the adapter and registers the client
// profile used by the secure stage. A missing or powered off adapter yields
// connmgr.ErrAdapterUnavailable.
func Open(ctx context.Context, opts Options) (*Adapter, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	a := &Adapter{
		log:     opts.Logger.Named("bluez"),
		service: uuid.MustParse(opts.ServiceUUID),
		opts:    opts,
	}

	bus, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %v", connmgr.ErrAdapterUnavailable, err)
	}
	a.bus = bus
	// Close the bus last during cleanup.
	a.cleanup = append(a.cleanup, func() { _ = bus.Close() })

	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) init(ctx context.Context) error {
	adapters, err := listAdapters(ctx, a.bus)
	if err != nil {
		return fmt.Errorf("%w: %v", connmgr.ErrAdapterUnavailable, err)
	}
	for _, p := range adapters {
		if a.opts.AdapterName == "" || strings.HasSuffix(string(p), "/"+a.opts.AdapterName) {
			a.adapterPath = p
			break
		}
	}
	if a.adapterPath == "" {
		return fmt.Errorf("%w: no adapter %q", connmgr.ErrAdapterUnavailable, a.opts.AdapterName)
	}

	powered, err := a.getProperty(ctx, a.adapterPath, adapterIface, "Powered")
	if err == nil {
		if on, ok := powered.Value().(bool); ok && !on {
			return fmt.Errorf("%w: %s is powered off", connmgr.ErrAdapterUnavailable, a.adapterPath)
		}
	}

	// Export Profile1 under a unique path and register it for the service.
	a.prof = &profile{log: a.log, waiters: make(map[dbus.ObjectPath]chan int)}
	id := atomic.AddUint64(&pathCounter, 1)
	a.profilePath = dbus.ObjectPath("/org/bluetooth_serial/bluez/client/p" + strconv.FormatUint(id, 10))
	if err := a.bus.Export(a.prof, a.profilePath, profileInterfaceName); err != nil {
		return fmt.Errorf("bluez: export client profile: %w", err)
	}
	a.cleanup = append(a.cleanup, func() {
		_ = a.bus.Export(nil, a.profilePath, profileInterfaceName)
	})

	optsMap := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant("Serial Port"),
		"Role":                  dbus.MakeVariant("client"),
		"RequireAuthentication": dbus.MakeVariant(true),
	}
	pm := a.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, a.profilePath, a.opts.ServiceUUID, optsMap); call.Err != nil {
		return fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
	}
	a.cleanup = append(a.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, a.profilePath).Err
	})

	a.log.Info("adapter ready",
		zap.String("adapter", string(a.adapterPath)),
		zap.String("service", a.opts.ServiceUUID),
	)
	return nil
}

// Device resolves id to the BlueZ device object of this adapter.
func (a *Adapter) Device(ctx context.Context, id connmgr.PeerID) (connmgr.Device, error) {
	addr, err := parseBDAddr(string(id))
	if err != nil {
		return nil, err
	}
	if err := a.checkOpen(); err != nil {
		return nil, err
	}

	path := dbus.ObjectPath(devicePath(string(a.adapterPath), string(id)))
	var props map[string]dbus.Variant
	call := a.bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		if strings.HasSuffix(dbusErrorName(call.Err), "UnknownObject") {
			return nil, fmt.Errorf("%w: %s", connmgr.ErrUnknownPeer, id)
		}
		return nil, fmt.Errorf("bluez: device %s: %w", id, call.Err)
	}
	if err := call.Store(&props); err != nil {
		return nil, fmt.Errorf("bluez: decode device %s: %w", id, err)
	}

	peer := peerFromProps(path, props)
	peer.ID = id
	return &device{adapter: a, path: path, addr: addr, peer: peer}, nil
}

// CancelDiscovery stops an inquiry on this adapter. Not discovering is fine.
func (a *Adapter) CancelDiscovery() error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	err := a.bus.Object(bluezService, a.adapterPath).Call(adapterIface+".StopDiscovery", 0).Err
	switch dbusErrorName(err) {
	case "org.bluez.Error.Failed", "org.bluez.Error.NotReady":
		return nil
	}
	return err
}

// StartDiscovery runs an inquiry and calls found for every device that
// appears or reports a fresh RSSI, until found returns true or ctx ends.
func (a *Adapter) StartDiscovery(ctx context.Context, found func(connmgr.PeerID) bool) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	bus := a.bus

	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := bus.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
		defer func(m []dbus.MatchOption) { _ = bus.RemoveMatchSignal(m...) }(m)
	}

	adapterObj := bus.Object(bluezService, a.adapterPath)
	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("bredr")}
	if err := adapterObj.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		a.log.Debug("set discovery filter", zap.Error(err))
	}
	if err := adapterObj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("bluez: StartDiscovery: %w", err)
	}
	defer func() { _ = a.CancelDiscovery() }()
	a.log.Info("discovery started", zap.String("adapter", string(a.adapterPath)))

	seen := make(map[dbus.ObjectPath]bool)
	prefix := string(a.adapterPath) + "/dev_"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sigCh:
			if !ok {
				return fmt.Errorf("%w: bus closed", connmgr.ErrAdapterUnavailable)
			}
			if sig == nil || !strings.HasPrefix(string(sig.Path), prefix) || seen[sig.Path] {
				continue
			}
			peer, ok := a.peerFromSignal(ctx, sig)
			if !ok {
				continue
			}
			seen[sig.Path] = true
			a.log.Debug("device found", zap.String("peer", peer.Address), zap.String("name", peer.Name))
			if found(peer.ID) {
				return nil
			}
		}
	}
}

func (a *Adapter) peerFromSignal(ctx context.Context, sig *dbus.Signal) (connmgr.Peer, bool) {
	var props map[string]dbus.Variant
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return connmgr.Peer{}, false
		}
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props = ifaces[deviceIface]
	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return connmgr.Peer{}, false
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if _, rssi := changed["RSSI"]; iface != deviceIface || !rssi {
			return connmgr.Peer{}, false
		}
		call := a.bus.Object(bluezService, sig.Path).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface)
		if call.Err != nil || call.Store(&props) != nil {
			return connmgr.Peer{}, false
		}
	}
	if props == nil {
		return connmgr.Peer{}, false
	}
	if a.opts.FilterSPP {
		uu, _ := props["UUIDs"].Value().([]string)
		if !containsUUID(uu, a.opts.ServiceUUID) {
			return connmgr.Peer{}, false
		}
	}
	return peerFromProps(sig.Path, props), true
}

// Close unregisters the profile and closes the bus. Safe to call more than
// once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cleanup := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func (a *Adapter) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("%w: adapter closed", connmgr.ErrAdapterUnavailable)
	}
	return nil
}

func (a *Adapter) getProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := a.bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".Get", 0, iface, name)
	if call.Err != nil {
		return v, call.Err
	}
	err := call.Store(&v)
	return v, err
}

// profile implements org.bluez.Profile1 and hands NewConnection descriptors to
// the OpenSecure call waiting on that device.
type profile struct {
	log *zap.Logger

	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan int
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.log.Debug("disconnection requested", zap.String("device", string(dev)))
	return nil
}

// NewConnection delivers the RFCOMM socket to the waiting OpenSecure call.
// Connections nobody waits for are closed and rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	if ok {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()

	if ok {
		select {
		case ch <- int(fd):
			return nil
		default:
		}
	}
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
	p.log.Warn("rejected unsolicited connection", zap.String("device", string(dev)))
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
}

func (p *profile) wait(dev dbus.ObjectPath) chan int {
	ch := make(chan int, 1)
	p.mu.Lock()
	p.waiters[dev] = ch
	p.mu.Unlock()
	return ch
}

// done withdraws ch and closes a descriptor that arrived after its caller
// gave up.
func (p *profile) done(dev dbus.ObjectPath, ch chan int) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
	select {
	case fd := <-ch:
		_ = unix.Close(fd)
	default:
	}
}

// dbusErrorName returns the D-Bus error name carried by err, or "".
func dbusErrorName(err error) string {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name
	}
	var perr *dbus.Error
	if errors.As(err, &perr) && perr != nil {
		return perr.Name
	}
	return ""
}

func listAdapters(ctx context.Context, bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func peerFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) connmgr.Peer {
	var mac, name, alias string
	var class uint32
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if v, ok := props["Class"]; ok {
		class, _ = v.Value().(uint32)
	}
	if mac == "" {
		mac = macFromPath(string(path))
	}
	if name == "" {
		name = alias
	}
	return connmgr.Peer{
		ID:      connmgr.PeerID(mac),
		Address: mac,
		Name:    name,
		Class:   class,
	}
}
