package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bluetooth-serial/internal/completion"
	"bluetooth-serial/internal/framebuf"
)

// peerContext is the per-attempt state of one peer. It is replaced on every
// connect, so a worker or pump holding a stale one knows it is no longer
// current.
type peerContext struct {
	peer   Peer
	cancel context.CancelFunc

	// channel is set once the worker succeeded; guarded by manager.mu.
	channel Channel
	writeMu sync.Mutex
}

type manager struct {
	adapter    Adapter
	discovery  Discoverer
	sink       EventSink
	log        *zap.Logger
	rawChannel uint8
	chunkSize  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	states     map[PeerID]State
	known      map[PeerID]Peer
	peers      map[PeerID]*peerContext
	buffers    map[PeerID]*framebuf.Buffer
	delimiters map[PeerID]string
	pending    *completion.Registry[PeerID, Peer]
	first      PeerID

	discoveryCancel context.CancelFunc
	discoveryGen    uint64
}

// New creates a Manager. A nil adapter makes every connect fail with
// ErrAdapterUnavailable; a nil sink drops events.
func New(adapter Adapter, sink EventSink, opts ...Option) Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &manager{
		adapter:    adapter,
		sink:       sink,
		log:        zap.NewNop(),
		rawChannel: DefaultRawChannel,
		chunkSize:  DefaultReadChunkSize,
		ctx:        ctx,
		cancel:     cancel,
		states:     make(map[PeerID]State),
		known:      make(map[PeerID]Peer),
		peers:      make(map[PeerID]*peerContext),
		buffers:    make(map[PeerID]*framebuf.Buffer),
		delimiters: make(map[PeerID]string),
		pending:    completion.NewRegistry[PeerID, Peer](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *manager) ConnectAsync(ctx context.Context, id PeerID) (*completion.Handle[Peer], error) {
	if m.adapter == nil {
		m.emit(errorEvent(id, ErrAdapterUnavailable.Error()))
		return nil, ErrAdapterUnavailable
	}
	if id == "" || id == FirstDevice {
		return m.connectFirst()
	}

	dev, err := m.adapter.Device(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownPeer) && m.discovery != nil {
			m.log.Info("peer not known to adapter, waiting for discovery", zap.String("peer", string(id)))
			return m.connectFirst()
		}
		if errors.Is(err, ErrAdapterUnavailable) {
			m.emit(errorEvent(id, err.Error()))
		}
		return nil, err
	}

	h := completion.NewHandle[Peer]()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.pending.Register(dev.Peer().ID, h)
	stale := m.startLocked(dev)
	m.mu.Unlock()

	m.closeChannel(dev.Peer().ID, stale)
	return h, nil
}

func (m *manager) Connect(ctx context.Context, id PeerID) (Peer, error) {
	h, err := m.ConnectAsync(ctx, id)
	if err != nil {
		return Peer{}, err
	}
	return h.Wait(ctx)
}

// connectFirst registers under the placeholder key and (re)starts discovery.
func (m *manager) connectFirst() (*completion.Handle[Peer], error) {
	if m.discovery == nil {
		return nil, ErrNoPeer
	}
	h := completion.NewHandle[Peer]()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.pending.Register(FirstDevice, h)
	if m.discoveryCancel != nil {
		m.discoveryCancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.discoveryCancel = cancel
	m.discoveryGen++
	gen := m.discoveryGen
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runDiscovery(ctx, cancel, gen)
	return h, nil
}

func (m *manager) runDiscovery(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer m.wg.Done()
	defer cancel()

	err := m.discovery.StartDiscovery(ctx, func(id PeerID) bool {
		return m.DeviceFound(ctx, id)
	})
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	if m.discoveryGen != gen {
		m.mu.Unlock()
		return
	}
	m.discoveryCancel = nil
	if err == nil {
		// A claimed request was already rekeyed, so this only rejects an
		// unclaimed one.
		err = errors.New("connmgr: discovery ended without a device")
	}
	rejected := m.pending.Reject(FirstDevice, fmt.Errorf("connmgr: discovery: %w", err))
	m.mu.Unlock()

	if rejected {
		m.log.Warn("first-device discovery failed", zap.Error(err))
		m.emit(errorEvent("", err.Error()))
	}
}

func (m *manager) DeviceFound(ctx context.Context, id PeerID) bool {
	if id == "" || id == FirstDevice || m.adapter == nil {
		return false
	}
	m.mu.Lock()
	waiting := !m.closed && m.pending.Pending(FirstDevice)
	m.mu.Unlock()
	if !waiting {
		return false
	}

	dev, err := m.adapter.Device(ctx, id)
	if err != nil {
		m.log.Debug("discovered device not usable", zap.String("peer", string(id)), zap.Error(err))
		return false
	}

	m.mu.Lock()
	if m.closed || !m.pending.Pending(FirstDevice) {
		m.mu.Unlock()
		return false
	}
	m.pending.Rekey(FirstDevice, dev.Peer().ID)
	stale := m.startLocked(dev)
	m.mu.Unlock()

	m.log.Info("first device found", zap.String("peer", string(dev.Peer().ID)))
	m.closeChannel(dev.Peer().ID, stale)
	return true
}

// startLocked replaces whatever runs for the device's peer with a new connect
// worker. It returns the channel of the replaced attempt for the caller to
// close after unlocking.
func (m *manager) startLocked(dev Device) Channel {
	peer := dev.Peer()
	id := peer.ID

	var stale Channel
	if pc, ok := m.peers[id]; ok {
		stale = m.detachLocked(id, pc)
	}
	if m.connectedCountLocked() == 0 {
		m.first = id
	}

	ctx, cancel := context.WithCancel(m.ctx)
	pc := &peerContext{peer: peer, cancel: cancel}
	m.peers[id] = pc
	m.known[id] = peer
	m.states[id] = Connecting

	m.wg.Add(1)
	go m.runWorker(ctx, pc, dev)
	return stale
}

// detachLocked cancels pc and forgets it. The returned channel, if any, is
// still open.
func (m *manager) detachLocked(id PeerID, pc *peerContext) Channel {
	delete(m.peers, id)
	pc.cancel()
	ch := pc.channel
	pc.channel = nil
	return ch
}

// dropLocked marks id disconnected after its worker or pump ended on its own.
func (m *manager) dropLocked(id PeerID) {
	delete(m.peers, id)
	m.states[id] = Disconnected
	if m.first == id {
		m.first = ""
	}
}

func (m *manager) connectedCountLocked() int {
	n := 0
	for _, s := range m.states {
		if s == Connected {
			n++
		}
	}
	return n
}

func (m *manager) resolveLocked(id PeerID) PeerID {
	if id == "" {
		return m.first
	}
	return id
}

func (m *manager) Disconnect(id PeerID) {
	m.mu.Lock()
	resolved := m.resolveLocked(id)
	if resolved == "" {
		// Nothing connected: an address-less disconnect aborts a pending
		// first-device request instead.
		cancelled := m.pending.Reject(FirstDevice, ErrCanceled)
		if m.discoveryCancel != nil {
			m.discoveryCancel()
			m.discoveryCancel = nil
		}
		m.mu.Unlock()
		if cancelled {
			m.log.Info("first-device request canceled")
		}
		return
	}

	var ch Channel
	if pc, ok := m.peers[resolved]; ok {
		ch = m.detachLocked(resolved, pc)
	}
	if _, ok := m.states[resolved]; ok {
		m.states[resolved] = Disconnected
	}
	if m.first == resolved {
		m.first = ""
	}
	m.pending.Reject(resolved, ErrCanceled)
	m.mu.Unlock()

	m.log.Info("peer stopped", zap.String("peer", string(resolved)))
	m.closeChannel(resolved, ch)
}

func (m *manager) Write(id PeerID, data []byte) {
	m.mu.Lock()
	id = m.resolveLocked(id)
	pc := m.peers[id]
	if id == "" || pc == nil || pc.channel == nil || m.states[id] != Connected {
		m.mu.Unlock()
		return
	}
	ch := pc.channel
	m.mu.Unlock()

	pc.writeMu.Lock()
	_, err := ch.Write(data)
	pc.writeMu.Unlock()
	if err != nil {
		m.log.Warn("write failed", zap.String("peer", string(id)), zap.Error(err))
		m.emit(errorEvent(id, fmt.Sprintf("write to %s failed: %v", id, err)))
	}
}

func (m *manager) IsConnected(id PeerID) bool {
	return m.State(id) == Connected
}

func (m *manager) State(id PeerID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = m.resolveLocked(id)
	if id == "" {
		return Disconnected
	}
	return m.states[id]
}

func (m *manager) buffer(id PeerID) (PeerID, *framebuf.Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = m.resolveLocked(id)
	return id, m.buffers[id]
}

func (m *manager) Read(id PeerID) string {
	if _, buf := m.buffer(id); buf != nil {
		return buf.DrainAll()
	}
	return ""
}

func (m *manager) ReadUntil(id PeerID, delimiter string) string {
	if _, buf := m.buffer(id); buf != nil {
		return buf.ExtractUntil(delimiter)
	}
	return ""
}

func (m *manager) Clear(id PeerID) {
	if _, buf := m.buffer(id); buf != nil {
		buf.Clear()
	}
}

func (m *manager) Available(id PeerID) int {
	if _, buf := m.buffer(id); buf != nil {
		return buf.Len()
	}
	return 0
}

func (m *manager) SetDelimiter(id PeerID, delimiter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = m.resolveLocked(id)
	if id == "" {
		return ErrNoPeer
	}
	m.delimiters[id] = delimiter
	return nil
}

func (m *manager) Delimiter(id PeerID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delimiters[m.resolveLocked(id)]
}

func (m *manager) FirstConnected() (PeerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first, m.first != ""
}

func (m *manager) Peers() []PeerStatus {
	m.mu.Lock()
	out := make([]PeerStatus, 0, len(m.known))
	for id, p := range m.known {
		st := PeerStatus{
			Peer:      p,
			State:     m.states[id],
			Delimiter: m.delimiters[id],
			First:     id == m.first,
		}
		if buf := m.buffers[id]; buf != nil {
			st.Buffered = buf.Len()
		}
		out = append(out, st)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Peer.ID < out[j].Peer.ID })
	return out
}

func (m *manager) StopAll() {
	type closing struct {
		id PeerID
		ch Channel
	}
	var chans []closing

	m.mu.Lock()
	for id, pc := range m.peers {
		if ch := m.detachLocked(id, pc); ch != nil {
			chans = append(chans, closing{id, ch})
		}
	}
	for id := range m.states {
		m.states[id] = Disconnected
	}
	m.first = ""
	rejected := m.pending.RejectAll(ErrStopped)
	if m.discoveryCancel != nil {
		m.discoveryCancel()
		m.discoveryCancel = nil
	}
	m.mu.Unlock()

	m.log.Info("all peers stopped", zap.Int("channels", len(chans)), zap.Int("rejected", rejected))
	for _, c := range chans {
		m.closeChannel(c.id, c.ch)
	}
}

func (m *manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.StopAll()
	m.cancel()
	m.wg.Wait()
	return nil
}

// closeChannel closes a detached channel. A failing close is reported, never
// propagated.
func (m *manager) closeChannel(id PeerID, ch Channel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		m.log.Warn("close channel", zap.String("peer", string(id)), zap.Error(err))
		m.emit(errorEvent(id, fmt.Sprintf("close %s: %v", id, err)))
	}
}

func (m *manager) emit(e Event) {
	if m.sink == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.sink.Publish(e)
}
