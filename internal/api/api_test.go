package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/completion"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/eventbus"
	"bluetooth-serial/internal/store"
)

// fakeManager records calls and serves canned state.
type fakeManager struct {
	mu         sync.Mutex
	connectErr error
	settle     func(reg *completion.Registry[connmgr.PeerID, connmgr.Peer], id connmgr.PeerID)
	pending    *completion.Registry[connmgr.PeerID, connmgr.Peer]
	connected  map[connmgr.PeerID]bool
	buffers    map[connmgr.PeerID]string
	delimiters map[connmgr.PeerID]string
	first      connmgr.PeerID
	written    map[connmgr.PeerID][]byte
	stopped    []connmgr.PeerID
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		pending:    completion.NewRegistry[connmgr.PeerID, connmgr.Peer](),
		connected:  make(map[connmgr.PeerID]bool),
		buffers:    make(map[connmgr.PeerID]string),
		delimiters: make(map[connmgr.PeerID]string),
		written:    make(map[connmgr.PeerID][]byte),
	}
}

func (f *fakeManager) id(id connmgr.PeerID) connmgr.PeerID {
	if id == "" {
		return f.first
	}
	return id
}

func (f *fakeManager) ConnectAsync(_ context.Context, id connmgr.PeerID) (*completion.Handle[connmgr.Peer], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if id == "" {
		id = connmgr.FirstDevice
	}
	h := completion.NewHandle[connmgr.Peer]()
	f.pending.Register(id, h)
	if f.settle != nil {
		f.settle(f.pending, id)
	}
	return h, nil
}

func (f *fakeManager) Connect(ctx context.Context, id connmgr.PeerID) (connmgr.Peer, error) {
	h, err := f.ConnectAsync(ctx, id)
	if err != nil {
		return connmgr.Peer{}, err
	}
	return h.Wait(ctx)
}

func (f *fakeManager) DeviceFound(context.Context, connmgr.PeerID) bool { return false }

func (f *fakeManager) Disconnect(id connmgr.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func (f *fakeManager) Write(id connmgr.PeerID, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[f.id(id)] = append(f.written[f.id(id)], data...)
}

func (f *fakeManager) writtenTo(id connmgr.PeerID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[id]
}

func (f *fakeManager) IsConnected(id connmgr.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[f.id(id)]
}

func (f *fakeManager) State(id connmgr.PeerID) connmgr.State {
	if f.IsConnected(id) {
		return connmgr.Connected
	}
	return connmgr.Disconnected
}

func (f *fakeManager) Read(id connmgr.PeerID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.buffers[f.id(id)]
	f.buffers[f.id(id)] = ""
	return out
}

func (f *fakeManager) ReadUntil(id connmgr.PeerID, delimiter string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.buffers[f.id(id)]
	i := strings.Index(buf, delimiter)
	if delimiter == "" || i < 0 {
		return ""
	}
	f.buffers[f.id(id)] = buf[i+len(delimiter):]
	return buf[:i+len(delimiter)]
}

func (f *fakeManager) SetDelimiter(id connmgr.PeerID, delimiter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id = f.id(id)
	if id == "" {
		return connmgr.ErrNoPeer
	}
	f.delimiters[id] = delimiter
	return nil
}

func (f *fakeManager) Delimiter(id connmgr.PeerID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delimiters[f.id(id)]
}

func (f *fakeManager) Clear(id connmgr.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffers[f.id(id)] = ""
}

func (f *fakeManager) Available(id connmgr.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffers[f.id(id)])
}

func (f *fakeManager) FirstConnected() (connmgr.PeerID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first, f.first != ""
}

func (f *fakeManager) Peers() []connmgr.PeerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []connmgr.PeerStatus
	for id := range f.connected {
		out = append(out, connmgr.PeerStatus{
			Peer:  connmgr.Peer{ID: id, Address: string(id)},
			State: connmgr.Connected,
			First: id == f.first,
		})
	}
	return out
}

func (f *fakeManager) StopAll()     {}
func (f *fakeManager) Close() error { return nil }

const peerA connmgr.PeerID = "00:11:22:33:44:55"

func newTestServer(t *testing.T, mgr connmgr.Manager, history History, bus *eventbus.Bus) *httptest.Server {
	t.Helper()
	if bus == nil {
		bus = eventbus.New(8)
	}
	srv := httptest.NewServer(NewRouter(mgr, history, bus.Subscribe, Options{ConnectWait: 200 * time.Millisecond}, nil))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestConnectWaitResolves(t *testing.T) {
	mgr := newFakeManager()
	mgr.settle = func(reg *completion.Registry[connmgr.PeerID, connmgr.Peer], id connmgr.PeerID) {
		reg.Resolve(id, connmgr.Peer{ID: id, Address: string(id), Name: "meter"})
	}
	srv := newTestServer(t, mgr, nil, nil)

	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connect", map[string]interface{}{"id": peerA, "wait": true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connected", body["state"])
	peer := body["peer"].(map[string]interface{})
	assert.Equal(t, "meter", peer["name"])
}

func TestConnectWithoutWaitIsAccepted(t *testing.T) {
	mgr := newFakeManager()
	srv := newTestServer(t, mgr, nil, nil)

	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connect", map[string]interface{}{})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, string(connmgr.FirstDevice), body["id"])
	assert.Equal(t, "connecting", body["state"])
}

func TestConnectWaitTimesOutWhileAttemptRuns(t *testing.T) {
	mgr := newFakeManager()
	srv := newTestServer(t, mgr, nil, nil)

	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connect", map[string]interface{}{"id": peerA, "wait": true})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "connecting", body["state"])
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeManager)
		status int
	}{
		{
			name:   "no peer and no discovery",
			setup:  func(f *fakeManager) { f.connectErr = connmgr.ErrNoPeer },
			status: http.StatusConflict,
		},
		{
			name:   "unknown peer",
			setup:  func(f *fakeManager) { f.connectErr = connmgr.ErrUnknownPeer },
			status: http.StatusNotFound,
		},
		{
			name:   "adapter gone",
			setup:  func(f *fakeManager) { f.connectErr = connmgr.ErrAdapterUnavailable },
			status: http.StatusServiceUnavailable,
		},
		{
			name: "all stages failed",
			setup: func(f *fakeManager) {
				f.settle = func(reg *completion.Registry[connmgr.PeerID, connmgr.Peer], id connmgr.PeerID) {
					reg.Reject(id, &connmgr.ConnectError{Peer: id})
				}
			},
			status: http.StatusBadGateway,
		},
		{
			name: "canceled by disconnect",
			setup: func(f *fakeManager) {
				f.settle = func(reg *completion.Registry[connmgr.PeerID, connmgr.Peer], id connmgr.PeerID) {
					reg.Reject(id, connmgr.ErrCanceled)
				}
			},
			status: http.StatusConflict,
		},
		{
			name: "superseded",
			setup: func(f *fakeManager) {
				f.settle = func(reg *completion.Registry[connmgr.PeerID, connmgr.Peer], id connmgr.PeerID) {
					reg.Register(id, completion.NewHandle[connmgr.Peer]())
				}
			},
			status: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newFakeManager()
			tt.setup(mgr)
			srv := newTestServer(t, mgr, nil, nil)

			code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/connect", map[string]interface{}{"id": peerA, "wait": true})
			assert.Equal(t, tt.status, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestWriteDecodesBase64(t *testing.T) {
	mgr := newFakeManager()
	mgr.connected[peerA] = true
	mgr.first = peerA
	srv := newTestServer(t, mgr, nil, nil)

	payload := []byte{0x00, 0xff, 'O', 'K', '\r', '\n'}
	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/write", map[string]interface{}{
		"data": base64.StdEncoding.EncodeToString(payload),
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(peerA), body["id"])
	assert.Equal(t, float64(len(payload)), body["written"])
	assert.Equal(t, payload, mgr.writtenTo(peerA))

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/write", map[string]interface{}{"data": "!!"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/write", map[string]interface{}{
		"id": "AA:AA:AA:AA:AA:AA", "data": "AA==",
	})
	assert.Equal(t, http.StatusConflict, code)
}

func TestReadAndDelimiter(t *testing.T) {
	mgr := newFakeManager()
	mgr.connected[peerA] = true
	mgr.first = peerA
	mgr.buffers[peerA] = "AB##CD\xff"
	srv := newTestServer(t, mgr, nil, nil)

	code, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/available", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(7), body["available"])

	code, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/read?delimiter=%23%23", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AB##", body["data"])

	code, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/read?id="+string(peerA), nil)
	require.Equal(t, http.StatusOK, code)
	raw, err := base64.StdEncoding.DecodeString(body["base64"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte("CD\xff"), raw)

	code, _ = doJSON(t, http.MethodPut, srv.URL+"/api/v1/delimiter", map[string]interface{}{"delimiter": "\n"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "\n", mgr.Delimiter(peerA))

	code, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connected", body["state"])
	assert.Equal(t, "\n", body["delimiter"])
	assert.Equal(t, true, body["connected"])

	mgr.buffers[peerA] = "left"
	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/clear", map[string]interface{}{"id": peerA})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, mgr.Available(peerA))
}

func TestSetDelimiterWithoutPeer(t *testing.T) {
	srv := newTestServer(t, newFakeManager(), nil, nil)

	code, body := doJSON(t, http.MethodPut, srv.URL+"/api/v1/delimiter", map[string]interface{}{"delimiter": "\n"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "no peer")
}

func TestDisconnectAcceptsEmptyBody(t *testing.T) {
	mgr := newFakeManager()
	srv := newTestServer(t, mgr, nil, nil)

	code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/disconnect", nil)
	require.Equal(t, http.StatusOK, code)
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.Equal(t, []connmgr.PeerID{""}, mgr.stopped)
}

func TestSessions(t *testing.T) {
	mgr := newFakeManager()
	mgr.connected[peerA] = true
	mgr.first = peerA
	srv := newTestServer(t, mgr, nil, nil)

	code, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, string(peerA), body["first"])
}

func TestHistoryDisabled(t *testing.T) {
	srv := newTestServer(t, newFakeManager(), nil, nil)

	code, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/history", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/peers", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHistoryFromStore(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))

	rec := store.NewRecorder(db, nil)
	peer := connmgr.Peer{ID: peerA, Address: string(peerA), Name: "meter"}
	require.NoError(t, rec.Record(ctx, connmgr.Event{Kind: connmgr.EventConnectionSuccess, Peer: &peer, PeerID: peerA}))
	require.NoError(t, rec.Record(ctx, connmgr.Event{Kind: connmgr.EventConnectionLost, Peer: &peer, PeerID: peerA}))

	srv := newTestServer(t, newFakeManager(), db, nil)

	code, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/history?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	events := body["events"].([]interface{})
	assert.Equal(t, "connectionLost", events[0].(map[string]interface{})["kind"])

	code, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/peers", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventStream(t *testing.T) {
	bus := eventbus.New(8)
	srv := newTestServer(t, newFakeManager(), nil, bus)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?id=" + string(peerA)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(connmgr.Event{Kind: connmgr.EventData, PeerID: "AA:AA:AA:AA:AA:AA", Data: "other\n"})
	bus.Publish(connmgr.Event{Kind: connmgr.EventData, PeerID: peerA, Data: "T=21.5\n"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt connmgr.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, connmgr.EventData, evt.Kind)
	assert.Equal(t, peerA, evt.PeerID)
	assert.Equal(t, "T=21.5\n", evt.Data)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return bus.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newFakeManager(), nil, nil)

	code, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "version")
}
