package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hmitools/winccdbg/internal/cdp"
	"github.com/hmitools/winccdbg/internal/discovery"
	"github.com/hmitools/winccdbg/internal/logging"
)

// fakeRuntime plays the WinCC debug port: it serves /json and
// /json/version and accepts WebSocket connections on any other path.
type fakeRuntime struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listJSON string
	conns    []*websocket.Conn

	accepted chan acceptedConn
	server   *httptest.Server
}

type acceptedConn struct {
	conn *websocket.Conn
	path string
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	f := &fakeRuntime{
		listJSON: "[]",
		accepted: make(chan acceptedConn, 4),
	}
	f.server = httptest.NewServer(f)
	t.Cleanup(func() {
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close()
		}
		f.mu.Unlock()
		f.server.Close()
	})
	return f
}

func (f *fakeRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/json", "/json/list":
		f.mu.Lock()
		list := f.listJSON
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, list)
	case "/json/version":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Browser":"WinCC-Unified/19.0","Protocol-Version":"1.3"}`)
	default:
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		f.accepted <- acceptedConn{conn: conn, path: r.URL.Path}
	}
}

func (f *fakeRuntime) setList(list string) {
	f.mu.Lock()
	f.listJSON = list
	f.mu.Unlock()
}

func (f *fakeRuntime) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(f.server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// wsURL builds a debugger URL pointing at the fake runtime.
func (f *fakeRuntime) wsURL(session string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/" + session
}

func (f *fakeRuntime) target(title, session string) cdp.Target {
	return cdp.Target{
		ID:                   session,
		Title:                title,
		Type:                 "node",
		WebSocketDebuggerURL: f.wsURL(session),
	}
}

func (f *fakeRuntime) await(t *testing.T) acceptedConn {
	t.Helper()
	select {
	case ac := <-f.accepted:
		return ac
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never saw an upstream connection")
		return acceptedConn{}
	}
}

func startManager(t *testing.T, f *fakeRuntime, mutate func(*ManagerConfig)) *Manager {
	t.Helper()
	host, port := f.hostPort(t)
	cfg := ManagerConfig{
		Channel:    cdp.ChannelDynamics,
		ListenPort: 0,
		TargetHost: host,
		TargetPort: port,
		Log:        logging.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.shutdown)
	return m
}

func dialManager(t *testing.T, m *Manager) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+m.Addr()+"/", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestManagerListRewiresDebuggerURLs(t *testing.T) {
	f := newFakeRuntime(t)
	f.setList(fmt.Sprintf(`[
		{"id":"dyn-1","title":"VCS_1 Dynamics","type":"node","webSocketDebuggerUrl":%q,"faviconUrl":"chrome://favicon"},
		{"id":"evt-1","title":"VCS_1 Events","type":"node","webSocketDebuggerUrl":%q}
	]`, f.wsURL("dyn-1"), f.wsURL("evt-1")))
	m := startManager(t, f, nil)

	resp, err := http.Get("http://" + m.Addr() + "/json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	list := gjson.ParseBytes(body)

	require.Len(t, list.Array(), 1, "only this channel's targets are served")
	item := list.Array()[0]
	assert.Equal(t, "VCS_1 Dynamics", item.Get("title").Str)
	assert.Equal(t, fmt.Sprintf("ws://localhost:%d/dyn-1", m.cfg.ListenPort), item.Get("webSocketDebuggerUrl").Str)
	assert.Equal(t, "chrome://favicon", item.Get("faviconUrl").Str, "unknown fields pass through")
}

func TestManagerVersionProxiesAndFallsBack(t *testing.T) {
	f := newFakeRuntime(t)
	m := startManager(t, f, nil)

	resp, err := http.Get("http://" + m.Addr() + "/json/version")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "WinCC-Unified/19.0", gjson.GetBytes(body, "Browser").Str)

	// A dead runtime still gets the IDE a version answer.
	dead := startManager(t, f, func(cfg *ManagerConfig) {
		cfg.TargetPort = deadPort(t)
	})
	resp, err = http.Get("http://" + dead.Addr() + "/json/version")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "WinCC-Proxy/1.0", gjson.GetBytes(body, "Browser").Str)
}

// deadPort returns a loopback port nothing listens on.
func deadPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestManagerRefusesWithoutTarget(t *testing.T) {
	f := newFakeRuntime(t)
	m := startManager(t, f, nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+m.Addr()+"/", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestManagerRelaysAndEnforcesSingleSession(t *testing.T) {
	f := newFakeRuntime(t)
	m := startManager(t, f, nil)

	target := f.target("VCS_1 Dynamics", "dyn-1")
	m.apply(discovery.Event{Channel: cdp.ChannelDynamics, Target: &target})

	ide := dialManager(t, m)
	upstream := f.await(t)
	assert.Equal(t, "/dyn-1", upstream.path)

	req := []byte(`{"id":1,"method":"Debugger.enable"}`)
	writeFrame(t, ide, websocket.TextMessage, req)
	_, got := readFrame(t, upstream.conn)
	assert.Equal(t, req, got)

	ev := []byte(`{"method":"Debugger.paused","params":{}}`)
	writeFrame(t, upstream.conn, websocket.TextMessage, ev)
	_, got = readFrame(t, ide)
	assert.Equal(t, ev, got)

	assert.Equal(t, "dyn-1", m.AttachedKey())
	assert.Equal(t, StateActive, m.State())

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+m.Addr()+"/", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestManagerTearsDownOnTargetChange(t *testing.T) {
	f := newFakeRuntime(t)
	m := startManager(t, f, nil)

	t1 := f.target("VCS_1 Dynamics", "dyn-1")
	m.apply(discovery.Event{Channel: cdp.ChannelDynamics, Target: &t1})

	ide := dialManager(t, m)
	f.await(t)

	// The runtime recreated the context; the selector picked the new one.
	t2 := f.target("VCS_2 Dynamics", "dyn-2")
	m.apply(discovery.Event{Channel: cdp.ChannelDynamics, Target: &t2})

	// The client socket drops, which is what makes the IDE reconnect.
	ide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ide.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return m.AttachedKey() == ""
	}, 2*time.Second, time.Millisecond)

	dialManager(t, m)
	upstream := f.await(t)
	assert.Equal(t, "/dyn-2", upstream.path)
	assert.Equal(t, "dyn-2", m.AttachedKey())
}

func TestManagerTearsDownOnTargetRemoval(t *testing.T) {
	f := newFakeRuntime(t)
	m := startManager(t, f, nil)

	t1 := f.target("VCS_1 Dynamics", "dyn-1")
	m.apply(discovery.Event{Channel: cdp.ChannelDynamics, Target: &t1})

	ide := dialManager(t, m)
	f.await(t)

	m.apply(discovery.Event{Channel: cdp.ChannelDynamics, Target: nil})

	ide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ide.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return m.AttachedKey() == ""
	}, 2*time.Second, time.Millisecond)
}

func TestManagerCleansStaleDumpsOnReattach(t *testing.T) {
	f := newFakeRuntime(t)
	dumpDir := t.TempDir()
	m := startManager(t, f, func(cfg *ManagerConfig) {
		cfg.DumpDir = dumpDir
	})

	t1 := f.target("VCS_1 Dynamics", "dyn-1")
	m.apply(discovery.Event{Channel: cdp.ChannelDynamics, Target: &t1})

	ide := dialManager(t, m)
	f.await(t)

	stale := filepath.Join(dumpDir, "Dynamics", "Old_Screen", "Dynamics.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	// The target-change event alone must not touch the directory: by the
	// time it is processed, a fresh session may already be dumping there.
	t2 := f.target("VCS_2 Dynamics", "dyn-2")
	m.apply(discovery.Event{Channel: cdp.ChannelDynamics, Target: &t2})
	assert.FileExists(t, stale)

	ide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ide.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return m.AttachedKey() == ""
	}, 2*time.Second, time.Millisecond)

	// The next attach owns the directory and cleans the old target's
	// files before its registry writes anything.
	dialManager(t, m)
	upstream := f.await(t)
	assert.Equal(t, "/dyn-2", upstream.path)
	assert.NoFileExists(t, stale)
}

func TestManagerDumpsScriptSources(t *testing.T) {
	f := newFakeRuntime(t)
	dumpDir := t.TempDir()
	m := startManager(t, f, func(cfg *ManagerConfig) {
		cfg.DumpDir = dumpDir
	})

	target := f.target("VCS_1 Dynamics", "dyn-1")
	m.apply(discovery.Event{Channel: cdp.ChannelDynamics, Target: &target})

	ide := dialManager(t, m)
	upstream := f.await(t)

	parsed := []byte(`{"method":"Debugger.scriptParsed","params":{"scriptId":"7","url":"/screen_modules/Screen_Content/HMI_RT_1::HMI_Screen/Dynamics.js"}}`)
	writeFrame(t, upstream.conn, websocket.TextMessage, parsed)

	// The event reaches the IDE untouched even while it triggers a dump.
	_, got := readFrame(t, ide)
	assert.Equal(t, parsed, got)

	// The relay fetches the source over the same upstream socket.
	_, req := readFrame(t, upstream.conn)
	assert.Equal(t, "Debugger.getScriptSource", gjson.GetBytes(req, "method").Str)
	id := gjson.GetBytes(req, "id").Int()
	assert.GreaterOrEqual(t, id, int64(900000))

	reply := fmt.Sprintf(`{"id":%d,"result":{"scriptSource":"export function f() {}"}}`, id)
	writeFrame(t, upstream.conn, websocket.TextMessage, []byte(reply))

	want := filepath.Join(dumpDir, "Dynamics", "HMI_Screen", "Dynamics.js")
	require.Eventually(t, func() bool {
		_, err := os.Stat(want)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond, "dumped source never appeared")

	content, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "export function f() {}", string(content))

	// The correlation reply was consumed; the IDE must not see it.
	ide.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = ide.ReadMessage()
	assert.Error(t, err, "expected a read timeout, not a leaked frame")
}
