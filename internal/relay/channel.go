package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/hmitools/winccdbg/internal/cdp"
	"github.com/hmitools/winccdbg/internal/discovery"
	"github.com/hmitools/winccdbg/internal/dump"
)

// State describes what a channel manager is currently doing. It exists for
// logging and tests; all transitions are owned by the manager.
type State int32

const (
	StateListening State = iota
	StateAttaching
	StateActive
	StateTearingDown
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing-down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	dialTimeout     = 10 * time.Second
	proxyTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// ErrAlreadyAttached is returned to a second client while a session is
// live. The relay is strictly one debugger per channel.
var ErrAlreadyAttached = errors.New("a debug client is already attached to this channel")

// ManagerConfig configures one channel's relay endpoint.
type ManagerConfig struct {
	Channel    cdp.Channel
	ListenPort int

	TargetHost string
	TargetPort int

	// Classifier filters the upstream target list for the local /json
	// endpoint; defaults to the channel's standard title matcher.
	Classifier cdp.Classifier

	// DumpDir enables script source dumping when non-empty. The manager
	// appends the channel name as a subdirectory.
	DumpDir   string
	LongPaths bool

	TraceFrames bool

	// Client serves the local /json endpoints; defaults to a short-timeout
	// client.
	Client *http.Client
	Dialer *websocket.Dialer

	Log *zap.SugaredLogger
}

// Manager runs one channel's local WebSocket endpoint and owns its relay
// session. Target selection arrives as poller events; the manager is the
// only component that attaches and tears down sessions.
type Manager struct {
	cfg      ManagerConfig
	upgrader websocket.Upgrader
	server   *http.Server

	state atomic.Int32
	addr  atomic.Value // bound listen address, set by Start

	mu      sync.Mutex
	current *cdp.Target
	session *Session
	// lastDumpKey is the target the dump directory's contents belong to.
	lastDumpKey string

	ready     chan struct{}
	readyOnce sync.Once
}

// NewManager creates a channel manager. Call Start to bind the local port,
// then Run with the channel's poller event stream.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: proxyTimeout}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = cdp.DefaultClassifiers()[cfg.Channel]
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Manager{
		cfg:   cfg,
		ready: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The endpoint binds to loopback only; origin checks add
				// nothing and some debug clients send none.
				return true
			},
		},
	}
}

// Start binds the channel's loopback endpoint and begins serving. The
// returned error covers bind failures only; serve errors after a
// successful bind are logged.
func (m *Manager) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", m.cfg.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s for %s channel: %w", addr, m.cfg.Channel, err)
	}
	// Port 0 asks the OS for a free port; record what we actually got so
	// the /json rewiring advertises a dialable address.
	m.cfg.ListenPort = listener.Addr().(*net.TCPAddr).Port
	m.addr.Store(listener.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/json", m.handleList)
	mux.HandleFunc("/json/list", m.handleList)
	mux.HandleFunc("/json/version", m.handleVersion)
	mux.HandleFunc("/", m.handleDebugger)

	m.server = &http.Server{
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	m.readyOnce.Do(func() { close(m.ready) })
	m.cfg.Log.Infof("[%s] listening on ws://%s", m.cfg.Channel, listener.Addr())

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.cfg.Log.Errorf("[%s] endpoint stopped: %v", m.cfg.Channel, err)
		}
	}()
	return nil
}

// Ready is closed once the local port is bound.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Addr returns the bound listen address, or "" before Start.
func (m *Manager) Addr() string {
	if v := m.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Run applies poller events until ctx is cancelled, then shuts the
// endpoint down and tears down any live session.
func (m *Manager) Run(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case ev := <-events:
			m.apply(ev)
		}
	}
}

// AttachedKey reports the target key of the live session, or "" when no
// session is attached. The poller reads this each cycle.
func (m *Manager) AttachedKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.TargetKey
}

// State returns the manager's current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// apply reacts to one selection event. A changed or vanished target tears
// the live session down; the IDE notices the dropped socket and redials,
// landing on the new target.
func (m *Manager) apply(ev discovery.Event) {
	m.mu.Lock()
	prev := m.current
	m.current = ev.Target
	session := m.session
	m.mu.Unlock()

	newKey := ""
	if ev.Target != nil {
		newKey = ev.Target.Key()
	}
	prevKey := ""
	if prev != nil {
		prevKey = prev.Key()
	}

	switch {
	case newKey == "" && prevKey != "":
		m.cfg.Log.Infof("[%s] debug target %s is gone", m.cfg.Channel, prevKey)
	case newKey != "" && prevKey == "":
		m.cfg.Log.Infof("[%s] debug target available: %s", m.cfg.Channel, newKey)
	case newKey != prevKey:
		m.cfg.Log.Infof("[%s] debug target replaced: %s -> %s", m.cfg.Channel, prevKey, newKey)
	}

	if session != nil && session.TargetKey != newKey {
		m.state.Store(int32(StateTearingDown))
		m.cfg.Log.Infof("[%s] disconnecting stale session so the IDE can reattach", m.cfg.Channel)
		session.Teardown()
	}
}

func (m *Manager) cleanDumpDir() {
	if m.cfg.DumpDir == "" {
		return
	}
	if err := dump.CleanDir(m.cfg.DumpDir, string(m.cfg.Channel)); err != nil {
		m.cfg.Log.Warnf("[%s] cannot clean dump directory: %v", m.cfg.Channel, err)
	}
}

// handleDebugger accepts one IDE debug client and relays it onto the
// current target. Requests are refused outright when no target is
// selected or a session is already live, so the IDE's retry loop keeps
// polling instead of holding a dead socket.
func (m *Manager) handleDebugger(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	m.mu.Lock()
	target := m.current
	busy := m.session != nil
	m.mu.Unlock()

	if busy {
		m.cfg.Log.Warnf("[%s] refusing second debug client from %s: %v", m.cfg.Channel, r.RemoteAddr, ErrAlreadyAttached)
		http.Error(w, ErrAlreadyAttached.Error(), http.StatusConflict)
		return
	}
	if target == nil {
		m.cfg.Log.Debugf("[%s] debug client from %s refused: no target selected", m.cfg.Channel, r.RemoteAddr)
		http.Error(w, "no debug target available", http.StatusServiceUnavailable)
		return
	}

	m.state.Store(int32(StateAttaching))
	upstream, resp, err := m.cfg.Dialer.DialContext(r.Context(), target.WebSocketDebuggerURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		m.state.Store(int32(StateListening))
		m.cfg.Log.Errorf("[%s] cannot reach target %s: %v", m.cfg.Channel, target.Key(), err)
		http.Error(w, "debug target unreachable", http.StatusBadGateway)
		return
	}

	client, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		upstream.Close()
		m.state.Store(int32(StateListening))
		m.cfg.Log.Errorf("[%s] websocket upgrade failed: %v", m.cfg.Channel, err)
		return
	}

	session := NewSession(SessionConfig{
		Channel:     m.cfg.Channel,
		TargetKey:   target.Key(),
		Client:      client,
		Upstream:    upstream,
		Log:         m.cfg.Log,
		TraceFrames: m.cfg.TraceFrames,
	})
	if m.cfg.DumpDir != "" {
		root := filepath.Join(m.cfg.DumpDir, string(m.cfg.Channel))
		session.observer = dump.NewRegistry(root, m.cfg.LongPaths, session.SendUpstream, m.cfg.Log)
	}

	m.mu.Lock()
	if m.session != nil {
		// Lost the race to another handshake.
		m.mu.Unlock()
		session.Teardown()
		m.cfg.Log.Warnf("[%s] refusing second debug client from %s: %v", m.cfg.Channel, r.RemoteAddr, ErrAlreadyAttached)
		return
	}
	m.session = session
	cleanStale := m.cfg.DumpDir != "" && m.lastDumpKey != session.TargetKey
	m.lastDumpKey = session.TargetKey
	m.mu.Unlock()

	if cleanStale {
		// Stale dumps are cleaned here, not on target-change events: the
		// previous session's registry has fully drained by the time the
		// busy slot frees, and this session has not started pumping, so
		// nothing else can be writing under the directory.
		m.cleanDumpDir()
	}
	m.state.Store(int32(StateActive))

	session.Run()

	m.mu.Lock()
	if m.session == session {
		m.session = nil
	}
	m.mu.Unlock()
	m.state.Store(int32(StateListening))
}

// handleList serves the channel's own /json: the upstream target list
// filtered to this channel, with debugger URLs rewired to point at the
// relay. Unknown fields pass through untouched.
func (m *Manager) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	raw, err := cdp.FetchTargetsRaw(ctx, m.cfg.Client, m.cfg.TargetHost, m.cfg.TargetPort)
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream discovery failed: %v", err), http.StatusBadGateway)
		return
	}

	out := []byte("[]")
	idx := 0
	gjson.ParseBytes(raw).ForEach(func(_, item gjson.Result) bool {
		var t cdp.Target
		if err := cdp.ParseTarget([]byte(item.Raw), &t); err != nil || !m.cfg.Classifier(t) {
			return true
		}
		rewritten, err := m.rewireTarget(item.Raw, t)
		if err != nil {
			return true
		}
		out, _ = sjson.SetRawBytes(out, fmt.Sprintf("%d", idx), []byte(rewritten))
		idx++
		return true
	})

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Write(out)
}

// rewireTarget points a target descriptor's debugger URL at this relay
// endpoint instead of the runtime.
func (m *Manager) rewireTarget(raw string, t cdp.Target) (string, error) {
	local := fmt.Sprintf("ws://localhost:%d/%s", m.cfg.ListenPort, t.DebuggerPath())
	out, err := sjson.Set(raw, "webSocketDebuggerUrl", local)
	if err != nil {
		return "", err
	}
	if gjson.Get(out, "devtoolsFrontendUrl").Exists() {
		frontend := fmt.Sprintf("/devtools/inspector.html?ws=localhost:%d/%s", m.cfg.ListenPort, t.DebuggerPath())
		out, err = sjson.Set(out, "devtoolsFrontendUrl", frontend)
		if err != nil {
			return "", err
		}
	}
	return out, nil
}

// handleVersion proxies the runtime's /json/version, falling back to a
// static descriptor when the runtime is unreachable so IDE probes still
// get an answer.
func (m *Manager) handleVersion(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	raw, err := cdp.FetchVersionRaw(ctx, m.cfg.Client, m.cfg.TargetHost, m.cfg.TargetPort)
	if err != nil {
		w.Write([]byte(`{"Browser":"WinCC-Proxy/1.0","Protocol-Version":"1.3"}`))
		return
	}
	w.Write(raw)
}

// shutdown tears down the live session and stops the HTTP server.
func (m *Manager) shutdown() {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session != nil {
		session.Teardown()
	}
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		m.server.Shutdown(ctx)
	}
}
