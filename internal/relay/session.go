// Package relay implements the per-channel CDP relay: a local WebSocket
// endpoint the IDE debugger attaches to, bridged onto whichever upstream
// debug target is currently selected for the channel.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hmitools/winccdbg/internal/cdp"
)

// FrameObserver watches the upstream half of a session. ObserveUpstream
// returns true when it has consumed the frame, in which case the frame is
// not forwarded to the client. Close is called exactly once when the
// session ends.
type FrameObserver interface {
	ObserveUpstream(data []byte) bool
	Close()
}

// nopObserver is used when source dumping is disabled.
type nopObserver struct{}

func (nopObserver) ObserveUpstream([]byte) bool { return false }
func (nopObserver) Close()                      {}

// SessionConfig wires one accepted client connection to one upstream
// target connection.
type SessionConfig struct {
	Channel   cdp.Channel
	TargetKey string
	Client    *websocket.Conn
	Upstream  *websocket.Conn

	// Observer may be nil.
	Observer FrameObserver

	Log *zap.SugaredLogger

	// TraceFrames enables per-frame payload logging. Even at debug level
	// this is too loud for normal use, so it has its own switch.
	TraceFrames bool
}

// Session relays frames between one IDE debug client and one upstream
// debug target. Frames pass through byte for byte in both directions; the
// only frames ever withheld are responses to requests the observer itself
// issued. A session never reconnects: when either side drops, both sides
// are closed and the IDE is expected to dial again.
type Session struct {
	ID        uuid.UUID
	Channel   cdp.Channel
	TargetKey string

	client   *websocket.Conn
	upstream *websocket.Conn
	observer FrameObserver
	log      *zap.SugaredLogger
	trace    bool

	// upWriteMu serializes upstream writes between the client pump and
	// the observer's side-channel requests. Client writes need no lock:
	// the upstream pump is the only data writer, and teardown's close
	// frame goes through WriteControl, which gorilla allows concurrently
	// with other writes.
	upWriteMu sync.Mutex

	clientFrames   atomic.Int64
	upstreamFrames atomic.Int64

	done     chan struct{}
	downOnce sync.Once
}

// NewSession creates a session. The session owns both connections and
// closes them on teardown.
func NewSession(cfg SessionConfig) *Session {
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Session{
		ID:        uuid.New(),
		Channel:   cfg.Channel,
		TargetKey: cfg.TargetKey,
		client:    cfg.Client,
		upstream:  cfg.Upstream,
		observer:  obs,
		log:       log,
		trace:     cfg.TraceFrames,
		done:      make(chan struct{}),
	}
}

// Run pumps frames in both directions until either side disconnects or
// Teardown is called, then returns with both connections closed.
func (s *Session) Run() {
	s.log.Infof("[%s] debug session %s attached to target %s", s.Channel, shortID(s.ID), s.TargetKey)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpClientToUpstream()
	}()
	go func() {
		defer wg.Done()
		s.pumpUpstreamToClient()
	}()
	wg.Wait()

	s.log.Infof("[%s] debug session %s closed (%d client frames, %d target frames)",
		s.Channel, shortID(s.ID), s.clientFrames.Load(), s.upstreamFrames.Load())
}

// closeGrace bounds how long teardown spends offering the close frame to
// a peer that has stopped reading.
const closeGrace = time.Second

// Teardown closes both sides of the session. Safe to call from any
// goroutine, any number of times; the pumps unblock on the closed
// connections and Run returns. It must never wait on a pump: a client
// that has stopped reading can wedge a pump mid-write, and teardown is
// what gets the session out of that state.
func (s *Session) Teardown() {
	s.downOnce.Do(func() {
		close(s.done)
		s.observer.Close()
		// Best effort; the peer may already be gone. WriteControl runs
		// concurrently with the pump's data writes and gives up at the
		// deadline, so a stalled peer cannot block the close below.
		s.client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "debug target changed"),
			time.Now().Add(closeGrace))
		s.client.Close()
		s.upstream.Close()
	})
}

// Done is closed when teardown has begun.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendUpstream writes one text frame on the upstream connection. It is the
// observer's side channel and shares the write lock with the relay pump.
func (s *Session) SendUpstream(data []byte) error {
	s.upWriteMu.Lock()
	defer s.upWriteMu.Unlock()
	return s.upstream.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) pumpClientToUpstream() {
	defer s.Teardown()
	for {
		msgType, data, err := s.client.ReadMessage()
		if err != nil {
			s.logDrop("client", err)
			return
		}
		s.clientFrames.Add(1)
		if s.trace {
			s.log.Debugf("[%s] IDE -> target: %s", s.Channel, trimFrame(data))
		}
		s.upWriteMu.Lock()
		err = s.upstream.WriteMessage(msgType, data)
		s.upWriteMu.Unlock()
		if err != nil {
			s.logDrop("target", err)
			return
		}
	}
}

func (s *Session) pumpUpstreamToClient() {
	defer s.Teardown()
	for {
		msgType, data, err := s.upstream.ReadMessage()
		if err != nil {
			s.logDrop("target", err)
			return
		}
		s.upstreamFrames.Add(1)
		if msgType == websocket.TextMessage && s.observer.ObserveUpstream(data) {
			continue
		}
		if s.trace {
			s.log.Debugf("[%s] target -> IDE: %s", s.Channel, trimFrame(data))
		}
		if err := s.client.WriteMessage(msgType, data); err != nil {
			s.logDrop("client", err)
			return
		}
	}
}

func (s *Session) logDrop(side string, err error) {
	select {
	case <-s.done:
		// Expected: teardown closed the connection under the pump.
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debugf("[%s] %s closed the connection", s.Channel, side)
		return
	}
	s.log.Debugf("[%s] %s connection dropped: %v", s.Channel, side, err)
}

const traceFrameLimit = 512

func trimFrame(data []byte) string {
	if len(data) <= traceFrameLimit {
		return string(data)
	}
	return string(data[:traceFrameLimit]) + "..."
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
