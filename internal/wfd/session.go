package wfd

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/albfan/miraclecast/internal/clock"
	"github.com/albfan/miraclecast/internal/events"
	"github.com/albfan/miraclecast/internal/logging"
	"github.com/albfan/miraclecast/internal/metrics"
	"github.com/albfan/miraclecast/internal/rtsp"
)

// SessionState is the session lifecycle state. Transitions only ever move
// forward, except that playback toggles between playing and paused.
type SessionState int

const (
	StateNull SessionState = iota
	StateConnecting
	StateCapsExchanging
	StateEstablished
	StateSettingUp
	StatePlaying
	StatePaused
	StateTearingDown
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateConnecting:
		return "connecting"
	case StateCapsExchanging:
		return "caps-exchanging"
	case StateEstablished:
		return "established"
	case StateSettingUp:
		return "setting-up"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTearingDown:
		return "tearing-down"
	case StateDestroyed:
		return "destroyed"
	}
	return "invalid"
}

// Direction says who initiated the session.
type Direction int

const (
	DirOut Direction = iota
	DirIn
)

// StreamID selects the WFD stream of a session.
type StreamID int

const (
	StreamPrimary   StreamID = 0
	StreamSecondary StreamID = 1
)

// DisplayServerType is the local renderer a session drives.
type DisplayServerType int

const (
	DisplayServerUnknown DisplayServerType = iota
	DisplayServerX
)

// AudioServerType is the local audio backend.
type AudioServerType int

const (
	AudioServerUnknown AudioServerType = iota
	AudioServerPulse
)

// Rectangle is the display area handed to the renderer.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// ClientInfo identifies the unprivileged client a session renders for.
type ClientInfo struct {
	UID int
	GID int
	PID int
}

// Session drives one Wi-Fi Display session over an RTSP bus. All mutation
// funnels through mu; bus callbacks and public methods serialize on it.
type Session struct {
	mu sync.Mutex

	id    uint
	dir   Direction
	state SessionState

	sink *Sink

	bus         *rtsp.Bus
	cookie      rtsp.Cookie
	lastRequest MessageID
	dispTbl     map[MessageID]*dispatchEntry

	clk clock.Clock
	log *logging.Logger
	hub *events.Hub

	localAddr string
	streamID  StreamID
	streamURL string

	rtpPorts [2]uint16
	// Negotiated capability tables, kept in the sink's own encoding.
	videoFormats string
	audioCodecs  string

	rtspSession string // RTSP Session header value once set up

	dispType   DisplayServerType
	dispName   string
	dispParams string
	dispAuth   string
	dispRect   Rectangle

	audioType AudioServerType
	audioDev  string

	client      ClientInfo
	runtimePath string

	// pendingTrigger carries the wfd_trigger_method of the M5 currently
	// being handled into the post-dispatch rule step.
	pendingTrigger MessageID

	// deferTask posts a callback to run after the current handler
	// unwinds; it runs the callback on a new goroutine.
	deferTask   func(func())
	callTimeout time.Duration

	keepalive     time.Duration
	keepaliveStop chan struct{}

	destroyed bool
	// OnEnded runs exactly once when the session reaches destroyed.
	OnEnded func(*Session)
}

// SessionConfig carries construction parameters.
type SessionConfig struct {
	ID        uint
	Sink      *Sink
	LocalAddr string
	StreamID  StreamID
	Clock     clock.Clock
	Logger    *logging.Logger
	Hub       *events.Hub

	// CallTimeout overrides the bus's default async reply timeout.
	CallTimeout time.Duration

	// KeepaliveInterval paces M16 keepalives while media runs; zero
	// disables them.
	KeepaliveInterval time.Duration
}

// NewOutSession creates an outgoing (source to sink) session.
func NewOutSession(cfg SessionConfig) (*Session, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidArgument)
	}
	if cfg.Clock == nil {
		cfg.Clock = &clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("wfd")
	}

	s := &Session{
		id:          cfg.ID,
		dir:         DirOut,
		state:       StateNull,
		sink:        cfg.Sink,
		clk:         cfg.Clock,
		log:         cfg.Logger,
		hub:         cfg.Hub,
		localAddr:   cfg.LocalAddr,
		streamID:    cfg.StreamID,
		callTimeout: cfg.CallTimeout,
		keepalive:   cfg.KeepaliveInterval,
		dispTbl:     outSessionDispatch,
		deferTask:   func(f func()) { go f() },
	}
	s.client = ClientInfo{UID: -1, GID: -1, PID: -1}
	m := metrics.Get()
	m.SessionsStarted.Inc()
	m.Sessions.WithLabelValues(s.state.String()).Inc()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() uint { return s.id }

// Direction returns who initiated the session.
func (s *Session) Direction() Direction { return s.dir }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsEstablished reports whether media control is possible.
func (s *Session) IsEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state >= StateEstablished && s.state < StateTearingDown
}

// StreamURL returns the synthesized presentation URL, empty before setup.
func (s *Session) StreamURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamURL
}

// RTPPorts returns the sink's RTP port pair.
func (s *Session) RTPPorts() (uint16, uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtpPorts[0], s.rtpPorts[1]
}

// Accessors for the renderer configuration.

func (s *Session) SetDisplay(typ DisplayServerType, name, params, auth string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispType, s.dispName, s.dispParams, s.dispAuth = typ, name, params, auth
}

func (s *Session) SetDisplayRect(r Rectangle) error {
	if r.Width == 0 || r.Height == 0 {
		return fmt.Errorf("%w: empty rectangle", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispRect = r
	return nil
}

func (s *Session) SetAudio(typ AudioServerType, dev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioType, s.audioDev = typ, dev
}

func (s *Session) SetClient(c ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
}

func (s *Session) SetRuntimePath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimePath = p
}

// setStateLocked performs a transition, emits observability events, and
// enforces monotonicity: the only backward edge is paused to playing.
func (s *Session) setStateLocked(next SessionState) {
	if next == s.state {
		return
	}
	backward := next < s.state
	if backward && !(s.state == StatePaused && next == StatePlaying) {
		s.log.Warn("refusing backward transition", "from", s.state.String(), "to", next.String())
		return
	}

	s.log.Debug("state", "from", s.state.String(), "to", next.String())
	m := metrics.Get()
	m.Sessions.WithLabelValues(s.state.String()).Dec()
	m.Sessions.WithLabelValues(next.String()).Inc()
	s.state = next

	if next == StatePlaying && s.keepalive > 0 && s.keepaliveStop == nil {
		s.keepaliveStop = make(chan struct{})
		go s.keepaliveLoop(s.keepaliveStop)
	}

	if s.hub != nil {
		s.hub.EmitSessionState(s.id, s.sinkLabelLocked(), next.String())
	}
}

func (s *Session) sinkLabelLocked() string {
	if s.sink == nil {
		return ""
	}
	return s.sink.Label()
}

// Start connects to the peer's RTSP control port and begins the capability
// exchange once the connection lands.
func (s *Session) Start(addr string) error {
	s.mu.Lock()
	if s.state != StateNull {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already started", ErrBadState)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go func() {
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			s.log.Warn("connect failed", "addr", addr, "error", err)
			s.scheduleDestroy()
			return
		}
		if err := s.StartWithConn(conn); err != nil {
			conn.Close()
		}
	}()
	return nil
}

// StartWithConn attaches the session to an established control connection:
// the bus is opened, the dispatch table installed, and the first request of
// the capability exchange goes out.
func (s *Session) StartWithConn(conn net.Conn) error {
	bus := rtsp.Open(conn)
	if s.callTimeout > 0 {
		bus.SetCallTimeout(s.callTimeout)
	}

	s.mu.Lock()
	if s.state > StateConnecting {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already connected", ErrBadState)
	}
	s.bus = bus
	bus.AddMatch(s.handleIncoming)
	bus.Attach()
	s.setStateLocked(StateCapsExchanging)
	s.mu.Unlock()

	return s.Request(idM1SourceOptions, nil)
}

// Bus exposes the underlying bus, nil before connect.
func (s *Session) Bus() *rtsp.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

// genStreamURLLocked synthesizes the presentation URL; any prior URL is
// replaced.
func (s *Session) genStreamURLLocked() string {
	s.streamURL = fmt.Sprintf("rtsp://%s/wfd1.0/streamid=%d", s.localAddr, s.streamID)
	return s.streamURL
}

// Request builds and sends the request for id through its dispatch entry.
// The builder runs outside the session lock; builders take it themselves
// for the fields they read.
func (s *Session) Request(id MessageID, args requestArgs) error {
	s.mu.Lock()
	entry := s.dispTbl[id]
	bus := s.bus
	s.mu.Unlock()

	if entry == nil || entry.request == nil {
		return fmt.Errorf("%w: no request builder for %s", ErrInvalidArgument, id)
	}
	if bus == nil {
		return ErrNotConnected
	}

	msg, err := entry.request(s, args)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastRequest = id
	s.mu.Unlock()

	cookie, err := bus.CallAsync(msg, s.handleReply)
	if err != nil {
		s.log.Warn("request failed", "id", id.String(), "error", err)
		return ErrTerminated
	}

	s.mu.Lock()
	s.cookie = cookie
	s.mu.Unlock()

	metrics.Get().RTSPMessages.WithLabelValues(id.String(), "tx").Inc()
	s.log.Debug("sent request", "id", id.String())
	return nil
}

// handleIncoming is the bus match callback: classify, handle, reply, then
// apply the declarative post rule.
func (s *Session) handleIncoming(m *rtsp.Message) error {
	if m == nil {
		s.mu.Lock()
		tearingDown := s.state == StateTearingDown
		dead := s.bus == nil || s.bus.IsDead()
		s.mu.Unlock()

		if dead && !tearingDown {
			s.log.Info("rtsp disconnected")
		}
		s.scheduleDestroy()
		return ErrTerminated
	}

	s.mu.Lock()
	id := s.classifyLocked(m)
	entry := s.dispTbl[id]
	bus := s.bus
	s.mu.Unlock()

	if id == idUnknown {
		s.log.Debug("unclassifiable request", "method", m.Method(), "body", m.Body())
		s.scheduleDestroy()
		return ErrProtocol
	}
	if entry == nil || entry.handleRequest == nil {
		s.log.Debug("unhandled request", "id", id.String())
		s.scheduleDestroy()
		return ErrProtocol
	}

	metrics.Get().RTSPMessages.WithLabelValues(id.String(), "rx").Inc()
	s.log.Debug("received request", "id", id.String())

	reply, err := entry.handleRequest(s, m)
	if err != nil {
		s.log.Warn("request handler failed", "id", id.String(), "error", err)
		s.scheduleDestroy()
		return err
	}

	// Replies carry the wall-clock date of the reply moment.
	reply.SetHeader("Date", s.clk.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))
	if err := reply.Seal(m.CSeq()); err != nil {
		s.scheduleDestroy()
		return err
	}

	if err := bus.Send(reply); err != nil {
		s.scheduleDestroy()
		return err
	}

	return s.applyRule(id)
}

// handleReply is the async-call callback for the session's outstanding
// request.
func (s *Session) handleReply(m *rtsp.Message) error {
	s.mu.Lock()
	s.cookie = 0
	id := s.lastRequest
	s.mu.Unlock()

	if m == nil {
		s.scheduleDestroy()
		return ErrTerminated
	}
	if !m.IsReply(rtsp.StatusOK) {
		s.log.Warn("peer refused request", "id", id.String(), "code", m.Code())
		s.scheduleDestroy()
		return ErrProtocol
	}

	s.log.Debug("received reply", "id", id.String())

	s.mu.Lock()
	entry := s.dispTbl[id]
	s.mu.Unlock()
	if entry != nil && entry.handleReply != nil {
		if err := entry.handleReply(s, m); err != nil {
			s.log.Warn("reply handler failed", "id", id.String(), "error", err)
			s.scheduleDestroy()
			return err
		}
	}

	return s.applyRule(id)
}

// applyRule performs the declarative post-conditions of a handled message:
// an optional state change, then an optional follow-up request, atomically
// with respect to other dispatches.
func (s *Session) applyRule(id MessageID) error {
	s.mu.Lock()
	entry := s.dispTbl[id]
	if entry == nil {
		s.mu.Unlock()
		return nil
	}

	rule := entry.rule
	if rule.newState != stateKeep {
		s.setStateLocked(rule.newState)
	}

	next := rule.nextRequest
	args := rule.requestArgs
	if s.pendingTrigger != idUnknown {
		next = s.pendingTrigger
		s.pendingTrigger = idUnknown
	}
	s.mu.Unlock()

	if next != idUnknown {
		return s.Request(next, args)
	}
	return nil
}

// Resume re-enters playback from paused.
func (s *Session) Resume() error {
	s.mu.Lock()
	switch s.state {
	case StatePlaying:
		s.mu.Unlock()
		return nil
	case StatePaused:
	default:
		s.mu.Unlock()
		return ErrBadState
	}
	s.mu.Unlock()
	return s.Request(idM7Play, nil)
}

// Pause suspends playback.
func (s *Session) Pause() error {
	s.mu.Lock()
	switch s.state {
	case StatePaused:
		s.mu.Unlock()
		return nil
	case StatePlaying:
	default:
		s.mu.Unlock()
		return ErrBadState
	}
	s.mu.Unlock()
	return s.Request(idM9Pause, nil)
}

// Teardown ends an established session cleanly.
func (s *Session) Teardown() error {
	s.mu.Lock()
	if s.state < StateEstablished || s.state >= StateTearingDown {
		s.mu.Unlock()
		return ErrBadState
	}
	s.setStateLocked(StateTearingDown)
	s.mu.Unlock()
	return s.Request(idM8Teardown, nil)
}

// keepaliveLoop paces M16 keepalives for as long as the session stays
// established.
func (s *Session) keepaliveLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.IsEstablished() {
				return
			}
			if err := s.Request(idM16Keepalive, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// scheduleDestroy posts a deferred destroy so the current handler's stack
// unwinds before the session is torn apart.
func (s *Session) scheduleDestroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	task := s.deferTask
	s.mu.Unlock()
	task(s.Destroy)
}

// Destroy releases everything the session owns: the outstanding call, the
// bus registration, and the bus itself. It is idempotent; the first call
// emits the terminal event and runs OnEnded.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	metrics.Get().Sessions.WithLabelValues(s.state.String()).Dec()
	s.state = StateDestroyed
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveStop = nil
	}

	bus := s.bus
	cookie := s.cookie
	s.bus = nil
	s.cookie = 0
	s.lastRequest = idUnknown
	s.streamURL = ""
	s.videoFormats = ""
	s.audioCodecs = ""
	s.rtpPorts = [2]uint16{}

	sink := s.sink
	hub := s.hub
	id := s.id
	label := s.sinkLabelLocked()
	onEnded := s.OnEnded
	s.mu.Unlock()

	if bus != nil {
		if cookie != 0 {
			bus.Cancel(cookie)
		}
		bus.RemoveMatches()
		bus.Close()
	}

	// The sink lets go of the session before the final callback runs.
	if sink != nil {
		sink.clearSession(s)
	}
	if hub != nil {
		hub.EmitSessionEnded(id, label)
	}
	if onEnded != nil {
		onEnded(s)
	}
	metrics.Get().SessionsEnded.Inc()

	s.log.Info("session destroyed", "id", id)
}
