package wfd

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albfan/miraclecast/internal/events"
	"github.com/albfan/miraclecast/internal/rtsp"
)

// sinkSube is a minimal WFD IE: device-info subelement declaring a primary
// sink on port 7236.
var sinkSube = []byte{
	0x00, 0x00, 0x06, // id 0, length 6
	0x00, 0x01, // device info: primary sink
	0x1C, 0x44, // control port 7236
	0x00, 0x32, // throughput
}

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	sink, err := NewSink("0x02aa", "02:aa:bb:cc:dd:ee", sinkSube)
	require.NoError(t, err)
	return sink
}

func newTestSession(t *testing.T) (*Session, *Sink) {
	t.Helper()
	sink := newTestSink(t)
	s, err := sink.StartSession(SessionConfig{
		ID:          1,
		LocalAddr:   "192.168.77.1",
		StreamID:    StreamPrimary,
		Hub:         events.NewHub(),
		CallTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s, sink
}

// sinkPeer scripts the far end of the control channel like a compliant
// Miracast sink.
type sinkPeer struct {
	t    *testing.T
	bus  *rtsp.Bus
	mu   sync.Mutex
	seen []string
	// sawSetup records that the source's SETUP (M6) reached the sink.
	sawSetup bool
}

func newSinkPeer(t *testing.T, conn net.Conn) *sinkPeer {
	p := &sinkPeer{t: t, bus: rtsp.Open(conn)}
	p.bus.SetCallTimeout(2 * time.Second)
	p.bus.AddMatch(p.handle)
	p.bus.Attach()
	t.Cleanup(p.bus.Close)
	return p
}

func (p *sinkPeer) record(what string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, what)
}

func (p *sinkPeer) handle(m *rtsp.Message) error {
	if m == nil {
		return nil
	}

	rep := rtsp.NewReply(m, rtsp.StatusOK, "OK")

	switch m.Method() {
	case "OPTIONS":
		p.record("M1")
		rep.SetHeader("Public", "org.wfa.wfd1.0, SETUP, TEARDOWN, PLAY, PAUSE, GET_PARAMETER, SET_PARAMETER")

	case "GET_PARAMETER":
		p.record("M3")
		rep.AppendParameterValue("wfd_video_formats", "00 00 01 01 00000081 00000000 00000000 00 0000 0000 00 none none")
		rep.AppendParameterValue("wfd_audio_codecs", "AAC 00000001 00")
		rep.AppendParameterValue("wfd_client_rtp_ports", "RTP/AVP/UDP;unicast 1028 0 mode=play")

	case "SET_PARAMETER":
		if m.HasParameter("wfd_presentation_URL") {
			p.record("M4")
			// After accepting the capabilities, trigger the source
			// into SETUP like a real sink.
			defer func() {
				trigger := rtsp.NewRequest("SET_PARAMETER", "rtsp://localhost/wfd1.0")
				trigger.AppendParameterValue("wfd_trigger_method", "SETUP")
				_, _ = p.bus.CallAsync(trigger, func(*rtsp.Message) error { return nil })
			}()
		} else {
			p.record("SET_PARAMETER")
		}

	case "SETUP":
		p.record("M6")
		p.mu.Lock()
		p.sawSetup = true
		p.mu.Unlock()
		rep.SetHeader("Session", "BEEF1234;timeout=30")

	case "PLAY":
		p.record("M7")

	case "TEARDOWN":
		p.record("M8")

	case "PAUSE":
		p.record("M9")
	}

	if err := rep.Seal(m.CSeq()); err != nil {
		return err
	}
	return p.bus.Send(rep)
}

func waitState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state %v never reached, stuck in %v", want, s.State())
}

func TestSession_HappyPathM1ToM7(t *testing.T) {
	s, _ := newTestSession(t)

	a, b := net.Pipe()
	peer := newSinkPeer(t, b)

	require.NoError(t, s.StartWithConn(a))
	waitState(t, s, StatePlaying)

	// The exchange ran in protocol order.
	peer.mu.Lock()
	seen := append([]string{}, peer.seen...)
	peer.mu.Unlock()
	assert.Equal(t, []string{"M1", "M3", "M4", "M6", "M7"}, seen)

	assert.Equal(t, "rtsp://192.168.77.1/wfd1.0/streamid=0", s.StreamURL())

	p0, p1 := s.RTPPorts()
	assert.Equal(t, uint16(1028), p0)
	assert.Equal(t, uint16(0), p1)

	s.mu.Lock()
	assert.Equal(t, "BEEF1234", s.rtspSession)
	assert.Contains(t, s.videoFormats, "00000081")
	assert.Contains(t, s.audioCodecs, "AAC")
	s.mu.Unlock()
}

func TestSession_PauseResume(t *testing.T) {
	s, _ := newTestSession(t)

	a, b := net.Pipe()
	newSinkPeer(t, b)
	require.NoError(t, s.StartWithConn(a))
	waitState(t, s, StatePlaying)

	require.NoError(t, s.Pause())
	waitState(t, s, StatePaused)

	require.NoError(t, s.Resume())
	waitState(t, s, StatePlaying)
}

func TestSession_Teardown(t *testing.T) {
	s, _ := newTestSession(t)

	endedCh := make(chan struct{})
	s.OnEnded = func(*Session) { close(endedCh) }

	a, b := net.Pipe()
	newSinkPeer(t, b)
	require.NoError(t, s.StartWithConn(a))
	waitState(t, s, StatePlaying)

	require.NoError(t, s.Teardown())

	select {
	case <-endedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("session never ended")
	}
	assert.Equal(t, StateDestroyed, s.State())
}

func TestSession_BusDeathDefersDestroy(t *testing.T) {
	s, sink := newTestSession(t)

	endedCh := make(chan struct{})
	s.OnEnded = func(*Session) { close(endedCh) }

	a, b := net.Pipe()
	newSinkPeer(t, b)
	require.NoError(t, s.StartWithConn(a))
	waitState(t, s, StatePlaying)

	// The control channel drops mid-session.
	b.Close()

	select {
	case <-endedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("death never propagated")
	}
	assert.Equal(t, StateDestroyed, s.State())
	assert.Nil(t, sink.Session(), "sink cleared before the final callback")
}

func TestSession_SessionEndedEventEmitted(t *testing.T) {
	sink := newTestSink(t)
	hub := events.NewHub()
	ch := hub.Subscribe(8, events.EventSessionEnded)

	s, err := sink.StartSession(SessionConfig{ID: 9, LocalAddr: "192.168.77.1", Hub: hub})
	require.NoError(t, err)

	s.Destroy()

	select {
	case e := <-ch:
		data := e.Data.(events.SessionStateData)
		assert.Equal(t, uint(9), data.SessionID)
		assert.Equal(t, "0x02aa", data.Sink)
	case <-time.After(time.Second):
		t.Fatal("no ended event")
	}
}

func TestSession_DestroyIdempotent(t *testing.T) {
	s, _ := newTestSession(t)

	var ended int
	s.OnEnded = func(*Session) { ended++ }

	s.Destroy()
	s.Destroy()
	assert.Equal(t, 1, ended)
	assert.Equal(t, StateDestroyed, s.State())
}

func TestSession_StateMonotonicity(t *testing.T) {
	s, _ := newTestSession(t)

	s.mu.Lock()
	s.setStateLocked(StateConnecting)
	s.setStateLocked(StateCapsExchanging)
	s.setStateLocked(StateEstablished)

	// Backward transitions are refused...
	s.setStateLocked(StateConnecting)
	assert.Equal(t, StateEstablished, s.state)

	// ...except the playback toggle.
	s.setStateLocked(StateSettingUp)
	s.setStateLocked(StatePlaying)
	s.setStateLocked(StatePaused)
	s.setStateLocked(StatePlaying)
	assert.Equal(t, StatePlaying, s.state)
	s.mu.Unlock()
}

func TestSession_StreamURLRegenerated(t *testing.T) {
	s, _ := newTestSession(t)

	s.mu.Lock()
	first := s.genStreamURLLocked()
	s.streamID = StreamSecondary
	second := s.genStreamURLLocked()
	s.mu.Unlock()

	assert.Equal(t, "rtsp://192.168.77.1/wfd1.0/streamid=0", first)
	assert.Equal(t, "rtsp://192.168.77.1/wfd1.0/streamid=1", second)
	assert.Equal(t, second, s.StreamURL())
}

func TestSession_ReplyCarriesDate(t *testing.T) {
	s, _ := newTestSession(t)

	a, b := net.Pipe()

	// A raw peer that sends M16 and captures the reply.
	peerBus := rtsp.Open(b)
	peerBus.SetCallTimeout(2 * time.Second)
	peerBus.Attach()
	t.Cleanup(peerBus.Close)

	require.NoError(t, s.StartWithConn(a))

	replyCh := make(chan *rtsp.Message, 1)
	_, err := peerBus.CallAsync(rtsp.NewRequest("GET_PARAMETER", "rtsp://x/"), func(m *rtsp.Message) error {
		replyCh <- m
		return nil
	})
	require.NoError(t, err)

	select {
	case rep := <-replyCh:
		require.NotNil(t, rep)
		date := rep.Header("Date")
		require.NotEmpty(t, date)
		_, perr := time.Parse("Mon, 02 Jan 2006 15:04:05 GMT", date)
		assert.NoError(t, perr)
		assert.True(t, strings.HasSuffix(date, "GMT"))
	case <-time.After(3 * time.Second):
		t.Fatal("no keepalive reply")
	}
}

func TestSink_SingleSession(t *testing.T) {
	sink := newTestSink(t)

	s, err := sink.StartSession(SessionConfig{ID: 1, LocalAddr: "192.168.77.1"})
	require.NoError(t, err)

	_, err = sink.StartSession(SessionConfig{ID: 2, LocalAddr: "192.168.77.1"})
	assert.ErrorIs(t, err, ErrSessionBusy)

	s.Destroy()
	assert.Nil(t, sink.Session())

	_, err = sink.StartSession(SessionConfig{ID: 3, LocalAddr: "192.168.77.1"})
	assert.NoError(t, err)
}

func TestSink_RejectsNonSink(t *testing.T) {
	source := []byte{
		0x00, 0x00, 0x06,
		0x00, 0x00, // device type: source
		0x1C, 0x44,
		0x00, 0x32,
	}
	_, err := NewSink("0x02aa", "02:aa:bb:cc:dd:ee", source)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
