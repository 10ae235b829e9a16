package rtsp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer drives the far end of a bus over a pipe.
type testPeer struct {
	conn net.Conn
	bus  *Bus
	mu   sync.Mutex
	reqs []*Message
}

func newBusPair(t *testing.T) (*Bus, *testPeer) {
	t.Helper()
	a, b := net.Pipe()

	bus := Open(a)
	bus.Attach()
	t.Cleanup(bus.Close)

	peer := &testPeer{conn: b, bus: Open(b)}
	peer.bus.AddMatch(func(m *Message) error {
		if m == nil {
			return nil
		}
		peer.mu.Lock()
		peer.reqs = append(peer.reqs, m)
		peer.mu.Unlock()
		return nil
	})
	peer.bus.Attach()
	t.Cleanup(peer.bus.Close)
	return bus, peer
}

func (p *testPeer) waitRequest(t *testing.T) *Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.reqs) > 0 {
			m := p.reqs[0]
			p.reqs = p.reqs[1:]
			p.mu.Unlock()
			return m
		}
		p.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no request arrived")
	return nil
}

func TestBus_SendDelivers(t *testing.T) {
	bus, peer := newBusPair(t)

	req := NewRequest("OPTIONS", "*").SetHeader("Require", "org.wfa.wfd1.0")
	require.NoError(t, bus.Send(req))

	got := peer.waitRequest(t)
	assert.Equal(t, "OPTIONS", got.Method())
	assert.Equal(t, "org.wfa.wfd1.0", got.Header("Require"))
	assert.Equal(t, req.CSeq(), got.CSeq())
}

func TestBus_CallAsyncCorrelatesReply(t *testing.T) {
	bus, peer := newBusPair(t)
	bus.SetCallTimeout(2 * time.Second)

	replyCh := make(chan *Message, 1)
	_, err := bus.CallAsync(NewRequest("GET_PARAMETER", "rtsp://x/"), func(m *Message) error {
		replyCh <- m
		return nil
	})
	require.NoError(t, err)

	got := peer.waitRequest(t)
	rep := NewReply(got, StatusOK, "OK")
	require.NoError(t, rep.Seal(rep.CSeq()))
	require.NoError(t, peer.bus.Send(rep))

	select {
	case m := <-replyCh:
		require.NotNil(t, m)
		assert.True(t, m.IsReply(StatusOK))
		assert.Equal(t, got.CSeq(), m.CSeq())
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestBus_CallTimeout(t *testing.T) {
	bus, _ := newBusPair(t)
	bus.SetCallTimeout(20 * time.Millisecond)

	replyCh := make(chan *Message, 1)
	_, err := bus.CallAsync(NewRequest("GET_PARAMETER", "rtsp://x/"), func(m *Message) error {
		replyCh <- m
		return nil
	})
	require.NoError(t, err)

	select {
	case m := <-replyCh:
		assert.Nil(t, m, "timeout delivers nil")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout handler never ran")
	}
}

func TestBus_CancelSuppressesHandler(t *testing.T) {
	bus, peer := newBusPair(t)
	bus.SetCallTimeout(50 * time.Millisecond)

	var fired bool
	cookie, err := bus.CallAsync(NewRequest("GET_PARAMETER", "rtsp://x/"), func(m *Message) error {
		fired = true
		return nil
	})
	require.NoError(t, err)
	bus.Cancel(cookie)

	got := peer.waitRequest(t)
	rep := NewReply(got, StatusOK, "OK")
	require.NoError(t, rep.Seal(rep.CSeq()))
	require.NoError(t, peer.bus.Send(rep))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired)
}

func TestBus_DeadNotifiesMatches(t *testing.T) {
	bus, peer := newBusPair(t)

	deadCh := make(chan struct{})
	bus.AddMatch(func(m *Message) error {
		if m == nil {
			close(deadCh)
		}
		return nil
	})

	peer.conn.Close()

	select {
	case <-deadCh:
	case <-time.After(2 * time.Second):
		t.Fatal("death never signalled")
	}
	assert.True(t, bus.IsDead())

	err := bus.Send(NewRequest("OPTIONS", "*"))
	assert.ErrorIs(t, err, ErrDead)
}

func TestBus_FIFOAcrossRequests(t *testing.T) {
	bus, peer := newBusPair(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Send(NewRequest("GET_PARAMETER", "rtsp://x/")))
	}

	var last int
	for i := 0; i < 5; i++ {
		got := peer.waitRequest(t)
		assert.Greater(t, got.CSeq(), last, "CSeq must increase in send order")
		last = got.CSeq()
	}
}

func TestBus_RequestsReachAllMatches(t *testing.T) {
	bus, peer := newBusPair(t)

	seen := make(chan string, 2)
	bus.AddMatch(func(m *Message) error {
		if m != nil {
			seen <- "a:" + m.Method()
		}
		return nil
	})
	bus.AddMatch(func(m *Message) error {
		if m != nil {
			seen <- "b:" + m.Method()
		}
		return nil
	})

	require.NoError(t, peer.bus.Send(NewRequest("TEARDOWN", "rtsp://x/")))

	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("match handler starved")
		}
	}
}
