package dhcp

import (
	"net"
	"sync"
	"time"
)

// fakeSched records scheduled callbacks so tests fire them deterministically.
type fakeSched struct {
	mu      sync.Mutex
	entries []*fakeTimer
}

type fakeTimer struct {
	d         time.Duration
	f         func()
	cancelled bool
	fired     bool
}

func (s *fakeSched) After(d time.Duration, f func()) cancelTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.entries = append(s.entries, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

// pending returns the live timers in scheduling order.
func (s *fakeSched) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.entries {
		if !t.cancelled && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the first live timer with duration d and reports whether one
// was found.
func (s *fakeSched) fire(d time.Duration) bool {
	s.mu.Lock()
	var target *fakeTimer
	for _, t := range s.entries {
		if !t.cancelled && !t.fired && t.d == d {
			target = t
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	s.mu.Unlock()

	if target == nil {
		return false
	}
	target.f()
	return true
}

// fireNext runs the earliest-scheduled live timer.
func (s *fakeSched) fireNext() bool {
	s.mu.Lock()
	var target *fakeTimer
	for _, t := range s.entries {
		if !t.cancelled && !t.fired {
			target = t
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	s.mu.Unlock()

	if target == nil {
		return false
	}
	target.f()
	return true
}

// fakeIO records everything the FSMs send and lets tests inject inbound
// packets synchronously through Client4.deliver.
type fakeIO struct {
	mu      sync.Mutex
	mode    ListenMode
	modes   []ListenMode
	ch      chan Inbound
	l2      [][]byte
	udp     [][]byte
	udpDst  []*net.UDPAddr
	arps    []*ARPPacket
	closedN int
}

func newFakeIO() *fakeIO {
	return &fakeIO{ch: make(chan Inbound, 64)}
}

func (f *fakeIO) Listen(mode ListenMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeIO) Recv() <-chan Inbound { return f.ch }

func (f *fakeIO) SendL2(payload []byte, dstHW net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.l2 = append(f.l2, append([]byte{}, payload...))
	return nil
}

func (f *fakeIO) SendUDP(payload []byte, dst *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.udp = append(f.udp, append([]byte{}, payload...))
	f.udpDst = append(f.udpDst, dst)
	return nil
}

func (f *fakeIO) SendARP(pkt *ARPPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arps = append(f.arps, pkt)
	return nil
}

func (f *fakeIO) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedN++
	f.mode = ListenNone
	return nil
}

func (f *fakeIO) lastMode() ListenMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeIO) sentL2() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.l2...)
}

func (f *fakeIO) sentUDP() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.udp...)
}

func (f *fakeIO) sentARP() []*ARPPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ARPPacket{}, f.arps...)
}

// fakeIO6 is the DHCPv6 counterpart.
type fakeIO6 struct {
	mu   sync.Mutex
	ch   chan []byte
	sent [][]byte
}

func newFakeIO6() *fakeIO6 {
	return &fakeIO6{ch: make(chan []byte, 64)}
}

func (f *fakeIO6) Open() error { return nil }

func (f *fakeIO6) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte{}, payload...))
	return nil
}

func (f *fakeIO6) Recv() <-chan []byte { return f.ch }

func (f *fakeIO6) Close() error { return nil }

func (f *fakeIO6) sentMsgs() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.sent...)
}

// eventRec collects client callbacks.
type eventRec struct {
	mu     sync.Mutex
	events []Event4
}

func (r *eventRec) cb(e Event4) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRec) all() []Event4 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event4{}, r.events...)
}

type eventRec6 struct {
	mu     sync.Mutex
	events []Event6
}

func (r *eventRec6) cb(e Event6) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRec6) all() []Event6 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event6{}, r.events...)
}
