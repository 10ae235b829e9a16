package rtsp

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/albfan/miraclecast/internal/logging"
)

// DefaultCallTimeout bounds how long an async call waits for its reply.
const DefaultCallTimeout = 500 * time.Millisecond

// Handler observes bus traffic. Match handlers receive every inbound
// request; a nil message signals that the bus died. Reply handlers receive
// the reply correlated to their call, or nil on timeout/disconnect.
type Handler func(m *Message) error

// Cookie identifies an outstanding async call.
type Cookie uint64

type pendingCall struct {
	handler Handler
	timer   *time.Timer
}

// Bus is an RTSP connection shared by one session: it serializes writes,
// frames and parses inbound messages, and correlates replies to calls by
// CSeq. Request/reply pairs keep FIFO order because all writes go through
// one mutex and the peer answers in order.
type Bus struct {
	mu sync.Mutex

	conn    net.Conn
	log     *logging.Logger
	timeout time.Duration

	cseq       int
	nextCookie Cookie

	matches []Handler
	pending map[int]Cookie
	calls   map[Cookie]*pendingCall

	attached bool
	dead     bool
	closed   bool
}

// Open wraps an established connection. Attach starts delivery.
func Open(conn net.Conn) *Bus {
	return &Bus{
		conn:    conn,
		log:     logging.WithComponent("rtsp"),
		timeout: DefaultCallTimeout,
		pending: make(map[int]Cookie),
		calls:   make(map[Cookie]*pendingCall),
	}
}

// SetCallTimeout overrides the async reply timeout.
func (b *Bus) SetCallTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.timeout = d
	}
}

// Attach starts the reader. It may be called once.
func (b *Bus) Attach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached {
		return
	}
	b.attached = true
	go b.readLoop()
}

// AddMatch registers a handler for inbound requests (and death
// notification).
func (b *Bus) AddMatch(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches = append(b.matches, h)
}

// RemoveMatches detaches all request handlers.
func (b *Bus) RemoveMatches() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches = nil
}

// IsDead reports whether the connection is gone.
func (b *Bus) IsDead() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead
}

// Send seals (when needed) and writes a message.
func (b *Bus) Send(m *Message) error {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return ErrDead
	}
	if !m.Sealed() {
		b.cseq++
		if err := m.Seal(b.cseq); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	conn := b.conn
	data := m.Marshal()
	b.mu.Unlock()

	if _, err := conn.Write(data); err != nil {
		b.markDead()
		return ErrDead
	}
	return nil
}

// CallAsync sends a request and registers handler for its reply. The
// returned cookie cancels the call. On timeout the handler runs with a nil
// message.
func (b *Bus) CallAsync(m *Message, handler Handler) (Cookie, error) {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return 0, ErrDead
	}

	b.cseq++
	if err := m.Seal(b.cseq); err != nil {
		b.mu.Unlock()
		return 0, err
	}

	b.nextCookie++
	cookie := b.nextCookie
	call := &pendingCall{handler: handler}
	call.timer = time.AfterFunc(b.timeout, func() {
		b.expire(cookie)
	})
	b.calls[cookie] = call
	b.pending[m.CSeq()] = cookie

	conn := b.conn
	data := m.Marshal()
	b.mu.Unlock()

	if _, err := conn.Write(data); err != nil {
		b.Cancel(cookie)
		b.markDead()
		return 0, ErrDead
	}
	return cookie, nil
}

// Cancel drops an outstanding call; its handler will not run.
func (b *Bus) Cancel(cookie Cookie) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(cookie)
}

func (b *Bus) dropLocked(cookie Cookie) *pendingCall {
	call, ok := b.calls[cookie]
	if !ok {
		return nil
	}
	delete(b.calls, cookie)
	for cseq, ck := range b.pending {
		if ck == cookie {
			delete(b.pending, cseq)
		}
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	return call
}

func (b *Bus) expire(cookie Cookie) {
	b.mu.Lock()
	call := b.dropLocked(cookie)
	b.mu.Unlock()
	if call != nil && call.handler != nil {
		_ = call.handler(nil)
	}
}

// Close tears the bus down. Outstanding calls are dropped silently.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.dead = true
	for cookie := range b.calls {
		b.dropLocked(cookie)
	}
	conn := b.conn
	b.mu.Unlock()
	conn.Close()
}

// markDead flips the bus dead and notifies every observer exactly once:
// match handlers and outstanding reply handlers each get a nil message.
func (b *Bus) markDead() {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return
	}
	b.dead = true

	matches := append([]Handler{}, b.matches...)
	var calls []*pendingCall
	for cookie := range b.calls {
		if call := b.dropLocked(cookie); call != nil {
			calls = append(calls, call)
		}
	}
	b.mu.Unlock()

	for _, h := range matches {
		_ = h(nil)
	}
	for _, call := range calls {
		if call.handler != nil {
			_ = call.handler(nil)
		}
	}
}

func (b *Bus) readLoop() {
	reader := bufio.NewReader(b.conn)
	for {
		msg, err := readMessage(reader)
		if err != nil {
			b.markDead()
			return
		}
		b.dispatch(msg)
	}
}

// readMessage frames one message off the stream: head lines up to the blank
// line, then Content-Length body bytes.
func readMessage(reader *bufio.Reader) (*Message, error) {
	var head bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		head.WriteString(line)
	}

	headBytes := bytes.TrimSuffix(head.Bytes(), []byte("\r\n"))
	m, err := Parse(headBytes, nil)
	if err != nil {
		return nil, err
	}

	if cl := m.Header("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, ErrMalformed
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, err
		}
		m.body = body
	}

	return m, nil
}

func (b *Bus) dispatch(m *Message) {
	if m.Type() == TypeReply {
		b.mu.Lock()
		cookie, ok := b.pending[m.CSeq()]
		var call *pendingCall
		if ok {
			call = b.dropLocked(cookie)
		}
		b.mu.Unlock()

		if call != nil && call.handler != nil {
			_ = call.handler(m)
		}
		return
	}

	b.mu.Lock()
	matches := append([]Handler{}, b.matches...)
	b.mu.Unlock()

	for _, h := range matches {
		_ = h(m)
	}
}
