package wfd

import (
	"fmt"
	"sync"

	"github.com/albfan/miraclecast/internal/logging"
)

// Sink is one discovered Wi-Fi Display sink: a stable label derived from
// the peer, its WFD subelements, and at most one active session.
type Sink struct {
	mu sync.Mutex

	label string
	peer  string // peer MAC as reported by the P2P layer
	sube  *SubElements

	session *Session
	log     *logging.Logger
}

// NewSink builds a sink from a discovered peer. The subelements must
// describe a sink-capable device.
func NewSink(label, peer string, subeRaw []byte) (*Sink, error) {
	if label == "" {
		return nil, fmt.Errorf("%w: empty label", ErrInvalidArgument)
	}
	sube, err := ParseSubElements(subeRaw)
	if err != nil {
		return nil, err
	}
	if !sube.IsSink() {
		return nil, fmt.Errorf("%w: peer %s is not a sink", ErrInvalidArgument, peer)
	}

	return &Sink{
		label: label,
		peer:  peer,
		sube:  sube,
		log:   logging.WithComponent("sink"),
	}, nil
}

// Label returns the stable sink id.
func (k *Sink) Label() string { return k.label }

// Peer returns the P2P peer address.
func (k *Sink) Peer() string { return k.peer }

// SubElements returns the parsed WFD device description.
func (k *Sink) SubElements() *SubElements { return k.sube }

// Session returns the active session, nil when idle.
func (k *Sink) Session() *Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session
}

// StartSession creates the sink's session. A sink carries at most one.
func (k *Sink) StartSession(cfg SessionConfig) (*Session, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.session != nil {
		return nil, ErrSessionBusy
	}

	cfg.Sink = k
	s, err := NewOutSession(cfg)
	if err != nil {
		return nil, err
	}
	k.session = s
	return s, nil
}

// clearSession drops the sink's reference; called by the session on
// destroy, before its final callback runs.
func (k *Sink) clearSession(s *Session) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session == s {
		k.session = nil
	}
}
