package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/albfan/miraclecast/internal/config"
	"github.com/albfan/miraclecast/internal/events"
	"github.com/albfan/miraclecast/internal/logging"
	"github.com/albfan/miraclecast/internal/supervisor"
	"github.com/albfan/miraclecast/internal/wfd"
	"github.com/albfan/miraclecast/internal/wpas"
)

// helper is one running miracle-dhcp instance bound to a group interface.
type helper struct {
	proc *os.Process
	comm *os.File

	// localAddr/peerAddr are learned from the comm channel.
	localAddr string
	peerAddr  string
}

// stop interrupts and reaps the helper process.
func (h *helper) stop() {
	if h.proc == nil || h.proc.Pid <= 0 {
		return
	}
	_ = h.proc.Signal(os.Interrupt)
	go func() { _, _ = h.proc.Wait() }()
}

// App is the explicit application context: every component hangs off it
// instead of process-wide singletons. It implements wpas.Observer so the
// control-socket binding can feed it P2P events.
type App struct {
	mu sync.Mutex

	cfg        *config.Config
	dhcpBinary string

	log *logging.Logger
	hub *events.Hub

	sinks   map[string]*wfd.Sink // by label
	helpers map[string]*helper   // by netdev

	nextSession uint

	// spawn is swapped by tests.
	spawn func(binary string, args []string) (*os.Process, *os.File, error)
}

// NewApp builds the application context.
func NewApp(cfg *config.Config, dhcpBinary string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return &App{
		cfg:        cfg,
		dhcpBinary: dhcpBinary,
		log:        logging.WithComponent("app"),
		hub:        events.NewHub(),
		sinks:      make(map[string]*wfd.Sink),
		helpers:    make(map[string]*helper),
		spawn:      supervisor.Spawn,
	}, nil
}

// Hub exposes the event bus.
func (a *App) Hub() *events.Hub { return a.hub }

// Sinks returns the labels of all known sinks.
func (a *App) Sinks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	labels := make([]string, 0, len(a.sinks))
	for label := range a.sinks {
		labels = append(labels, label)
	}
	return labels
}

// Sink looks a sink up by label.
func (a *App) Sink(label string) *wfd.Sink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sinks[label]
}

// sinkLabel derives the stable label from a peer address: the original
// daemons used the MAC with separators stripped.
func sinkLabel(address string) string {
	return strings.ReplaceAll(strings.ToLower(address), ":", "")
}

// --- wpas.Observer ---

// PeerFound registers WFD-capable sinks.
func (a *App) PeerFound(p wpas.Peer) {
	if len(p.WFDSubelements) == 0 {
		return
	}

	label := sinkLabel(p.Address)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sinks[label]; ok {
		return
	}

	sink, err := wfd.NewSink(label, p.Address, p.WFDSubelements)
	if err != nil {
		a.log.Debug("peer is not a usable sink", "peer", p.Address, "error", err)
		return
	}
	a.sinks[label] = sink
	a.log.Info("sink found", "label", label, "name", p.Name)
}

// PeerLost drops the sink and tears down its session.
func (a *App) PeerLost(address string) {
	label := sinkLabel(address)

	a.mu.Lock()
	sink := a.sinks[label]
	delete(a.sinks, label)
	a.mu.Unlock()

	if sink == nil {
		return
	}
	if s := sink.Session(); s != nil {
		s.Destroy()
	}
	a.hub.Publish(events.Event{Type: events.EventPeerGone, Source: "wpas", Data: address})
	a.log.Info("sink lost", "label", label)
}

// ProvisionDiscovery is currently informational.
func (a *App) ProvisionDiscovery(address, pin string) {
	a.log.Debug("provision discovery", "peer", address, "pin", pin != "")
}

// GroupFormed spawns the DHCP helper for the new interface: as a server
// when we own the group, as a client otherwise.
func (a *App) GroupFormed(g wpas.Group) {
	args := []string{"--netdev", g.Ifname}
	if a.cfg.IPBinary != "" {
		args = append(args, "--ip-binary", a.cfg.IPBinary)
	} else {
		args = append(args, "--ip-binary", "")
	}
	if g.Role == wpas.RoleGroupOwner {
		dc := a.cfg.DHCP
		args = append(args, "--server",
			"--prefix", dc.Prefix,
			"--subnet", dc.Subnet,
			"--local", strconv.Itoa(dc.LocalSuffix),
			"--from", strconv.Itoa(dc.FromSuffix),
			"--to", strconv.Itoa(dc.ToSuffix),
		)
		if a.cfg.LeaseDB != "" {
			args = append(args, "--lease-db", a.cfg.LeaseDB)
		}
	}

	proc, comm, err := a.spawn(a.dhcpBinary, args)
	if err != nil {
		a.log.Error("dhcp helper spawn failed", "netdev", g.Ifname, "error", err)
		return
	}

	h := &helper{proc: proc, comm: comm}
	a.mu.Lock()
	a.helpers[g.Ifname] = h
	a.mu.Unlock()

	a.hub.Publish(events.Event{
		Type:   events.EventGroupFormed,
		Source: "wpas",
		Data: events.GroupFormedData{
			Netdev: g.Ifname,
			Peer:   g.PeerAddress,
			Owner:  g.Role == wpas.RoleGroupOwner,
		},
	})

	go supervisor.ReadComm(comm, func(kind byte, value string) {
		a.handleComm(g, h, kind, value)
	})
}

// handleComm consumes lease notifications from a helper. Once both ends of
// the link are known the session towards the peer's sink starts.
func (a *App) handleComm(g wpas.Group, h *helper, kind byte, value string) {
	a.mu.Lock()
	switch kind {
	case 'L':
		h.localAddr = value
		a.hub.EmitDHCPLease(g.Ifname, "", value)
	case 'G':
		// As a client, the gateway is the group owner, which is where
		// the sink's RTSP service lives.
		if g.Role == wpas.RoleClient {
			h.peerAddr = value
		}
	case 'R':
		fields := strings.Fields(value)
		if len(fields) == 2 {
			h.peerAddr = fields[1]
			a.hub.EmitDHCPLease(g.Ifname, fields[0], fields[1])
		}
	}
	ready := h.localAddr != "" && h.peerAddr != ""
	a.mu.Unlock()

	if ready {
		a.startSessionForGroup(g, h)
	}
}

// startSessionForGroup connects the sink session once addressing is up.
func (a *App) startSessionForGroup(g wpas.Group, h *helper) {
	label := sinkLabel(g.PeerAddress)

	a.mu.Lock()
	sink := a.sinks[label]
	localAddr := h.localAddr
	peerAddr := h.peerAddr
	a.nextSession++
	id := a.nextSession
	a.mu.Unlock()

	if sink == nil {
		a.log.Debug("group formed with non-sink peer", "peer", g.PeerAddress)
		return
	}
	if sink.Session() != nil {
		return // already running
	}

	cfgRTSP := a.cfg.RTSP
	var keepalive time.Duration
	if cfgRTSP != nil {
		keepalive = time.Duration(cfgRTSP.KeepaliveSeconds) * time.Second
	}

	s, err := sink.StartSession(wfd.SessionConfig{
		ID:                id,
		LocalAddr:         localAddr,
		StreamID:          wfd.StreamPrimary,
		Hub:               a.hub,
		KeepaliveInterval: keepalive,
	})
	if err != nil {
		a.log.Warn("session start refused", "sink", label, "error", err)
		return
	}

	addr := net.JoinHostPort(peerAddr, strconv.Itoa(int(sink.SubElements().RTSPPort())))
	a.log.Info("starting session", "sink", label, "addr", addr)
	if err := s.Start(addr); err != nil {
		a.log.Warn("session start failed", "sink", label, "error", err)
		s.Destroy()
	}
}

// GroupRemoved stops the helper owning the interface.
func (a *App) GroupRemoved(ifname string) {
	a.mu.Lock()
	h := a.helpers[ifname]
	delete(a.helpers, ifname)
	a.mu.Unlock()

	if h == nil {
		return
	}
	h.comm.Close()
	h.stop()

	a.log.Info("group removed", "netdev", ifname)
}

// Close tears down every helper and session.
func (a *App) Close() {
	a.mu.Lock()
	helpers := make([]*helper, 0, len(a.helpers))
	for _, h := range a.helpers {
		helpers = append(helpers, h)
	}
	a.helpers = make(map[string]*helper)
	sinks := make([]*wfd.Sink, 0, len(a.sinks))
	for _, s := range a.sinks {
		sinks = append(sinks, s)
	}
	a.mu.Unlock()

	for _, sink := range sinks {
		if s := sink.Session(); s != nil {
			s.Destroy()
		}
	}
	for _, h := range helpers {
		h.comm.Close()
		h.stop()
	}
}
