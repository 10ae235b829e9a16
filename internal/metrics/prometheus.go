// Package metrics exposes prometheus instrumentation for the miraclecast
// core: DHCP traffic and lease gauges plus Wi-Fi Display session counters.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all miraclecast metrics.
type Registry struct {
	// DHCP metrics
	DHCPPackets  *prometheus.CounterVec // direction/type
	DHCPLeases   *prometheus.GaugeVec   // per netdev
	DHCPNaks     *prometheus.CounterVec
	DHCPTimeouts *prometheus.CounterVec

	// IPv4LL metrics
	IPv4LLConflicts prometheus.Counter

	// Session metrics
	Sessions        *prometheus.GaugeVec // per state
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	RTSPMessages    *prometheus.CounterVec // per message id
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.DHCPPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miraclecast",
		Subsystem: "dhcp",
		Name:      "packets_total",
		Help:      "DHCP packets by direction and message type.",
	}, []string{"direction", "type"})

	r.DHCPLeases = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "miraclecast",
		Subsystem: "dhcp",
		Name:      "leases",
		Help:      "Active leases per network device.",
	}, []string{"netdev"})

	r.DHCPNaks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miraclecast",
		Subsystem: "dhcp",
		Name:      "naks_total",
		Help:      "DHCPNAK messages by direction.",
	}, []string{"direction"})

	r.DHCPTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miraclecast",
		Subsystem: "dhcp",
		Name:      "timeouts_total",
		Help:      "Retransmission timeouts by state.",
	}, []string{"state"})

	r.IPv4LLConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miraclecast",
		Subsystem: "ipv4ll",
		Name:      "conflicts_total",
		Help:      "Address conflicts observed while probing or defending.",
	})

	r.Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "miraclecast",
		Subsystem: "wfd",
		Name:      "sessions",
		Help:      "Sessions per state.",
	}, []string{"state"})

	r.SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miraclecast",
		Subsystem: "wfd",
		Name:      "sessions_started_total",
		Help:      "Sessions started.",
	})

	r.SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miraclecast",
		Subsystem: "wfd",
		Name:      "sessions_ended_total",
		Help:      "Sessions destroyed.",
	})

	r.RTSPMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miraclecast",
		Subsystem: "wfd",
		Name:      "rtsp_messages_total",
		Help:      "RTSP messages by WFD message id and direction.",
	}, []string{"id", "direction"})

	return r
}

// Handler returns an http.Handler serving the default prometheus registry,
// for the optional /metrics listener of miracle-dispd.
func Handler() http.Handler {
	return promhttp.Handler()
}
