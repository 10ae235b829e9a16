// Package wpas defines the wpa_supplicant capability surface the session
// daemon consumes. The control-socket binding itself lives outside this
// repository; dispd only depends on these types and the observer
// interface, which that binding implements.
package wpas

// Peer is one discovered P2P device.
type Peer struct {
	// Address is the P2P device address.
	Address string

	// Name is the friendly device name.
	Name string

	// WFDSubelements is the raw WFD information element advertised by
	// the peer, empty for non-WFD devices.
	WFDSubelements []byte
}

// GroupRole says which side of a formed group we ended up on.
type GroupRole int

const (
	RoleClient GroupRole = iota
	RoleGroupOwner
)

// Group describes a formed P2P group.
type Group struct {
	// Ifname is the network interface created for the group.
	Ifname string

	// Ifindex is its interface index.
	Ifindex int

	// Role is our side of the group.
	Role GroupRole

	// PeerAddress is the remote device the group was formed with.
	PeerAddress string
}

// Observer receives P2P events from the wpa_supplicant binding. All
// callbacks are delivered from the binding's event loop; implementations
// must not block.
type Observer interface {
	// PeerFound fires when a new P2P device shows up in scan results.
	PeerFound(p Peer)

	// PeerLost fires when a device disappears.
	PeerLost(address string)

	// ProvisionDiscovery fires when a peer asks to connect.
	ProvisionDiscovery(address string, pin string)

	// GroupFormed fires once a P2P group interface is up.
	GroupFormed(g Group)

	// GroupRemoved fires when the group interface goes away.
	GroupRemoved(ifname string)
}

// Controller is the command surface dispd requires from the binding.
type Controller interface {
	// SetWFDSubelements publishes our own WFD IE.
	SetWFDSubelements(raw []byte) error

	// Connect forms a group with a peer.
	Connect(address, pin string) error

	// Disconnect tears down the group with a peer.
	Disconnect(address string) error
}
