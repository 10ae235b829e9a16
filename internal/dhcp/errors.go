package dhcp

import "errors"

// Error taxonomy shared by the DHCP engine. Transient Io/Protocol errors are
// absorbed at FSM boundaries (the offending packet is dropped); the rest
// surface to callers or through event callbacks.
var (
	ErrInvalidArgument      = errors.New("dhcp: invalid argument")
	ErrInterfaceUnavailable = errors.New("dhcp: interface unavailable")
	ErrInterfaceDown        = errors.New("dhcp: interface down")
	ErrInvalidIndex         = errors.New("dhcp: invalid interface index")
	ErrAddressInUse         = errors.New("dhcp: address in use")
	ErrIo                   = errors.New("dhcp: i/o error")
	ErrProtocol             = errors.New("dhcp: malformed or unexpected packet")
	ErrTimeout              = errors.New("dhcp: timed out")
	ErrConflict             = errors.New("dhcp: address conflict")
	ErrNoLease              = errors.New("dhcp: no lease")
	ErrTerminated           = errors.New("dhcp: terminated")
	ErrNotConnected         = errors.New("dhcp: not connected")
)
