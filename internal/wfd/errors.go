package wfd

import "errors"

// Session error taxonomy.
var (
	ErrInvalidArgument = errors.New("wfd: invalid argument")
	ErrProtocol        = errors.New("wfd: protocol violation")
	ErrTerminated      = errors.New("wfd: rtsp bus terminated")
	ErrNotConnected    = errors.New("wfd: not connected")
	ErrBadState        = errors.New("wfd: operation invalid in this state")
	ErrSessionBusy     = errors.New("wfd: sink already has a session")
)
