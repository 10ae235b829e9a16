package wfd

import (
	"encoding/binary"
	"fmt"
)

// WFD IE subelement ids.
const (
	subeIDDeviceInfo = 0
)

// Device-type bits of the WFD device information field.
const (
	DeviceTypeSource        = 0x0
	DeviceTypePrimarySink   = 0x1
	DeviceTypeSecondarySink = 0x2
	DeviceTypeDualRole      = 0x3
)

// SubElements is a parsed WFD information-element blob as carried in P2P
// frames: a sequence of id(1)/length(2)/payload subelements.
type SubElements struct {
	DeviceInfo    uint16
	ControlPort   uint16
	MaxThroughput uint16
	hasDeviceInfo bool
}

// ParseSubElements decodes the subelement sequence. Unknown subelements are
// skipped.
func ParseSubElements(raw []byte) (*SubElements, error) {
	se := &SubElements{}
	for len(raw) > 0 {
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: truncated subelement header", ErrProtocol)
		}
		id := raw[0]
		length := int(binary.BigEndian.Uint16(raw[1:3]))
		if len(raw) < 3+length {
			return nil, fmt.Errorf("%w: truncated subelement %d", ErrProtocol, id)
		}
		payload := raw[3 : 3+length]

		if id == subeIDDeviceInfo && length >= 6 {
			se.DeviceInfo = binary.BigEndian.Uint16(payload[0:2])
			se.ControlPort = binary.BigEndian.Uint16(payload[2:4])
			se.MaxThroughput = binary.BigEndian.Uint16(payload[4:6])
			se.hasDeviceInfo = true
		}

		raw = raw[3+length:]
	}

	if !se.hasDeviceInfo {
		return nil, fmt.Errorf("%w: no device information subelement", ErrProtocol)
	}
	return se, nil
}

// DeviceType extracts the two device-type bits.
func (se *SubElements) DeviceType() uint16 {
	return se.DeviceInfo & 0x3
}

// IsSink reports whether the device can act as a sink.
func (se *SubElements) IsSink() bool {
	switch se.DeviceType() {
	case DeviceTypePrimarySink, DeviceTypeSecondarySink, DeviceTypeDualRole:
		return true
	}
	return false
}

// RTSPPort returns the advertised session control port, 7236 when the
// device left it unset.
func (se *SubElements) RTSPPort() uint16 {
	if se.ControlPort == 0 {
		return 7236
	}
	return se.ControlPort
}
