// Package adv builds and parses legacy BLE advertising payloads made of
// length-prefixed AD structures.
package adv

import (
	"errors"
	"fmt"
)

// AD structure types used by the peripheral.
const (
	TypeFlags        byte = 0x01
	TypeShortName    byte = 0x08
	TypeCompleteName byte = 0x09
)

// FlagsGeneralDiscoverable is LE General Discoverable Mode with BR/EDR not
// supported.
const FlagsGeneralDiscoverable byte = 0x06

// MaxPacketLen is the payload size of a legacy advertising PDU.
const MaxPacketLen = 31

// MaxNameLen is the longest name that fits next to the 3-byte flags
// structure: 31 - 3 - 2 (length + type).
const MaxNameLen = MaxPacketLen - 3 - 2

var (
	ErrEmptyName   = errors.New("adv: device name must not be empty")
	ErrNameTooLong = errors.New("adv: device name does not fit in advertising packet")
)

// Payload is the decoded form of an advertising packet.
type Payload struct {
	Flags     byte
	LocalName string
}

// Encode returns the flags AD structure followed by the local name AD
// structure for name.
func Encode(name string) ([]byte, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if len(name) > MaxNameLen {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrNameTooLong, len(name), MaxNameLen)
	}

	buf := make([]byte, 0, 3+2+len(name))
	buf = append(buf, 0x02, TypeFlags, FlagsGeneralDiscoverable)
	buf = append(buf, byte(len(name)+1), TypeCompleteName)
	buf = append(buf, name...)
	return buf, nil
}

// Parse walks the AD structures in b. Unknown types are skipped.
func Parse(b []byte) (Payload, error) {
	var p Payload
	if len(b) > MaxPacketLen {
		return p, fmt.Errorf("adv: packet is %d bytes, max %d", len(b), MaxPacketLen)
	}
	for i := 0; i < len(b); {
		l := int(b[i])
		if l == 0 {
			return p, fmt.Errorf("adv: zero-length structure at offset %d", i)
		}
		if i+1+l > len(b) {
			return p, fmt.Errorf("adv: structure at offset %d overruns packet", i)
		}
		typ, data := b[i+1], b[i+2:i+1+l]
		switch typ {
		case TypeFlags:
			if len(data) != 1 {
				return p, fmt.Errorf("adv: flags structure has %d bytes, want 1", len(data))
			}
			p.Flags = data[0]
		case TypeShortName, TypeCompleteName:
			p.LocalName = string(data)
		}
		i += 1 + l
	}
	return p, nil
}
