// Package wire reads and patches raw RFC 1035 messages without unpacking them.
// The proxy only needs the header and the first question name; everything
// else is relayed as opaque bytes.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/miekg/dns"
)

// HeaderSize is the fixed size of a DNS message header.
const HeaderSize = 12

// Header flag masks (RFC 1035 section 4.1.1).
const (
	FlagQR     uint16 = 0x8000
	FlagOpcode uint16 = 0x7800
	FlagRD     uint16 = 0x0100
	FlagRcode  uint16 = 0x000F
)

// Receive buffer sizes. Queries are read into a buffer large enough for any
// UDP datagram and then copied to their exact length; upstream replies get
// the same bound.
const (
	MaxQuerySize = dns.MaxMsgSize
	MaxReplySize = dns.MaxMsgSize
)

// ErrShortPacket is returned for buffers smaller than HeaderSize.
var ErrShortPacket = errors.New("packet shorter than dns header")

// Header is a decoded view of the first HeaderSize bytes of a message.
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// ParseHeader decodes the big-endian header at the start of packet.
func ParseHeader(packet []byte) (Header, error) {
	if len(packet) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	return Header{
		ID:      binary.BigEndian.Uint16(packet[0:2]),
		Flags:   binary.BigEndian.Uint16(packet[2:4]),
		QDCount: binary.BigEndian.Uint16(packet[4:6]),
		ANCount: binary.BigEndian.Uint16(packet[6:8]),
		NSCount: binary.BigEndian.Uint16(packet[8:10]),
		ARCount: binary.BigEndian.Uint16(packet[10:12]),
	}, nil
}

// Response reports whether the QR bit is set.
func (h Header) Response() bool { return h.Flags&FlagQR != 0 }

// Opcode returns the 4-bit opcode.
func (h Header) Opcode() int { return int(h.Flags&FlagOpcode) >> 11 }

// RecursionDesired reports whether the RD bit is set.
func (h Header) RecursionDesired() bool { return h.Flags&FlagRD != 0 }

// Rcode returns the 4-bit response code.
func (h Header) Rcode() int { return int(h.Flags & FlagRcode) }

// ID returns the transaction id of packet, or 0 when it is too short.
func ID(packet []byte) uint16 {
	if len(packet) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(packet[0:2])
}
