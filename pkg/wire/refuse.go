package wire

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

// Refuse turns the query in packet into a REFUSED response in place. The
// transaction id, opcode, RD bit, section counts and the question bytes are
// left exactly as received, so the reply has the same length as the query.
func Refuse(packet []byte) error {
	if len(packet) < HeaderSize {
		return ErrShortPacket
	}
	flags := binary.BigEndian.Uint16(packet[2:4])
	flags |= FlagQR
	flags = flags&^FlagRcode | uint16(dns.RcodeRefused)
	binary.BigEndian.PutUint16(packet[2:4], flags)
	return nil
}
