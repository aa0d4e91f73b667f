package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxNameLength bounds the assembled name including separators.
	MaxNameLength = 256

	// MaxNameSteps bounds the number of labels and pointers followed while
	// decoding a single name. It is what terminates pointer cycles.
	MaxNameSteps = 100

	pointerMask   = 0xC0
	pointerOffset = 0x3F
)

// ErrMalformedName is wrapped by every name decoding failure.
var ErrMalformedName = errors.New("malformed dns name")

var (
	ErrInvalidArgument   = fmt.Errorf("%w: invalid argument", ErrMalformedName)
	ErrTruncated         = fmt.Errorf("%w: name runs past end of packet", ErrMalformedName)
	ErrPointerOutOfRange = fmt.Errorf("%w: compression pointer outside packet", ErrMalformedName)
	ErrBadLabel          = fmt.Errorf("%w: reserved label type", ErrMalformedName)
	ErrNameTooLong       = fmt.Errorf("%w: name exceeds %d bytes", ErrMalformedName, MaxNameLength)
	ErrTooManySteps      = fmt.Errorf("%w: more than %d labels or pointers", ErrMalformedName, MaxNameSteps)
)

// Query errors that are not name failures.
var (
	ErrNotQuery   = errors.New("message is a response")
	ErrNoQuestion = errors.New("message has no question")
)

// ReadName decodes the possibly compressed domain name starting at offset.
//
// consumed is the number of bytes the name occupies at offset: every label
// read before the first compression pointer, plus either the terminating
// zero byte or the two pointer bytes. Bytes read after a jump are not counted.
func ReadName(packet []byte, offset int) (name string, consumed int, err error) {
	if len(packet) == 0 || offset < 0 || offset >= len(packet) {
		return "", 0, ErrInvalidArgument
	}

	buf := make([]byte, 0, MaxNameLength)
	pos := offset
	jumped := false

	for steps := 0; ; steps++ {
		if pos >= len(packet) {
			return "", 0, ErrTruncated
		}

		b := packet[pos]
		if b == 0 {
			if !jumped {
				consumed++
			}
			break
		}

		if steps >= MaxNameSteps {
			return "", 0, ErrTooManySteps
		}

		switch b & pointerMask {
		case pointerMask:
			if pos+1 >= len(packet) {
				return "", 0, ErrTruncated
			}
			target := int(b&pointerOffset)<<8 | int(packet[pos+1])
			if target >= len(packet) {
				return "", 0, ErrPointerOutOfRange
			}
			if !jumped {
				consumed += 2
				jumped = true
			}
			pos = target

		case 0:
			size := int(b)
			if len(buf)+size+1 >= MaxNameLength {
				return "", 0, ErrNameTooLong
			}
			end := pos + 1 + size
			if end > len(packet) {
				return "", 0, ErrTruncated
			}
			buf = append(buf, packet[pos+1:end]...)
			buf = append(buf, '.')
			if !jumped {
				consumed += 1 + size
			}
			pos = end

		default:
			return "", 0, ErrBadLabel
		}
	}

	if len(buf) > 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), consumed, nil
}

// Question is the first entry of a message's question section.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// ParseQuery validates that packet is a query carrying at least one question
// and decodes the first question. Type and Class are zero when the packet
// ends right after the name. Responses (QR set) fail with ErrNotQuery and
// messages with no question fail with ErrNoQuestion, so neither is ever
// classified against the blocklist or forwarded.
func ParseQuery(packet []byte) (Header, Question, error) {
	hdr, err := ParseHeader(packet)
	if err != nil {
		return Header{}, Question{}, err
	}
	if hdr.Response() {
		return hdr, Question{}, ErrNotQuery
	}
	if hdr.QDCount == 0 {
		return hdr, Question{}, ErrNoQuestion
	}

	name, n, err := ReadName(packet, HeaderSize)
	if err != nil {
		return hdr, Question{}, err
	}

	q := Question{Name: name}
	if off := HeaderSize + n; off+4 <= len(packet) {
		q.Type = binary.BigEndian.Uint16(packet[off : off+2])
		q.Class = binary.BigEndian.Uint16(packet[off+2 : off+4])
	}
	return hdr, q, nil
}
