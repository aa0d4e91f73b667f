package wire

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Id = 0xBEEF
	msg.Opcode = dns.OpcodeNotify
	msg.RecursionDesired = true
	packet, err := msg.Pack()
	require.NoError(t, err)

	hdr, err := ParseHeader(packet)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), hdr.ID)
	assert.False(t, hdr.Response())
	assert.Equal(t, dns.OpcodeNotify, hdr.Opcode())
	assert.True(t, hdr.RecursionDesired())
	assert.Equal(t, dns.RcodeSuccess, hdr.Rcode())
	assert.Equal(t, uint16(1), hdr.QDCount)
	assert.Zero(t, hdr.ANCount)
	assert.Zero(t, hdr.NSCount)
	assert.Zero(t, hdr.ARCount)
	assert.Equal(t, uint16(0xBEEF), ID(packet))
}

func TestParseHeader_Short(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortPacket)
	assert.Zero(t, ID([]byte{1}))
}

func TestRefuse(t *testing.T) {
	query := new(dns.Msg)
	query.SetQuestion("tracker.ads.example.com.", dns.TypeA)
	query.Id = 0x1234
	query.RecursionDesired = true
	query.SetEdns0(1232, false)
	packet, err := query.Pack()
	require.NoError(t, err)

	original := append([]byte(nil), packet...)
	require.NoError(t, Refuse(packet))

	assert.Len(t, packet, len(original))
	assert.Equal(t, original[0:2], packet[0:2], "transaction id preserved")
	assert.Equal(t, original[4:], packet[4:], "counts and question preserved")

	hdr, err := ParseHeader(packet)
	require.NoError(t, err)
	assert.True(t, hdr.Response())
	assert.Equal(t, dns.RcodeRefused, hdr.Rcode())
	assert.True(t, hdr.RecursionDesired())
	assert.Equal(t, dns.OpcodeQuery, hdr.Opcode())

	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(packet))
	assert.True(t, reply.Response)
	assert.Equal(t, dns.RcodeRefused, reply.Rcode)
	assert.Equal(t, query.Id, reply.Id)
	assert.Equal(t, query.Question, reply.Question)
}

func TestRefuse_OverwritesExistingRcode(t *testing.T) {
	packet := make([]byte, HeaderSize)
	packet[3] = 0x03 // NXDOMAIN

	require.NoError(t, Refuse(packet))
	hdr, err := ParseHeader(packet)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeRefused, hdr.Rcode())
}

func TestRefuse_ShortPacket(t *testing.T) {
	packet := []byte{0xAB, 0xCD, 0x01}
	assert.ErrorIs(t, Refuse(packet), ErrShortPacket)
	assert.Equal(t, []byte{0xAB, 0xCD, 0x01}, packet, "short packets are not modified")
}
