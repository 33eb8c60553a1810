package masque

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/stretchr/testify/require"
)

func TestParseAddressAssignCapsule(t *testing.T) {
	addr1 := quicvarint.Append(nil, 1337) // Request ID
	addr1 = append(addr1, 4)              // IPv4
	addr1 = append(addr1, netip.AddrFrom4([4]byte{1, 2, 3, 0}).AsSlice()...)
	addr1 = append(addr1, 24)             // IP Prefix Length
	addr2 := quicvarint.Append(nil, 1338) // Request ID
	addr2 = append(addr2, 6)              // IPv6
	addr2 = append(addr2, netip.MustParseAddr("2001:db8::1").AsSlice()...)
	addr2 = append(addr2, 128) // IP Prefix Length

	data := quicvarint.Append(nil, uint64(capsuleTypeAddressAssign))
	data = quicvarint.Append(data, uint64(len(addr1)+len(addr2))) // Length
	data = append(data, addr1...)
	data = append(data, addr2...)

	r := bytes.NewReader(data)
	typ, cr, err := http3.ParseCapsule(r)
	require.NoError(t, err)
	require.Equal(t, capsuleTypeAddressAssign, typ)
	capsule, err := parseAddressAssignCapsule(cr)
	require.NoError(t, err)
	require.Equal(t,
		[]AssignedAddress{
			{RequestID: 1337, IPPrefix: netip.MustParsePrefix("1.2.3.0/24")},
			{RequestID: 1338, IPPrefix: netip.MustParsePrefix("2001:db8::1/128")},
		},
		capsule.AssignedAddresses,
	)
	require.Zero(t, r.Len())
}

func TestParseAddressAssignCapsuleInvalid(t *testing.T) {
	t.Run("invalid IP version", func(t *testing.T) {
		addr1 := quicvarint.Append(nil, 1337) // Request ID
		addr1 = append(addr1, 5)              // Invalid IP version (not 4 or 6)
		addr1 = append(addr1, netip.AddrFrom4([4]byte{1, 2, 3, 4}).AsSlice()...)
		addr1 = append(addr1, 32) // IP Prefix Length
		data := quicvarint.Append(nil, uint64(capsuleTypeAddressAssign))
		data = quicvarint.Append(data, uint64(len(addr1))) // Length
		data = append(data, addr1...)

		_, cr, err := http3.ParseCapsule(bytes.NewReader(data))
		require.NoError(t, err)
		_, err = parseAddressAssignCapsule(cr)
		require.ErrorContains(t, err, "invalid IP version: 5")
	})

	t.Run("invalid prefix length", func(t *testing.T) {
		addr1 := quicvarint.Append(nil, 1337) // Request ID
		addr1 = append(addr1, 4)              // IPv4
		addr1 = append(addr1, netip.AddrFrom4([4]byte{1, 2, 3, 4}).AsSlice()...)
		addr1 = append(addr1, 33) // too long IP Prefix Length
		data := quicvarint.Append(nil, uint64(capsuleTypeAddressAssign))
		data = quicvarint.Append(data, uint64(len(addr1))) // Length
		data = append(data, addr1...)

		_, cr, err := http3.ParseCapsule(bytes.NewReader(data))
		require.NoError(t, err)
		_, err = parseAddressAssignCapsule(cr)
		require.ErrorContains(t, err, "prefix length 33 exceeds IP address length (32)")
	})

	t.Run("lower bits not covered by prefix length are not all zero", func(t *testing.T) {
		addr1 := quicvarint.Append(nil, 1337)                                    // Request ID
		addr1 = append(addr1, 4)                                                 // IPv4
		addr1 = append(addr1, netip.AddrFrom4([4]byte{1, 2, 3, 4}).AsSlice()...) // non-zero lower bits
		addr1 = append(addr1, 28)                                                // IP Prefix Length
		data := quicvarint.Append(nil, uint64(capsuleTypeAddressAssign))
		data = quicvarint.Append(data, uint64(len(addr1))) // Length
		data = append(data, addr1...)

		_, cr, err := http3.ParseCapsule(bytes.NewReader(data))
		require.NoError(t, err)
		_, err = parseAddressAssignCapsule(cr)
		require.ErrorContains(t, err, "lower bits not covered by prefix length are not all zero")
	})

	t.Run("incomplete capsule", func(t *testing.T) {
		addr1 := quicvarint.Append(nil, 1337) // Request ID
		addr1 = append(addr1, 4)              // IPv4
		addr1 = append(addr1, netip.AddrFrom4([4]byte{1, 2, 3, 4}).AsSlice()...)
		addr1 = append(addr1, 32) // IP Prefix Length
		data := quicvarint.Append(nil, uint64(capsuleTypeAddressAssign))
		data = quicvarint.Append(data, uint64(len(addr1))) // Length
		data = append(data, addr1...)

		_, cr, err := http3.ParseCapsule(bytes.NewReader(data))
		require.NoError(t, err)
		_, err = parseAddressAssignCapsule(cr)
		require.NoError(t, err)
		for i := range data {
			_, cr, err := http3.ParseCapsule(bytes.NewReader(data[:i]))
			if err != nil {
				if i == 0 {
					require.ErrorIs(t, err, io.EOF)
				} else {
					require.ErrorIs(t, err, io.ErrUnexpectedEOF)
				}
				continue
			}
			_, err = parseAddressAssignCapsule(cr)
			require.ErrorIs(t, err, io.ErrUnexpectedEOF)
		}
	})
}

func TestDataCapsuleRoundTrip(t *testing.T) {
	c := &dataCapsule{Data: []byte("hello world")}
	wire := c.Append(nil)
	parsed, err := ParseCapsule(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestDataCapsuleReservedContextID(t *testing.T) {
	var payload []byte
	payload = quicvarint.Append(payload, 7) // non-zero context ID
	payload = append(payload, []byte("payload")...)
	data := quicvarint.Append(nil, uint64(capsuleTypeData))
	data = quicvarint.Append(data, uint64(len(payload)))
	data = append(data, payload...)

	c, err := ParseCapsule(bytes.NewReader(data))
	require.ErrorIs(t, err, errReservedContextID)
	require.Equal(t, &dataCapsule{}, c)
}

func TestAddressRequestCapsuleRoundTrip(t *testing.T) {
	c := &addressRequestCapsule{
		RequestedAddresses: []RequestedAddress{
			{RequestID: 1, IPPrefix: netip.MustParsePrefix("10.0.0.0/8")},
			{RequestID: 2, IPPrefix: netip.MustParsePrefix("2001:db8::/32")},
		},
	}
	wire := c.Append(nil)
	parsed, err := ParseCapsule(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestAddressRequestCapsuleRequiresNonZeroRequestID(t *testing.T) {
	addr1 := quicvarint.Append(nil, 0) // Request ID 0, invalid
	addr1 = append(addr1, 4)
	addr1 = append(addr1, netip.AddrFrom4([4]byte{1, 2, 3, 0}).AsSlice()...)
	addr1 = append(addr1, 24)
	data := quicvarint.Append(nil, uint64(capsuleTypeAddressRequest))
	data = quicvarint.Append(data, uint64(len(addr1)))
	data = append(data, addr1...)

	_, err := ParseCapsule(bytes.NewReader(data))
	require.ErrorContains(t, err, "request ID 0")
}

func TestAddressRequestCapsuleRequiresAtLeastOneAddress(t *testing.T) {
	data := quicvarint.Append(nil, uint64(capsuleTypeAddressRequest))
	data = quicvarint.Append(data, 0) // zero-length payload

	_, err := ParseCapsule(bytes.NewReader(data))
	require.ErrorContains(t, err, "at least one address")
}

func TestRouteAdvertisementCapsuleRoundTrip(t *testing.T) {
	c := &routeAdvertisementCapsule{
		IPAddressRanges: []IPAddressRange{
			{
				StartIP:    netip.MustParseAddr("10.0.0.0"),
				EndIP:      netip.MustParseAddr("10.255.255.255"),
				IPProtocol: 4,
			},
			{
				StartIP:    netip.MustParseAddr("2001:db8::"),
				EndIP:      netip.MustParseAddr("2001:db8::ffff"),
				IPProtocol: 6,
			},
		},
	}
	wire := c.Append(nil)
	parsed, err := ParseCapsule(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestRouteAdvertisementCapsuleUnsorted(t *testing.T) {
	c := &routeAdvertisementCapsule{
		IPAddressRanges: []IPAddressRange{
			{
				StartIP:    netip.MustParseAddr("10.0.0.0"),
				EndIP:      netip.MustParseAddr("10.255.255.255"),
				IPProtocol: 4,
			},
			{
				// overlaps with the previous range's end: not sorted
				StartIP:    netip.MustParseAddr("10.128.0.0"),
				EndIP:      netip.MustParseAddr("10.200.0.0"),
				IPProtocol: 4,
			},
		},
	}
	wire := c.Append(nil)
	_, err := ParseCapsule(bytes.NewReader(wire))
	require.ErrorContains(t, err, "not sorted")
}

func TestUnknownCapsuleRoundTrip(t *testing.T) {
	data := quicvarint.Append(nil, 0x41)
	data = quicvarint.Append(data, 3)
	data = append(data, []byte("abc")...)

	c, err := ParseCapsule(bytes.NewReader(data))
	require.NoError(t, err)
	uc, ok := c.(*unknownCapsule)
	require.True(t, ok)
	require.Equal(t, http3.CapsuleType(0x41), uc.CapsuleType)

	// re-serializing an unknown capsule emits an empty payload
	wire := uc.Append(nil)
	reparsed, err := ParseCapsule(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Equal(t, &unknownCapsule{CapsuleType: 0x41}, reparsed)
}
