package masque

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/quicvarint"
)

// Capsule types, per draft-ietf-masque-connect-ip and RFC 9297.
const (
	capsuleTypeData               http3.CapsuleType = 0x00
	capsuleTypeAddressAssign      http3.CapsuleType = 0x01
	capsuleTypeAddressRequest     http3.CapsuleType = 0x02
	capsuleTypeRouteAdvertisement http3.CapsuleType = 0x03
)

// Capsule is the tagged union of capsule payloads a MASQUE stream body can
// carry. Unknown capsule types decode to *unknownCapsule so that a forward
// compatible sender using a type we don't recognize doesn't break the
// stream.
type Capsule interface {
	// Type returns the capsule's wire type.
	Type() http3.CapsuleType
	// Append appends this capsule's wire encoding (type, length, payload) to b.
	Append(b []byte) []byte
}

func appendCapsule(b []byte, typ http3.CapsuleType, payload []byte) []byte {
	b = quicvarint.Append(b, uint64(typ))
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// contextIDZero is the varint encoding of context-id 0, the only context
// the tunnel data path uses; every datagram/DATA-capsule payload is
// prefixed with it.
var contextIDZero = quicvarint.Append(nil, 0)

// prependContextID returns a new slice holding contextID's varint encoding
// followed by b.
func prependContextID(b []byte, contextID uint64) []byte {
	prefix := quicvarint.Append(nil, contextID)
	return append(prefix, b...)
}

// dataCapsule carries an opaque tunneled payload on the request body. The
// context-id prefix (always 0 on the data path) is stripped on decode and
// re-added on encode; callers never see it.
type dataCapsule struct {
	Data []byte
}

func (c *dataCapsule) Type() http3.CapsuleType { return capsuleTypeData }

func (c *dataCapsule) Append(b []byte) []byte {
	payload := append(quicvarint.Append(nil, 0), c.Data...) // context-id 0
	return appendCapsule(b, capsuleTypeData, payload)
}

// errReservedContextID is returned (alongside a usable, empty capsule) when
// a DATA capsule carries a non-zero context ID. Per spec this is not a
// stream-fatal parse error: the capsule is simply dropped.
var errReservedContextID = errors.New("masque: reserved (non-zero) context ID")

func parseDataCapsule(r io.Reader) (*dataCapsule, error) {
	vr := quicvarint.NewReader(r)
	contextID, err := quicvarint.Read(vr)
	if err != nil {
		return nil, fmt.Errorf("masque: malformed DATA capsule: %w", err)
	}
	if contextID != 0 {
		return &dataCapsule{}, errReservedContextID
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("masque: malformed DATA capsule: %w", err)
	}
	return &dataCapsule{Data: data}, nil
}

// AssignedAddress represents an Assigned Address within an ADDRESS_ASSIGN capsule.
type AssignedAddress struct {
	RequestID uint64
	IPPrefix  netip.Prefix
}

// RequestedAddress represents a Requested Address within an ADDRESS_REQUEST capsule.
type RequestedAddress struct {
	RequestID uint64
	IPPrefix  netip.Prefix
}

// addressAssignCapsule represents an ADDRESS_ASSIGN capsule, sent by the
// proxy to assign the peer one or more address prefixes.
type addressAssignCapsule struct {
	AssignedAddresses []AssignedAddress
}

func (c *addressAssignCapsule) Type() http3.CapsuleType { return capsuleTypeAddressAssign }

func (c *addressAssignCapsule) Append(b []byte) []byte {
	var payload []byte
	for _, a := range c.AssignedAddresses {
		payload = appendAddress(payload, a.RequestID, a.IPPrefix)
	}
	return appendCapsule(b, capsuleTypeAddressAssign, payload)
}

// addressRequestCapsule represents an ADDRESS_REQUEST capsule, sent by the
// client to request address prefixes. It must carry at least one entry,
// each with a non-zero request ID.
type addressRequestCapsule struct {
	RequestedAddresses []RequestedAddress
}

func (c *addressRequestCapsule) Type() http3.CapsuleType { return capsuleTypeAddressRequest }

func (c *addressRequestCapsule) Append(b []byte) []byte {
	var payload []byte
	for _, a := range c.RequestedAddresses {
		payload = appendAddress(payload, a.RequestID, a.IPPrefix)
	}
	return appendCapsule(b, capsuleTypeAddressRequest, payload)
}

func appendAddress(b []byte, requestID uint64, prefix netip.Prefix) []byte {
	b = quicvarint.Append(b, requestID)
	addr := prefix.Addr()
	if addr.Is4() {
		b = append(b, 4)
	} else {
		b = append(b, 6)
	}
	b = append(b, addr.AsSlice()...)
	return append(b, byte(prefix.Bits()))
}

func parseAddressAssignCapsule(r io.Reader) (*addressAssignCapsule, error) {
	var assignedAddresses []AssignedAddress
	for {
		requestID, prefix, err := parseAddress(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		assignedAddresses = append(assignedAddresses, AssignedAddress{RequestID: requestID, IPPrefix: prefix})
	}
	return &addressAssignCapsule{AssignedAddresses: assignedAddresses}, nil
}

func parseAddressRequestCapsule(r io.Reader) (*addressRequestCapsule, error) {
	var requestedAddresses []RequestedAddress
	for {
		requestID, prefix, err := parseAddress(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if requestID == 0 {
			return nil, errors.New("masque: ADDRESS_REQUEST entry must not use request ID 0")
		}
		requestedAddresses = append(requestedAddresses, RequestedAddress{RequestID: requestID, IPPrefix: prefix})
	}
	if len(requestedAddresses) == 0 {
		return nil, errors.New("masque: ADDRESS_REQUEST must carry at least one address")
	}
	return &addressRequestCapsule{RequestedAddresses: requestedAddresses}, nil
}

func parseAddress(r io.Reader) (requestID uint64, prefix netip.Prefix, _ error) {
	vr := quicvarint.NewReader(r)
	requestID, err := quicvarint.Read(vr)
	if err != nil {
		return 0, netip.Prefix{}, err
	}
	ipVersion, err := vr.ReadByte()
	if err != nil {
		return 0, netip.Prefix{}, err
	}
	var ip netip.Addr
	switch ipVersion {
	case 4:
		var ipv4 [4]byte
		if _, err := io.ReadFull(r, ipv4[:]); err != nil {
			return 0, netip.Prefix{}, err
		}
		ip = netip.AddrFrom4(ipv4)
	case 6:
		var ipv6 [16]byte
		if _, err := io.ReadFull(r, ipv6[:]); err != nil {
			return 0, netip.Prefix{}, err
		}
		ip = netip.AddrFrom16(ipv6)
	default:
		return 0, netip.Prefix{}, fmt.Errorf("invalid IP version: %d", ipVersion)
	}
	prefixLen, err := vr.ReadByte()
	if err != nil {
		return 0, netip.Prefix{}, err
	}
	if int(prefixLen) > ip.BitLen() {
		return 0, netip.Prefix{}, fmt.Errorf("prefix length %d exceeds IP address length (%d)", prefixLen, ip.BitLen())
	}
	prefix = netip.PrefixFrom(ip, int(prefixLen))
	if prefix != prefix.Masked() {
		return 0, netip.Prefix{}, errors.New("lower bits not covered by prefix length are not all zero")
	}
	return requestID, prefix, nil
}

// IPAddressRange represents an IP Address Range within a ROUTE_ADVERTISEMENT capsule.
type IPAddressRange struct {
	StartIP    netip.Addr
	EndIP      netip.Addr
	IPProtocol uint8 // 4 or 6, per draft-ietf-masque-connect-ip
}

// IPRoute is the wire-level IPAddressRange under the name used by the
// CONNECT-IP connection API (AdvertiseRoute, Routes): a route is just an
// address range the peer is allowed to reach.
type IPRoute = IPAddressRange

// routeAdvertisementCapsule is sent by the proxy to advertise which
// destinations it is willing to route. Ranges must be sorted: IPv4 ranges
// before IPv6, then by IPProtocol, then each range's end strictly before
// the next range's start.
type routeAdvertisementCapsule struct {
	IPAddressRanges []IPAddressRange
}

func (c *routeAdvertisementCapsule) Type() http3.CapsuleType { return capsuleTypeRouteAdvertisement }

func (c *routeAdvertisementCapsule) Append(b []byte) []byte {
	var payload []byte
	for _, rg := range c.IPAddressRanges {
		payload = appendIPAddressRange(payload, rg)
	}
	return appendCapsule(b, capsuleTypeRouteAdvertisement, payload)
}

func appendIPAddressRange(b []byte, rg IPAddressRange) []byte {
	version := byte(6)
	if rg.StartIP.Is4() {
		version = 4
	}
	b = append(b, version)
	b = append(b, rg.StartIP.AsSlice()...)
	b = append(b, rg.EndIP.AsSlice()...)
	return append(b, rg.IPProtocol)
}

func parseRouteAdvertisementCapsule(r io.Reader) (*routeAdvertisementCapsule, error) {
	var ranges []IPAddressRange
	for {
		ipRange, err := parseIPAddressRange(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		ranges = append(ranges, ipRange)
	}
	if !routeRangesSorted(ranges) {
		return nil, errors.New("masque: ROUTE_ADVERTISEMENT ranges are not sorted")
	}
	return &routeAdvertisementCapsule{IPAddressRanges: ranges}, nil
}

func parseIPAddressRange(r io.Reader) (IPAddressRange, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return IPAddressRange{}, err
	}
	ipVersion := buf[0]

	var startIP, endIP netip.Addr
	switch ipVersion {
	case 4:
		var start, end [4]byte
		if _, err := io.ReadFull(r, start[:]); err != nil {
			return IPAddressRange{}, err
		}
		if _, err := io.ReadFull(r, end[:]); err != nil {
			return IPAddressRange{}, err
		}
		startIP = netip.AddrFrom4(start)
		endIP = netip.AddrFrom4(end)
	case 6:
		var start, end [16]byte
		if _, err := io.ReadFull(r, start[:]); err != nil {
			return IPAddressRange{}, err
		}
		if _, err := io.ReadFull(r, end[:]); err != nil {
			return IPAddressRange{}, err
		}
		startIP = netip.AddrFrom16(start)
		endIP = netip.AddrFrom16(end)
	default:
		return IPAddressRange{}, fmt.Errorf("invalid IP version: %d", ipVersion)
	}

	if startIP.Compare(endIP) > 0 {
		return IPAddressRange{}, errors.New("start IP is greater than end IP")
	}

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return IPAddressRange{}, err
	}
	protocol := buf[0]
	if protocol != 4 && protocol != 6 {
		return IPAddressRange{}, fmt.Errorf("invalid protocol: %d", protocol)
	}
	return IPAddressRange{
		StartIP:    startIP,
		EndIP:      endIP,
		IPProtocol: protocol,
	}, nil
}

// routeRangesSorted checks the tri-level comparator draft-ietf-masque-connect-ip
// §4.6.3 requires: IPv4 ranges sort before IPv6, then by protocol, then each
// range's end must precede the following range's start.
func routeRangesSorted(ranges []IPAddressRange) bool {
	for i := 1; i < len(ranges); i++ {
		a, b := ranges[i-1], ranges[i]
		if a.StartIP.Is4() != b.StartIP.Is4() {
			if !a.StartIP.Is4() {
				return false
			}
			continue
		}
		if a.IPProtocol != b.IPProtocol {
			if a.IPProtocol > b.IPProtocol {
				return false
			}
			continue
		}
		if a.EndIP.Compare(b.StartIP) >= 0 {
			return false
		}
	}
	return true
}

// unknownCapsule preserves the numeric type tag of a capsule type this
// implementation doesn't recognize, per RFC 9297 §3.2. Re-serializing it
// always emits an empty payload since the original payload meaning is lost.
type unknownCapsule struct {
	CapsuleType http3.CapsuleType
}

func (c *unknownCapsule) Type() http3.CapsuleType { return c.CapsuleType }

func (c *unknownCapsule) Append(b []byte) []byte {
	return appendCapsule(b, c.CapsuleType, nil)
}

// CapsuleParseError wraps a capsule payload that failed to parse (malformed
// contents, not a stream-level read failure). The capsule's body has
// already been drained by the time this is returned, so the underlying
// reader is correctly positioned at the next capsule: the caller should log
// and keep reading rather than tear down the stream.
type CapsuleParseError struct {
	CapsuleType http3.CapsuleType
	Err         error
}

func (e *CapsuleParseError) Error() string {
	return fmt.Sprintf("masque: malformed capsule (type 0x%x): %v", uint64(e.CapsuleType), e.Err)
}

func (e *CapsuleParseError) Unwrap() error { return e.Err }

// ParseCapsule reads exactly one capsule from r, dispatching on its type. A
// failure to even find the next capsule's type/length (r exhausted or its
// varints corrupted) is returned unwrapped: the stream can no longer be
// read at all. A failure to parse a well-framed capsule's payload is
// returned wrapped in *CapsuleParseError, after draining the remainder of
// the payload, so the caller can safely drop the capsule and keep reading:
// per spec, a malformed capsule never by itself terminates a MASQUE stream.
func ParseCapsule(r quicvarint.Reader) (Capsule, error) {
	typ, cr, err := http3.ParseCapsule(r)
	if err != nil {
		return nil, err
	}
	c, err := parseCapsulePayload(typ, cr)
	if err != nil {
		io.Copy(io.Discard, cr)
		if !errors.Is(err, errReservedContextID) {
			err = &CapsuleParseError{CapsuleType: typ, Err: err}
		}
	}
	return c, err
}

func parseCapsulePayload(typ http3.CapsuleType, cr io.Reader) (Capsule, error) {
	switch typ {
	case capsuleTypeData:
		return parseDataCapsule(cr)
	case capsuleTypeAddressAssign:
		return parseAddressAssignCapsule(cr)
	case capsuleTypeAddressRequest:
		return parseAddressRequestCapsule(cr)
	case capsuleTypeRouteAdvertisement:
		return parseRouteAdvertisementCapsule(cr)
	default:
		return &unknownCapsule{CapsuleType: typ}, nil
	}
}
