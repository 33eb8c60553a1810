package masque

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ipVersion reads the IP version nibble out of a raw IP packet's first byte.
func ipVersion(b []byte) uint8 { return b[0] >> 4 }

// packetHeader is the subset of an IPv4/IPv6 header the shared tun router
// and the CONNECT-IP data path need: who sent it, who it's addressed to,
// and which upper-layer protocol it carries.
type packetHeader struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
}

// parsePacketHeader extracts src/dst/protocol from a raw IPv4 or IPv6
// packet. It is the Go equivalent of proxygen's PacketTranslator header
// reads used by MasqueUpstream's tun router and ConnectUDPClient's tun
// callback.
func parsePacketHeader(data []byte) (packetHeader, error) {
	if len(data) == 0 {
		return packetHeader{}, fmt.Errorf("masque: empty packet")
	}
	switch ipVersion(data) {
	case 4:
		if len(data) < ipv4.HeaderLen {
			return packetHeader{}, fmt.Errorf("masque: IPv4 packet too short (%d bytes)", len(data))
		}
		return packetHeader{
			Src:      netip.AddrFrom4([4]byte(data[12:16])),
			Dst:      netip.AddrFrom4([4]byte(data[16:20])),
			Protocol: data[9],
		}, nil
	case 6:
		if len(data) < ipv6.HeaderLen {
			return packetHeader{}, fmt.Errorf("masque: IPv6 packet too short (%d bytes)", len(data))
		}
		return packetHeader{
			Src:      netip.AddrFrom16([16]byte(data[8:24])),
			Dst:      netip.AddrFrom16([16]byte(data[24:40])),
			Protocol: data[6],
		}, nil
	default:
		return packetHeader{}, fmt.Errorf("masque: unknown IP version: %d", data[0]>>4)
	}
}

const (
	protoUDP = 17
	protoTCP = 6
)

// udpPayload is the outcome of locating a UDP datagram's payload inside a
// raw IP packet, mirroring proxygen's PacketTranslator::udpPayloadInfo.
type udpPayload struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// parseUDPPayload finds the UDP payload inside a raw IPv4 or IPv6 packet.
// It returns ok=false (not an error) for any packet that isn't a complete
// UDP datagram, since the tun callback that calls this silently ignores
// non-UDP traffic by design.
func parseUDPPayload(data []byte) (p udpPayload, ok bool) {
	hdr, err := parsePacketHeader(data)
	if err != nil || hdr.Protocol != protoUDP {
		return udpPayload{}, false
	}
	var ihl int
	switch ipVersion(data) {
	case 4:
		if len(data) < 1 {
			return udpPayload{}, false
		}
		ihl = int(data[0]&0x0f) * 4
	case 6:
		ihl = ipv6.HeaderLen // no extension header support, matching the original
	}
	if len(data) < ihl+8 {
		return udpPayload{}, false
	}
	udpHdr := data[ihl : ihl+8]
	length := int(binary.BigEndian.Uint16(udpHdr[4:6]))
	if length < 8 || ihl+length > len(data) {
		return udpPayload{}, false
	}
	return udpPayload{
		SrcAddr: hdr.Src,
		DstAddr: hdr.Dst,
		SrcPort: binary.BigEndian.Uint16(udpHdr[0:2]),
		DstPort: binary.BigEndian.Uint16(udpHdr[2:4]),
		Payload: data[ihl+8 : ihl+length],
	}, true
}

// BridgedUDPPayload is the subset of a parsed UDP/IP packet the client's
// CONNECT-UDP-over-tun bridge (cmd/client) needs to remember which peer a
// relayed datagram came from, so a later tunnel reply can be addressed back
// to it.
type BridgedUDPPayload struct {
	DstAddr netip.Addr
	DstPort uint16
	Payload []byte
}

// ParseUDPPayloadForBridge is the exported form of parseUDPPayload used by
// cmd/client's local tun bridge.
func ParseUDPPayloadForBridge(data []byte) (BridgedUDPPayload, bool) {
	p, ok := parseUDPPayload(data)
	if !ok {
		return BridgedUDPPayload{}, false
	}
	return BridgedUDPPayload{DstAddr: p.DstAddr, DstPort: p.DstPort, Payload: p.Payload}, true
}

// BuildUDPv4Packet is parseUDPPayload's inverse: it wraps payload in a
// minimal IPv4+UDP packet so a reply received over a CONNECT-UDP tunnel can
// be written back onto the client's local tun device. The UDP checksum is
// left at 0 (valid over IPv4, per RFC 768) rather than computed, matching
// the original's PacketTranslator, which also skips recomputing it on the
// injection path.
func BuildUDPv4Packet(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	const ipHdrLen = ipv4.HeaderLen
	const udpHdrLen = 8
	total := ipHdrLen + udpHdrLen + len(payload)
	b := make([]byte, total)

	b[0] = 0x45 // version 4, IHL 5 (no options)
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	b[8] = 64 // TTL
	b[9] = protoUDP
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(b[12:16], srcBytes[:])
	copy(b[16:20], dstBytes[:])
	binary.BigEndian.PutUint16(b[10:12], ipv4HeaderChecksum(b[:ipHdrLen]))

	udpHdr := b[ipHdrLen:]
	binary.BigEndian.PutUint16(udpHdr[0:2], srcPort)
	binary.BigEndian.PutUint16(udpHdr[2:4], dstPort)
	binary.BigEndian.PutUint16(udpHdr[4:6], uint16(udpHdrLen+len(payload)))
	copy(udpHdr[8:], payload)
	return b
}

// ipv4HeaderChecksum computes the one's-complement checksum over an IPv4
// header with the checksum field itself assumed zero.
func ipv4HeaderChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
