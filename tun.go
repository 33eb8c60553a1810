package masque

import (
	"errors"
	"io"
	"net/netip"
	"sync"
)

// TunDevice is the packet source/sink a SharedTun routes through. It is the
// seam spec.md names as an external collaborator ("the concrete TUN device
// driver"): this package never touches an OS ioctl or syscall to create a
// real interface, it only defines what SharedTun needs from one. Production
// wiring supplies a driver-backed implementation (e.g. backed by
// golang.zx2c4.com/wireguard/tun); tests use newPipeTunDevice below.
type TunDevice interface {
	// ReadPacket blocks until a packet is available and returns it.
	ReadPacket() ([]byte, error)
	// WritePacket writes a single raw IP packet to the device.
	WritePacket([]byte) error
	// Close releases the device. Pending ReadPacket calls must return an error.
	Close() error
}

// pipeTunDevice is an in-memory TunDevice double. It exists so SharedTun and
// the demultiplexer's IP-mode path can be exercised without a real OS TUN
// interface, which the test environment has no way to create.
type pipeTunDevice struct {
	mu     sync.Mutex
	closed bool
	inbox  chan []byte // packets written to the device by a peer (e.g. a test)
	outbox chan []byte // packets the device itself writes (Write)
}

func newPipeTunDevice() *pipeTunDevice {
	return &pipeTunDevice{
		inbox:  make(chan []byte, 64),
		outbox: make(chan []byte, 64),
	}
}

var errTunClosed = errors.New("masque: tun device closed")

func (t *pipeTunDevice) ReadPacket() ([]byte, error) {
	p, ok := <-t.inbox
	if !ok {
		return nil, errTunClosed
	}
	return p, nil
}

func (t *pipeTunDevice) WritePacket(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTunClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case t.outbox <- cp:
		return nil
	default:
		return errors.New("masque: tun device write buffer full")
	}
}

func (t *pipeTunDevice) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.inbox)
	close(t.outbox)
	return nil
}

// injectFromNetwork simulates a packet arriving on the device from the
// "outside", as if routed there by the kernel. Test-only.
func (t *pipeTunDevice) injectFromNetwork(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTunClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case t.inbox <- cp:
		return nil
	default:
		return errors.New("masque: tun device read buffer full")
	}
}

// writtenPacket reads one packet the device itself wrote, blocking until
// one is available or the device closes. Test-only.
func (t *pipeTunDevice) writtenPacket() ([]byte, error) {
	p, ok := <-t.outbox
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

// subnetGenerator hands out successive /31 subnets starting from a base
// network, mirroring ConnectUDPClient's SubNetGenerator and
// MasqueUpstream's SharedTun subnet counter.
type subnetGenerator struct {
	base    netip.Prefix
	nextNum uint32
}

func newSubnetGenerator(network netip.Prefix) *subnetGenerator {
	return &subnetGenerator{base: network}
}

var errSubnetExhausted = errors.New("masque: tun subnet exhausted: no /31 left in the configured network")

// next returns the base address of the next /31 subnet carved out of the
// generator's network, or errSubnetExhausted once the network's host space
// (bounded by its prefix length) has been handed out entirely.
func (g *subnetGenerator) next() (netip.Addr, error) {
	addr := g.base.Addr()
	if !addr.Is4() {
		return netip.Addr{}, errors.New("masque: IPv6 tun subnet allocation not supported")
	}
	hostBits := uint(32 - g.base.Bits())
	hostSpace := uint32(1) << hostBits
	if (uint32(g.nextNum)+1)*2 >= hostSpace {
		return netip.Addr{}, errSubnetExhausted
	}
	g.nextNum++
	v4 := addr.As4()
	n := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	n += g.nextNum * 2
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), nil
}
