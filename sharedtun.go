package masque

import (
	"fmt"
	"log"
	"net/netip"
	"sync"
)

// sharedTunCallback receives packets routed to a specific assigned address.
// A TunnelStream in IP mode implements this to hand inbound packets off to
// its HTTP/3 stream.
type sharedTunCallback interface {
	onPacket(data []byte)
}

// SharedTun fans a single OS tun device out across every CONNECT-IP stream
// on the server, matching proxygen's MasqueUpstream::SharedTun: one kernel
// interface, one shared /24 (or similar) subnet, each stream getting its
// own /31 carved out of it and a slot in a destination-keyed dispatch map.
//
// Writes to the underlying device come from many goroutines (one per
// stream); SharedTun itself does not serialize them beyond what TunDevice's
// WritePacket already guarantees. Reads happen on a single dedicated
// goroutine (run by Serve), so the registration map only needs to support
// concurrent reads racing concurrent inserts/deletes.
type SharedTun struct {
	device TunDevice

	subnetGen *subnetGenerator

	mu          sync.RWMutex
	byAddr      map[netip.Addr]sharedTunCallback
	subnetBits  int
}

// NewSharedTun wraps device, allocating assigned addresses out of network.
// network's prefix length must be <= 24, matching the original's
// `CHECK(tunDevice->getTunSubnet().second <= 24)`.
func NewSharedTun(device TunDevice, network netip.Prefix) (*SharedTun, error) {
	if network.Bits() > 24 {
		return nil, fmt.Errorf("masque: tun network %s is narrower than /24", network)
	}
	return &SharedTun{
		device:     device,
		subnetGen:  newSubnetGenerator(network),
		byAddr:     make(map[netip.Addr]sharedTunCallback),
		subnetBits: network.Bits(),
	}, nil
}

// Register allocates a fresh /31 for a new CONNECT-IP stream and arranges
// for packets destined to its address to be delivered to cb. It mirrors
// MasqueUpstream::registerTransaction.
func (t *SharedTun) Register(cb sharedTunCallback) (netip.Addr, error) {
	addr, err := t.subnetGen.next()
	if err != nil {
		return netip.Addr{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byAddr[addr]; exists {
		return netip.Addr{}, fmt.Errorf("masque: address %s already registered", addr)
	}
	t.byAddr[addr] = cb
	return addr, nil
}

// Unregister removes a previously registered address, e.g. when its stream
// closes.
func (t *SharedTun) Unregister(addr netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byAddr, addr)
}

// Write sends a raw IP packet out through the shared device.
func (t *SharedTun) Write(data []byte) error {
	return t.device.WritePacket(data)
}

// Serve reads packets off the device and dispatches them by destination
// address until the device is closed. Unroutable packets are dropped with
// a log line, matching the original's onPacket "no registered transaction"
// warning.
func (t *SharedTun) Serve() error {
	for {
		data, err := t.device.ReadPacket()
		if err != nil {
			return err
		}
		hdr, err := parsePacketHeader(data)
		if err != nil {
			continue
		}
		t.mu.RLock()
		cb, ok := t.byAddr[hdr.Dst]
		t.mu.RUnlock()
		if !ok {
			log.Printf("masque: dropping packet for unregistered address %s", hdr.Dst)
			continue
		}
		cb.onPacket(data)
	}
}

// Close releases the underlying device, unblocking any in-progress Serve.
func (t *SharedTun) Close() error {
	return t.device.Close()
}

// streamCount reports how many addresses are currently registered. Test-only.
func (t *SharedTun) streamCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byAddr)
}
