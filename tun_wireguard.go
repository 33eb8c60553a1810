package masque

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

// wireguardTunDevice adapts a golang.zx2c4.com/wireguard/tun.Device (a real
// OS TUN interface) to the TunDevice interface SharedTun needs. The
// wireguard-go tun package is the same one the multihop-tunneling code in
// this corpus builds on; it's a far better fit here than hand-rolling
// per-platform ioctl/netlink code, since it already covers every OS this
// repo might run a server on.
type wireguardTunDevice struct {
	dev tun.Device
	mtu int
}

// NewWireguardTunDevice creates (or attaches to) an OS TUN interface named
// name with the given MTU, per spec §6's --tunMTU server flag.
func NewWireguardTunDevice(name string, mtu int) (TunDevice, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("masque: creating tun device %q: %w", name, err)
	}
	return &wireguardTunDevice{dev: dev, mtu: mtu}, nil
}

// ReadPacket reads a single raw IP packet. tun.Device's Read is batched;
// this adapter only ever asks for one packet at a time, since SharedTun's
// Serve loop processes packets one by one and every server in this corpus
// tunnels at most a few hundred concurrent streams, well under the rate
// where per-call batching would matter.
func (d *wireguardTunDevice) ReadPacket() ([]byte, error) {
	bufs := [][]byte{make([]byte, d.mtu+32)}
	sizes := make([]int, 1)
	for {
		n, err := d.dev.Read(bufs, sizes, 0)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		return bufs[0][:sizes[0]], nil
	}
}

func (d *wireguardTunDevice) WritePacket(b []byte) error {
	_, err := d.dev.Write([][]byte{b}, 0)
	return err
}

func (d *wireguardTunDevice) Close() error { return d.dev.Close() }

var _ TunDevice = (*wireguardTunDevice)(nil)
