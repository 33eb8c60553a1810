package masque

import "time"

// Config collects the process-wide knobs that the original implementation
// kept as mutable globals (a fresh tun device's starting index, the
// datagram buffer sizes, the well-known MASQUE UDP port). Threading them
// through explicitly instead of reading package-level variables makes
// multiple Server/Client instances in the same process independent of each
// other, which the global-variable version could not guarantee.
type Config struct {
	// FirstTunNumber is the suffix of the tun device name (tunN) the proxy
	// creates; cmd/proxy creates a single device from it.
	FirstTunNumber int

	// DatagramWriteBufSize bounds how many datagrams an H3Socket buffers
	// before the transport is attached. DatagramReadBufSize is passed on
	// as DatagramOptions.ReadBufSize, which H3Socket does not use. The
	// proxygen original hardcodes both to 100.
	DatagramReadBufSize  int
	DatagramWriteBufSize int

	// MASQUEUDPPort records the MASQUE UDP port. Nothing in this module
	// reads it; every hop carries its own explicit port.
	MASQUEUDPPort int

	// IdleTimeout is how long a TunnelStream may go without any ingress
	// activity (body or datagram) before the demultiplexer tears it down.
	IdleTimeout time.Duration

	// MaxDatagramPacketSize bounds the scratch buffer the demultiplexer
	// reads one H3 datagram (or raw IP packet) into before relaying it.
	MaxDatagramPacketSize int
}

// DefaultConfig returns the configuration the proxygen original used in
// practice: 100-datagram buffers, tun0 as the first device, UDP port 443,
// and a 10s idle timeout matching spec's default
// --timeout flag.
func DefaultConfig() Config {
	return Config{
		FirstTunNumber:       0,
		DatagramReadBufSize:  100,
		DatagramWriteBufSize: 100,
		MASQUEUDPPort:        443,
		IdleTimeout:          10 * time.Second,
		MaxDatagramPacketSize: 1500,
	}
}
