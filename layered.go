package masque

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// h3DatagramOverhead is the per-hop allowance subtracted from the MTU
// budget for HTTP/3 datagram framing (the capsule type/length varints the
// wire format doesn't actually add to datagrams, but the context-id varint
// always does) plus the context-id prefix itself. One byte covers the
// common case (context-id 0 always encodes as a single byte); the extra
// margin matches the original's generous H3_OVERHEAD constant.
const h3DatagramOverhead = 8

// ipv4HeaderOverhead is the additional budget a CONNECT-IP hop consumes:
// the client writes/reads full IP packets over that hop, so every nested
// hop beneath it needs room for one more IP header.
const ipv4HeaderOverhead = ipv4.HeaderLen

// OptionPair describes one hop of a client's layered MASQUE chain, as
// assembled from the parallel-array CLI flags in spec §6.
type OptionPair struct {
	Mode              string // "connect-udp" or "connect-ip"
	Host              string
	Port              string
	Path              string // request path; ignored for connect-udp (derived from Host/Port)
	UDPSendPacketLen  int
	MaxRecvPacketSize int
	CC                string
	FramePerPacket    bool
	NumTransactions   int
}

// ParseHopOptions zips the parallel CLI arrays from spec §6 into one
// []OptionPair, rejecting mismatched lengths the way the original's
// H3DatagramClient constructor does.
func ParseHopOptions(modes, hosts, ports []string, udpSendPacketLens, maxRecvPacketSizes []int, ccs []string, framePerPackets []bool) ([]OptionPair, error) {
	n := len(modes)
	if len(hosts) != n || len(ports) != n || len(udpSendPacketLens) != n ||
		len(maxRecvPacketSizes) != n || len(ccs) != n || len(framePerPackets) != n {
		return nil, errors.New("masque: hop option arrays must all have the same length")
	}
	if n == 0 {
		return nil, errors.New("masque: at least one hop is required")
	}
	hops := make([]OptionPair, n)
	for i := range hops {
		hops[i] = OptionPair{
			Mode:              modes[i],
			Host:              hosts[i],
			Port:              ports[i],
			UDPSendPacketLen:  udpSendPacketLens[i],
			MaxRecvPacketSize: maxRecvPacketSizes[i],
			CC:                ccs[i],
			FramePerPacket:    framePerPackets[i],
		}
	}
	return hops, nil
}

// HopDialer opens one hop of the chain: it dials (or reuses) a QUIC
// connection over lower, issues the hop's CONNECT-UDP/CONNECT-IP request,
// and returns the resulting H3Socket. Actually establishing the QUIC
// transport belongs to the client wiring (client.go), not here — layered.go
// only owns the chain-building and MTU-budget bookkeeping from spec §4.3.
type HopDialer func(ctx context.Context, lower net.PacketConn, hop OptionPair, outermost bool) (*H3Socket, error)

// LayeredSocket is a socket in a layered MASQUE chain: besides moving
// datagrams, it reports the MTU budget remaining for whatever the caller
// tunnels through it.
type LayeredSocket interface {
	net.PacketConn
	// MaxSendSize is the outermost hop's UDPSendPacketLen minus that hop's
	// own framing overhead (and, for CONNECT-IP, its IP header allowance).
	// The budgets of the hops beneath it do not lower this value.
	MaxSendSize() int
}

type layeredSocket struct {
	*H3Socket
	maxSendSize int
}

func (l *layeredSocket) MaxSendSize() int { return l.maxSendSize }

// LayeredConnectUDPSocket is the outermost socket of a chain whose last hop
// is a CONNECT-UDP transaction.
type LayeredConnectUDPSocket struct{ *layeredSocket }

// LayeredConnectIPSocket is the outermost socket of a chain whose last hop
// is a CONNECT-IP transaction.
type LayeredConnectIPSocket struct{ *layeredSocket }

var (
	_ LayeredSocket = LayeredConnectUDPSocket{}
	_ LayeredSocket = LayeredConnectIPSocket{}
)

// TransactionID identifies one transaction opened on a multi-transaction
// outermost hop. 0 always names the default transaction (spec §4.2's "the
// first stream becomes the default stream id").
type TransactionID int

// NewTransactionCallback is invoked once per transaction opened on the
// outermost hop, in opening order starting at TransactionID(0). A
// CONNECT-IP outermost hop typically uses this to spawn a dedicated TUN
// device per transaction (see cmd/client/main.go).
type NewTransactionCallback func(id TransactionID, sock *H3Socket)

// ErrNotFound is returned by TransactionSet.WriteToTransaction when asked
// to address a transaction ID that was never opened.
var ErrNotFound = errors.New("masque: unknown stream id")

// TransactionSet is the outermost socket of a chain whose last hop opened
// more than one parallel transaction over the same underlying HTTP/3
// session (spec §3/§4.2's "options.transactions" parallelism). The
// embedded layeredSocket wraps the default (first-opened) transaction, so
// a TransactionSet still satisfies LayeredSocket for callers that only
// ever address the default stream; WriteToTransaction reaches the rest.
type TransactionSet struct {
	*layeredSocket

	mu   sync.RWMutex
	byID map[TransactionID]*H3Socket
}

func newTransactionSet(defaultSock *H3Socket, maxSend int) *TransactionSet {
	return &TransactionSet{
		layeredSocket: &layeredSocket{H3Socket: defaultSock, maxSendSize: maxSend},
		byID:          map[TransactionID]*H3Socket{0: defaultSock},
	}
}

func (t *TransactionSet) add(id TransactionID, sock *H3Socket) {
	t.mu.Lock()
	t.byID[id] = sock
	t.mu.Unlock()
}

// WriteToTransaction addresses a datagram write at a specific transaction
// rather than the default stream, failing ErrNotFound if id was never
// opened.
func (t *TransactionSet) WriteToTransaction(id TransactionID, p []byte) (int, error) {
	t.mu.RLock()
	sock, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	return sock.WriteTo(p, nil)
}

// Transactions reports every transaction ID opened on the set; closing a
// transaction does not remove its ID.
func (t *TransactionSet) Transactions() []TransactionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]TransactionID, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every transaction in the set.
func (t *TransactionSet) Close() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var first error
	for _, sock := range t.byID {
		if err := sock.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ LayeredSocket = (*TransactionSet)(nil)

// BuildLayeredSocket wires hops[0..n) into a nested chain atop base
// (typically a freshly dialed UDP socket), per spec §4.3: each hop's
// transaction is opened over the previous hop's socket, and each hop's
// budget is its own UDPSendPacketLen minus an H3 overhead allowance (plus,
// for CONNECT-IP hops, an IP header allowance). Any hop whose budget comes
// out non-positive fails the build; the outermost hop's budget is the one
// the returned socket reports, and it is not capped by the hops beneath it.
// The outermost socket's concrete type matches the outermost hop's mode.
func BuildLayeredSocket(ctx context.Context, base net.PacketConn, hops []OptionPair, dial HopDialer) (LayeredSocket, error) {
	if len(hops) == 0 {
		return nil, errors.New("masque: at least one hop is required")
	}
	var cur net.PacketConn = base
	maxSend := 0
	var last *H3Socket
	for i, hop := range hops {
		outermost := i == len(hops)-1
		sock, err := dial(ctx, cur, hop, outermost)
		if err != nil {
			return nil, fmt.Errorf("masque: opening hop %d (%s %s:%s): %w", i, hop.Mode, hop.Host, hop.Port, err)
		}
		maxSend = hop.UDPSendPacketLen - h3DatagramOverhead
		if hop.Mode == connectIPRequestProtocol {
			maxSend -= ipv4HeaderOverhead
		}
		if maxSend <= 0 {
			return nil, fmt.Errorf("masque: MTU budget exhausted at hop %d (UDPSendPacketLen=%d)", i, hop.UDPSendPacketLen)
		}
		cur = sock
		last = sock
	}
	wrapped := &layeredSocket{H3Socket: last, maxSendSize: maxSend}
	outermost := hops[len(hops)-1]
	if outermost.Mode == connectIPRequestProtocol {
		return LayeredConnectIPSocket{wrapped}, nil
	}
	return LayeredConnectUDPSocket{wrapped}, nil
}
