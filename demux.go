package masque

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/yosida95/uritemplate/v3"
)

// streamMode distinguishes a TunnelStream's upstream kind.
type streamMode int

const (
	streamModeUDP streamMode = iota
	streamModeIP
)

// TunnelStream is one accepted CONNECT-UDP/CONNECT-IP transaction: an
// H3Socket plus whichever upstream collaborator its datagrams are relayed
// to and from (spec §4.4's UDP/IP variant of QuicStream).
type TunnelStream struct {
	id   quic.StreamID
	mode streamMode
	sock *H3Socket

	upstream *net.UDPConn // UDP mode only

	tun        *SharedTun // IP mode only
	assignedIP netip.Addr // IP mode only

	// advertisedRoutes mirrors the ROUTE_ADVERTISEMENT most recently sent to
	// this stream (initialized to the full IPv4 range in upgradeIP and set to
	// the same full range again by handleAddressRequest) — egress into the
	// shared TUN is only allowed
	// when it matches, mirroring ProxiedIPConn.handleIncomingPacket's
	// client-side checks in conn_ip.go.
	advertisedRoutes atomic.Pointer[[]IPRoute]

	lastActivity atomic.Int64 // unix nanos; touched on every egress/ingress

	closeOnce sync.Once
}

// allowedSourcePrefix is the only source address this stream may originate
// packets from: its assigned /32 (or /128).
func (ts *TunnelStream) allowedSourcePrefix() netip.Prefix {
	return netip.PrefixFrom(ts.assignedIP, ts.assignedIP.BitLen())
}

// validateEgress checks a whole IP packet the client wants forwarded into
// the shared TUN device against this stream's assigned source prefix and
// most recently advertised routes, the server-side half of the
// source-in-assigned-prefix / destination-in-advertised-route check
// conn_ip.go's handleIncomingPacket performs client-side.
func (ts *TunnelStream) validateEgress(data []byte) error {
	hdr, err := parsePacketHeader(data)
	if err != nil {
		return err
	}
	if !ts.allowedSourcePrefix().Contains(hdr.Src) {
		return fmt.Errorf("masque: stream %d: source address %s outside assigned prefix %s", ts.id, hdr.Src, ts.allowedSourcePrefix())
	}
	routes := ts.advertisedRoutes.Load()
	if routes == nil {
		return fmt.Errorf("masque: stream %d: no route advertised yet, refusing destination %s", ts.id, hdr.Dst)
	}
	allowed := slices.ContainsFunc(*routes, func(r IPRoute) bool {
		if r.StartIP.Compare(hdr.Dst) > 0 || hdr.Dst.Compare(r.EndIP) > 0 {
			return false
		}
		return r.IPProtocol == 0 || r.IPProtocol == ipVersion(data)
	})
	if !allowed {
		return fmt.Errorf("masque: stream %d: destination %s (protocol %d) outside advertised routes", ts.id, hdr.Dst, hdr.Protocol)
	}
	return nil
}

func (ts *TunnelStream) touch() { ts.lastActivity.Store(time.Now().UnixNano()) }

// onPacket implements sharedTunCallback: a packet arrived from the shared
// TUN device addressed to this stream's assigned IP and must be relayed to
// the client as an H3 datagram.
func (ts *TunnelStream) onPacket(data []byte) {
	ts.touch()
	if _, err := ts.sock.WriteTo(data, nil); err != nil {
		log.Printf("masque: relaying TUN packet to stream %d failed: %v", ts.id, err)
	}
}

func (ts *TunnelStream) Close() error {
	var err error
	ts.closeOnce.Do(func() {
		if ts.mode == streamModeIP {
			ts.tun.Unregister(ts.assignedIP)
		} else if ts.upstream != nil {
			ts.upstream.Close()
		}
		err = ts.sock.Close()
	})
	return err
}

// StreamSocketMap is the concurrent stream-id → TunnelStream table spec §5
// calls for: many concurrent readers (egress callbacks, idle sweeps), the
// demultiplexer is the only writer.
type StreamSocketMap struct {
	mu   sync.RWMutex
	byID map[quic.StreamID]*TunnelStream
}

func newStreamSocketMap() *StreamSocketMap {
	return &StreamSocketMap{byID: make(map[quic.StreamID]*TunnelStream)}
}

func (m *StreamSocketMap) insert(id quic.StreamID, ts *TunnelStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = ts
}

func (m *StreamSocketMap) get(id quic.StreamID) (*TunnelStream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.byID[id]
	return ts, ok
}

func (m *StreamSocketMap) delete(id quic.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

func (m *StreamSocketMap) snapshot() []*TunnelStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TunnelStream, 0, len(m.byID))
	for _, ts := range m.byID {
		out = append(out, ts)
	}
	return out
}

func (m *StreamSocketMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Demux is the server-side MASQUE demultiplexer (spec §4.4): it validates
// and upgrades incoming CONNECT-UDP/CONNECT-IP requests, wires each
// accepted stream's datagram path to its upstream (a dialed UDP socket, or
// the shared TUN device), and expires idle streams.
type Demux struct {
	cfg Config
	tun *SharedTun

	udpTemplate *uritemplate.Template
	ipTemplate  *uritemplate.Template

	streams *StreamSocketMap

	stopIdle chan struct{}
	idleOnce sync.Once
}

// NewDemux builds a demultiplexer for requests addressed to host (the
// :authority every CONNECT request must match). tun may be nil if
// CONNECT-IP support isn't wanted; CONNECT-IP requests are then rejected.
func NewDemux(cfg Config, host string, tun *SharedTun) *Demux {
	d := &Demux{
		cfg:         cfg,
		tun:         tun,
		udpTemplate: uritemplate.MustNew(fmt.Sprintf("https://%s/.well-known/masque/udp/{target_host}/{target_port}/", host)),
		ipTemplate:  uritemplate.MustNew(fmt.Sprintf("https://%s/.well-known/masque/ip", host)),
		streams:     newStreamSocketMap(),
		stopIdle:    make(chan struct{}),
	}
	go d.expireIdleStreams()
	return d
}

// Upgrade handles one accepted HTTP/3 request: spec §4.4 step 1's
// validation, then dispatch to the UDP or IP upgrade path.
func (d *Demux) Upgrade(w http.ResponseWriter, r *http.Request) error {
	switch r.Proto {
	case connectUDPRequestProtocol:
		return d.upgradeUDP(w, r)
	case connectIPRequestProtocol:
		return d.upgradeIP(w, r)
	default:
		w.WriteHeader(http.StatusNotImplemented)
		return fmt.Errorf("masque: unexpected protocol: %s", r.Proto)
	}
}

func (d *Demux) upgradeUDP(w http.ResponseWriter, r *http.Request) error {
	req, err := ParseConnectUDPRequest(r, d.udpTemplate)
	if err != nil {
		return d.reject(w, err)
	}
	addr, err := net.ResolveUDPAddr("udp", req.Target)
	if err != nil {
		w.WriteHeader(http.StatusGatewayTimeout)
		return fmt.Errorf("masque: resolving target %s: %w", req.Target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return fmt.Errorf("masque: dialing target %s: %w", req.Target, err)
	}
	w.Header().Set(capsuleHeader, capsuleProtocolHeaderValue)
	w.WriteHeader(http.StatusOK)
	str := w.(http3.HTTPStreamer).HTTPStream()
	sock := newH3Socket(str, conn.LocalAddr(), DatagramOptions{
		ReadBufSize:  d.cfg.DatagramReadBufSize,
		WriteBufSize: d.cfg.DatagramWriteBufSize,
	})
	ts := &TunnelStream{id: str.StreamID(), mode: streamModeUDP, sock: sock, upstream: conn}
	ts.touch()
	d.streams.insert(ts.id, ts)
	go d.relayUDPEgress(ts)
	go d.relayDatagramIngress(ts)
	return nil
}

func (d *Demux) upgradeIP(w http.ResponseWriter, r *http.Request) error {
	if d.tun == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return errors.New("masque: CONNECT-IP not supported by this server")
	}
	if _, err := ParseConnectIPRequest(r, d.ipTemplate); err != nil {
		return d.reject(w, err)
	}
	w.Header().Set(capsuleHeader, capsuleProtocolHeaderValue)
	w.WriteHeader(http.StatusOK)
	str := w.(http3.HTTPStreamer).HTTPStream()
	sock := newH3Socket(str, nil, DatagramOptions{
		ReadBufSize:  d.cfg.DatagramReadBufSize,
		WriteBufSize: d.cfg.DatagramWriteBufSize,
		OwnsBody:     true,
	})
	ts := &TunnelStream{id: str.StreamID(), mode: streamModeIP, sock: sock, tun: d.tun}
	assigned, err := d.tun.Register(ts)
	if err != nil {
		sock.Close()
		w.WriteHeader(http.StatusInternalServerError)
		return fmt.Errorf("masque: registering stream with shared tun: %w", err)
	}
	ts.assignedIP = assigned
	// Until the client sends its own ADDRESS_REQUEST, allow the full IPv4
	// range so flows that never negotiate one keep working;
	// handleAddressRequest stores the same range when it advertises it.
	defaultRoutes := []IPRoute{{StartIP: netip.IPv4Unspecified(), EndIP: netip.AddrFrom4([4]byte{255, 255, 255, 255}), IPProtocol: 4}}
	ts.advertisedRoutes.Store(&defaultRoutes)
	ts.touch()
	d.streams.insert(ts.id, ts)

	prefix := netip.PrefixFrom(assigned, assigned.BitLen())
	if err := sock.writeBody((&addressAssignCapsule{
		AssignedAddresses: []AssignedAddress{{RequestID: 0, IPPrefix: prefix}},
	}).Append(nil)); err != nil {
		log.Printf("masque: sending initial ADDRESS_ASSIGN to stream %d failed: %v", ts.id, err)
	}

	go d.relayDatagramIngress(ts)
	go d.relayBodyIngress(ts)
	return nil
}

func (d *Demux) reject(w http.ResponseWriter, err error) error {
	var parseErr *RequestParseError
	if errors.As(err, &parseErr) {
		w.WriteHeader(parseErr.HTTPStatus)
	} else {
		w.WriteHeader(http.StatusBadRequest)
	}
	return err
}

// relayUDPEgress copies bytes read off the dialed upstream UDP socket to
// the client as H3 datagrams (spec §4.4 "Egress" UDP mode).
func (d *Demux) relayUDPEgress(ts *TunnelStream) {
	b := make([]byte, 1500)
	for {
		n, err := ts.upstream.Read(b)
		if err != nil {
			return
		}
		ts.touch()
		if _, err := ts.sock.WriteTo(b[:n], nil); err != nil {
			log.Printf("masque: relaying upstream datagram to stream %d failed: %v", ts.id, err)
			return
		}
	}
}

// relayDatagramIngress reads client-sent H3 datagrams off the stream and
// forwards them to the stream's upstream (spec §4.4 "Ingress datagram
// path"): H3Socket.ReadFrom already strips context-id framing and drops
// non-zero contexts, so this loop only needs to forward the remainder.
func (d *Demux) relayDatagramIngress(ts *TunnelStream) {
	b := make([]byte, d.cfg.MaxDatagramPacketSize)
	for {
		n, _, err := ts.sock.ReadFrom(b)
		if err != nil {
			d.closeStream(ts)
			return
		}
		ts.touch()
		switch ts.mode {
		case streamModeUDP:
			if _, err := ts.upstream.Write(b[:n]); err != nil {
				log.Printf("masque: forwarding datagram from stream %d failed: %v", ts.id, err)
				d.closeStream(ts)
				return
			}
		case streamModeIP:
			if err := ts.validateEgress(b[:n]); err != nil {
				log.Printf("masque: dropping datagram from stream %d: %v", ts.id, err)
				continue
			}
			if err := ts.tun.Write(b[:n]); err != nil {
				log.Printf("masque: forwarding IP packet from stream %d failed: %v", ts.id, err)
				d.closeStream(ts)
				return
			}
		}
	}
}

// relayBodyIngress reads capsules off the stream body (CONNECT-IP only,
// spec §4.4 "Ingress body path").
func (d *Demux) relayBodyIngress(ts *TunnelStream) {
	r := quicvarint.NewReader(ts.sock.str)
	for {
		c, err := ParseCapsule(r)
		if err != nil {
			if errors.Is(err, errReservedContextID) {
				continue
			}
			var parseErr *CapsuleParseError
			if errors.As(err, &parseErr) {
				log.Printf("masque: dropping malformed capsule on stream %d: %v", ts.id, parseErr)
				continue
			}
			d.closeStream(ts)
			return
		}
		ts.touch()
		switch capsule := c.(type) {
		case *dataCapsule:
			if err := ts.validateEgress(capsule.Data); err != nil {
				log.Printf("masque: dropping capsule data from stream %d: %v", ts.id, err)
				continue
			}
			if err := ts.tun.Write(capsule.Data); err != nil {
				log.Printf("masque: forwarding capsule data from stream %d failed: %v", ts.id, err)
			}
		case *addressRequestCapsule:
			d.handleAddressRequest(ts, capsule)
		case *addressAssignCapsule, *routeAdvertisementCapsule:
			// Informational when sent by the client; accepted and ignored.
		case *unknownCapsule:
			// Forward compatibility: discard, keep reading.
		}
	}
}

// handleAddressRequest always replies with the stream's already-assigned
// IP for every requested entry, ignoring the requested prefixes, per the
// spec's resolution of the ADDRESS_REQUEST open question — then follows up
// with an unrestricted ROUTE_ADVERTISEMENT, mirroring MasqueServer.cpp's
// onBody handling of Capsule::ADDRESS_REQUEST.
func (d *Demux) handleAddressRequest(ts *TunnelStream, req *addressRequestCapsule) {
	prefix := netip.PrefixFrom(ts.assignedIP, ts.assignedIP.BitLen())
	assign := &addressAssignCapsule{AssignedAddresses: make([]AssignedAddress, 0, len(req.RequestedAddresses))}
	for _, reqAddr := range req.RequestedAddresses {
		assign.AssignedAddresses = append(assign.AssignedAddresses, AssignedAddress{
			RequestID: reqAddr.RequestID,
			IPPrefix:  prefix,
		})
	}
	if err := ts.sock.writeBody(assign.Append(nil)); err != nil {
		log.Printf("masque: replying to ADDRESS_REQUEST on stream %d failed: %v", ts.id, err)
		return
	}
	route := &routeAdvertisementCapsule{IPAddressRanges: []IPAddressRange{
		{StartIP: netip.IPv4Unspecified(), EndIP: netip.AddrFrom4([4]byte{255, 255, 255, 255}), IPProtocol: 4},
	}}
	ts.advertisedRoutes.Store(&route.IPAddressRanges)
	if err := ts.sock.writeBody(route.Append(nil)); err != nil {
		log.Printf("masque: sending ROUTE_ADVERTISEMENT to stream %d failed: %v", ts.id, err)
	}
}

func (d *Demux) closeStream(ts *TunnelStream) {
	d.streams.delete(ts.id)
	ts.Close()
}

// expireIdleStreams detaches streams that have seen no ingress/egress
// activity for cfg.IdleTimeout, per the original's
// getTransactionTimeoutHandler — spec §5 names this path without
// prescribing its exact mechanism.
func (d *Demux) expireIdleStreams() {
	interval := d.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopIdle:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-d.cfg.IdleTimeout).UnixNano()
			for _, ts := range d.streams.snapshot() {
				if ts.lastActivity.Load() < cutoff {
					log.Printf("masque: expiring idle stream %d", ts.id)
					d.closeStream(ts)
				}
			}
		}
	}
}

// Close stops the idle-expiry loop and closes every open stream.
func (d *Demux) Close() error {
	d.idleOnce.Do(func() { close(d.stopIdle) })
	for _, ts := range d.streams.snapshot() {
		d.closeStream(ts)
	}
	return nil
}
