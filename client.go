package masque

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// Client dials outbound MASQUE transactions. A single Client can be reused
// to open every hop of a layered chain (spec §4.3/§4.7): TLSClientConfig and
// QUICConfig apply to every hop; OptionPair has no per-hop override for
// either.
type Client struct {
	TLSClientConfig *tls.Config
	QUICConfig      *quic.Config

	// NewTransaction, if set, is invoked once per transaction opened on the
	// outermost hop (spec §4.2), in opening order starting at
	// TransactionID(0) for the default stream — regardless of whether the
	// outermost hop asked for one transaction or many.
	NewTransaction NewTransactionCallback
}

// hopConnection is one hop's underlying QUIC/HTTP-3 transport: the
// handshake and settings exchange a hop only has to do once, no matter how
// many parallel transactions (spec §3/§4.2's "options.transactions") get
// opened on top of it.
type hopConnection struct {
	conn quic.Connection
	rt   *http3.SingleDestinationRoundTripper
	url  *url.URL
}

// dialHopConnection establishes the QUIC connection for one hop — chaining
// the handshake over lower when it's non-nil, the way BuildLayeredSocket
// nests one hop's transport inside the previous hop's — and waits for the
// peer's HTTP/3 settings. It opens no request stream yet; see
// openTransaction.
func (c *Client) dialHopConnection(ctx context.Context, lower net.PacketConn, hop OptionPair) (*hopConnection, error) {
	u, err := hopRequestURL(hop)
	if err != nil {
		return nil, err
	}

	tlsConf := c.TLSClientConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{NextProtos: []string{http3.NextProtoH3}}
	}
	quicConf := c.QUICConfig
	if quicConf == nil {
		quicConf = &quic.Config{EnableDatagrams: true}
	}
	if !quicConf.EnableDatagrams {
		return nil, errors.New("masque: QUICConfig must enable datagrams")
	}

	var conn quic.Connection
	if lower == nil {
		conn, err = quic.DialAddr(ctx, u.Host, tlsConf, quicConf)
	} else {
		raddr, rerr := net.ResolveUDPAddr("udp", u.Host)
		if rerr != nil {
			return nil, fmt.Errorf("masque: resolving hop target %s: %w", u.Host, rerr)
		}
		chained := quicConf.Clone()
		chained.DisablePathMTUDiscovery = true
		conn, err = quic.Dial(ctx, lower, raddr, tlsConf, chained)
	}
	if err != nil {
		return nil, fmt.Errorf("masque: dialing QUIC connection to %s: %w", u.Host, err)
	}

	rt := &http3.SingleDestinationRoundTripper{Connection: conn, EnableDatagrams: true}
	hconn := rt.Start()
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-hconn.Context().Done():
		return nil, context.Cause(hconn.Context())
	case <-hconn.ReceivedSettings():
	}
	settings := hconn.Settings()
	if !settings.EnableExtendedConnect {
		return nil, fmt.Errorf("masque: %s didn't enable Extended CONNECT", u.Host)
	}
	if !settings.EnableDatagrams {
		return nil, fmt.Errorf("masque: %s didn't enable Datagrams", u.Host)
	}
	return &hopConnection{conn: conn, rt: rt, url: u}, nil
}

// openTransaction opens one request stream on hc's connection and sends the
// hop's CONNECT request, returning as soon as the headers are written. It
// does not wait for the response: the caller decides whether to block on it
// synchronously (waitForConnectResponse) or hand the stream to a pending
// H3Socket and resolve it in the background (awaitConnect).
func (hc *hopConnection) openTransaction(ctx context.Context, hop OptionPair) (*http3.RequestStream, error) {
	rstr, err := hc.rt.OpenRequestStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("masque: opening request stream to %s: %w", hc.url.Host, err)
	}
	if err := rstr.SendRequestHeader(&http.Request{
		Method: http.MethodConnect,
		Proto:  hop.Mode,
		Host:   hc.url.Host,
		Header: http.Header{capsuleHeader: []string{capsuleProtocolHeaderValue}},
		URL:    hc.url,
	}); err != nil {
		return nil, fmt.Errorf("masque: sending CONNECT request to %s: %w", hc.url.Host, err)
	}
	return rstr, nil
}

// waitForConnectResponse reads a transaction's CONNECT response and fails
// unless the peer answered with 2xx.
func waitForConnectResponse(rstr *http3.RequestStream, host string) error {
	rsp, err := rstr.ReadResponse()
	if err != nil {
		return fmt.Errorf("masque: reading response from %s: %w", host, err)
	}
	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		return fmt.Errorf("masque: hop %s responded with status %d", host, rsp.StatusCode)
	}
	return nil
}

// awaitConnect waits for a transaction's CONNECT response in the
// background and resolves the pending socket built on top of it, matching
// H3DatagramAsyncSocket::TransactionHandler::onHeadersComplete: the socket
// handle is already usable (and buffering writes) before this ever
// returns.
func awaitConnect(sock *H3Socket, rstr *http3.RequestStream, host string) {
	sock.completeConnect(waitForConnectResponse(rstr, host))
}

// DialHop implements HopDialer: it opens (or chains onto) a QUIC connection
// to hop.Host:hop.Port, issues the hop's CONNECT-UDP/CONNECT-IP request, and
// wraps the resulting stream in an H3Socket. When lower is non-nil the QUIC
// handshake runs over it instead of the host network stack, which is how
// BuildLayeredSocket nests one hop's transaction inside the previous hop's.
//
// A non-outermost hop is a transport another hop is about to be dialed
// over, so DialHop waits for its CONNECT response before returning.  The
// outermost hop is what the caller actually gets a socket for, so its
// H3Socket is handed back the moment headers are sent — matching spec
// §4.2's pre-connect write buffering — while awaitConnect resolves it in
// the background; NewTransaction (if set) fires as soon as the socket
// exists, not once it's actually ready.
func (c *Client) DialHop(ctx context.Context, lower net.PacketConn, hop OptionPair, outermost bool) (*H3Socket, error) {
	hc, err := c.dialHopConnection(ctx, lower, hop)
	if err != nil {
		return nil, err
	}
	rstr, err := hc.openTransaction(ctx, hop)
	if err != nil {
		return nil, err
	}
	opts := DatagramOptions{MaxSendSize: hop.UDPSendPacketLen}
	if hop.Mode == connectIPRequestProtocol {
		opts.OwnsBody = true
	}
	if !outermost {
		if err := waitForConnectResponse(rstr, hc.url.Host); err != nil {
			return nil, err
		}
		return newH3Socket(rstr, hc.conn.LocalAddr(), opts), nil
	}
	sock := newH3SocketPending(rstr, hc.conn.LocalAddr(), opts)
	go awaitConnect(sock, rstr, hc.url.Host)
	if c.NewTransaction != nil {
		c.NewTransaction(TransactionID(0), sock)
	}
	return sock, nil
}

// dialOutermostWithTransactions opens hop.NumTransactions parallel
// transactions on one hopConnection (spec §3/§4.2): the first becomes the
// default stream, every one (including the default) fires NewTransaction
// as soon as its socket exists, and every one is left pending for
// awaitConnect to resolve in the background. The returned TransactionSet's
// maxSendSize is left unset; Dial fills it in once it knows the MTU budget.
func (c *Client) dialOutermostWithTransactions(ctx context.Context, lower net.PacketConn, hop OptionPair) (*TransactionSet, error) {
	hc, err := c.dialHopConnection(ctx, lower, hop)
	if err != nil {
		return nil, err
	}
	n := hop.NumTransactions
	if n < 1 {
		n = 1
	}
	opts := DatagramOptions{MaxSendSize: hop.UDPSendPacketLen}
	if hop.Mode == connectIPRequestProtocol {
		opts.OwnsBody = true
	}

	var set *TransactionSet
	for i := 0; i < n; i++ {
		rstr, err := hc.openTransaction(ctx, hop)
		if err != nil {
			if set != nil {
				set.Close()
			}
			return nil, fmt.Errorf("masque: opening transaction %d on %s: %w", i, hc.url.Host, err)
		}
		sock := newH3SocketPending(rstr, hc.conn.LocalAddr(), opts)
		go awaitConnect(sock, rstr, hc.url.Host)

		id := TransactionID(i)
		if set == nil {
			set = newTransactionSet(sock, 0)
		} else {
			set.add(id, sock)
		}
		if c.NewTransaction != nil {
			c.NewTransaction(id, sock)
		}
	}
	return set, nil
}

// DialConnectIP opens a standalone CONNECT-IP transaction and returns the
// capsule-level control surface (address assignment, route advertisement)
// instead of the datagram-only H3Socket DialHop returns. This is what a
// CONNECT-IP endpoint that terminates the tunnel itself (rather than
// chaining another hop through it) wants.
func (c *Client) DialConnectIP(ctx context.Context, lower net.PacketConn, hop OptionPair) (*ProxiedIPConn, error) {
	if hop.Mode != connectIPRequestProtocol {
		return nil, fmt.Errorf("masque: DialConnectIP requires a connect-ip hop, got %q", hop.Mode)
	}
	rstr, _, _, err := c.dialRequestStream(ctx, lower, hop)
	if err != nil {
		return nil, err
	}
	return newProxiedIPConn(rstr), nil
}

// dialRequestStream is the synchronous dial-then-wait-for-2xx handshake
// DialConnectIP builds on: it has no use for a pending H3Socket (its
// ProxiedIPConn reads/writes capsules directly over the confirmed stream),
// so it dials the hop's connection, opens its one transaction, and blocks
// for the response before returning.
func (c *Client) dialRequestStream(ctx context.Context, lower net.PacketConn, hop OptionPair) (*http3.RequestStream, quic.Connection, *url.URL, error) {
	hc, err := c.dialHopConnection(ctx, lower, hop)
	if err != nil {
		return nil, nil, nil, err
	}
	rstr, err := hc.openTransaction(ctx, hop)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := waitForConnectResponse(rstr, hc.url.Host); err != nil {
		return nil, nil, nil, err
	}
	return rstr, hc.conn, hc.url, nil
}

// hopRequestURL builds the request target for one hop, per spec §6's path
// grammar: CONNECT-UDP's path is derived from Host/Port (the last two path
// segments are read back verbatim by the server, so the same escaping
// request.go's ParseConnectUDPRequest undoes is applied here); CONNECT-IP's
// path is opaque and taken from the hop as given, defaulting to the
// well-known path.
func hopRequestURL(hop OptionPair) (*url.URL, error) {
	authority := net.JoinHostPort(hop.Host, hop.Port)
	switch hop.Mode {
	case connectUDPRequestProtocol:
		return &url.URL{
			Scheme: "https",
			Host:   authority,
			Path:   fmt.Sprintf("/.well-known/masque/udp/%s/%s/", escape(hop.Host), hop.Port),
		}, nil
	case connectIPRequestProtocol:
		path := hop.Path
		if path == "" {
			path = "/.well-known/masque/ip"
		}
		return &url.URL{Scheme: "https", Host: authority, Path: path}, nil
	default:
		return nil, fmt.Errorf("masque: unsupported hop mode %q", hop.Mode)
	}
}

// Dial opens every hop of hops in turn (spec §4.3/§4.7), chaining each
// QUIC connection through the previous hop's H3Socket, and returns the
// outermost socket ready for the caller to tunnel its own traffic through.
// When the outermost hop's NumTransactions is greater than one, the
// outermost socket is a *TransactionSet instead of a LayeredConnectUDP/IP
// Socket (spec §3/§4.2's parallel-transaction opening).
func (c *Client) Dial(ctx context.Context, hops []OptionPair) (LayeredSocket, error) {
	if len(hops) == 0 {
		return nil, errors.New("masque: at least one hop is required")
	}
	last := hops[len(hops)-1]
	if last.NumTransactions <= 1 {
		return BuildLayeredSocket(ctx, nil, hops, c.DialHop)
	}

	var lower net.PacketConn
	if len(hops) > 1 {
		// Every hop of this lower chain is a transport for the outermost
		// hop: each waits for its CONNECT response and none fires
		// NewTransaction.
		inner := func(ctx context.Context, lower net.PacketConn, hop OptionPair, _ bool) (*H3Socket, error) {
			return c.DialHop(ctx, lower, hop, false)
		}
		chain, err := BuildLayeredSocket(ctx, nil, hops[:len(hops)-1], inner)
		if err != nil {
			return nil, fmt.Errorf("masque: opening chain ahead of the outermost hop: %w", err)
		}
		lower = chain
	}
	set, err := c.dialOutermostWithTransactions(ctx, lower, last)
	if err != nil {
		return nil, fmt.Errorf("masque: opening outermost hop %s:%s with %d transactions: %w", last.Host, last.Port, last.NumTransactions, err)
	}
	maxSend := last.UDPSendPacketLen - h3DatagramOverhead
	if last.Mode == connectIPRequestProtocol {
		maxSend -= ipv4HeaderOverhead
	}
	if maxSend <= 0 {
		set.Close()
		return nil, fmt.Errorf("masque: MTU budget exhausted at outermost hop (UDPSendPacketLen=%d)", last.UDPSendPacketLen)
	}
	set.maxSendSize = maxSend
	return set, nil
}
