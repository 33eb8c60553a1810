package masque

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/quicvarint"
)

// transactionState is the H3 datagram socket's lifecycle, per
// H3DatagramAsyncSocket: a transaction is created, sends its CONNECT
// headers, waits for a 2xx response, and only then is considered ready to
// exchange datagrams. It stays ready until closed.
type transactionState int32

const (
	stateCreated transactionState = iota
	stateHeadersSent
	stateReady
	stateClosed
)

// DatagramOptions configures an H3Socket. It mirrors the fields of
// H3DatagramAsyncSocket::Options that this port actually uses; the fields
// proxygen keeps purely for its own transport setup (cert verifiers,
// congestion control types) live on the quic.Config/tls.Config the caller
// already builds separately.
type DatagramOptions struct {
	// MaxSendSize caps how large a single datagram payload may be before
	// Write refuses it (EMSGSIZE in the original).
	MaxSendSize int
	// WriteBufSize bounds how many datagrams are buffered before the
	// transport is attached, see Config. H3Socket keeps no read buffer of
	// its own and does not use ReadBufSize: ReadFrom takes each datagram
	// straight from the stream's ReceiveDatagram.
	ReadBufSize  int
	WriteBufSize int
	// OwnsBody tells newH3Socket that the caller will read the request/
	// response stream body itself (CONNECT-IP capsules), so newH3Socket
	// must not spawn its usual background skip-capsules loop. Streams with
	// no body use of their own (CONNECT-UDP) leave this false.
	OwnsBody bool
}

var errNotConnected = errors.New("masque: h3 socket not connected")
var errNoBuffer = errors.New("masque: h3 socket buffer full")
var errMessageTooLarge = errors.New("masque: datagram exceeds MaxSendSize")

// H3Socket is the HTTP/3 datagram tunneling socket: a single CONNECT-UDP or
// CONNECT-IP stream, with context-id 0 framing, write buffering before the
// transaction becomes ready, and deadline-aware reads. Both the
// client (dialing out) and the server demultiplexer (one per accepted
// stream) build on this type.
type H3Socket struct {
	str       http3.Stream
	localAddr net.Addr

	opts DatagramOptions

	state atomic.Int32

	writeMu sync.Mutex
	writeBuf [][]byte // buffered payloads, written before state reaches stateReady

	connectOnce sync.Once
	connectErr  error
	connectDone chan struct{}

	closed   atomic.Bool
	readDone chan struct{}

	deadlineMx        sync.Mutex
	readCtx           context.Context
	readCtxCancel     context.CancelFunc
	deadline          time.Time
	readDeadlineTimer *time.Timer

	tracer *Tracer
}

type masqueAddr struct{ net.Addr }

func (m masqueAddr) Network() string { return "connect-udp" }
func (m masqueAddr) String() string  { return m.Addr.String() }

var _ net.Addr = masqueAddr{}

// newSocketBase builds the state every H3Socket needs regardless of whether
// its transaction is already confirmed or still pending the CONNECT
// response; newH3Socket and newH3SocketPending each finish the job by
// picking the starting state and whether the body-reading goroutine starts
// immediately.
func newSocketBase(str http3.Stream, local net.Addr, opts DatagramOptions) *H3Socket {
	if opts.ReadBufSize == 0 {
		opts.ReadBufSize = 100
	}
	if opts.WriteBufSize == 0 {
		opts.WriteBufSize = 100
	}
	c := &H3Socket{
		str:       str,
		localAddr: local,
		opts:      opts,
		readDone:  make(chan struct{}),
	}
	c.readCtx, c.readCtxCancel = context.WithCancel(context.Background())
	return c
}

// newH3Socket wraps an already-upgraded (2xx response received) HTTP/3
// stream. The caller is responsible for having sent/received the CONNECT
// handshake; newH3Socket starts in stateReady.
func newH3Socket(str http3.Stream, local net.Addr, opts DatagramOptions) *H3Socket {
	c := newSocketBase(str, local, opts)
	c.state.Store(int32(stateReady))
	done := make(chan struct{})
	close(done)
	c.connectDone = done
	if opts.OwnsBody {
		// The caller reads the body itself (CONNECT-IP capsules); nothing
		// to wait for here.
		close(c.readDone)
		return c
	}
	c.startSkipCapsules()
	return c
}

// newH3SocketPending wraps a request stream whose CONNECT headers have been
// sent but whose response hasn't arrived yet: the transaction starts in
// stateHeadersSent, so WriteTo buffers instead of calling SendDatagram,
// matching H3DatagramAsyncSocket::TransactionHandler's behavior before
// onHeadersComplete fires. The caller must eventually call completeConnect
// once the response is known, one way or another.
func newH3SocketPending(str http3.Stream, local net.Addr, opts DatagramOptions) *H3Socket {
	c := newSocketBase(str, local, opts)
	c.state.Store(int32(stateHeadersSent))
	c.connectDone = make(chan struct{})
	return c
}

// startSkipCapsules spawns the background loop that discards capsules on a
// data-only (non-OwnsBody) stream's body. Split out of newH3Socket so a
// pending socket can delay starting it until completeConnect, once the
// caller is done reading the CONNECT response off the same stream.
func (c *H3Socket) startSkipCapsules() {
	go func() {
		defer close(c.readDone)
		if err := skipCapsules(quicvarint.NewReader(c.str)); err != io.EOF && !c.closed.Load() {
			log.Printf("masque: reading capsules from request stream failed: %v", err)
		}
		c.str.Close()
	}()
}

// completeConnect resolves a pending socket's CONNECT outcome exactly once:
// on success it transitions to stateReady and flushes whatever WriteTo
// buffered in the meantime (see onHeadersComplete); on failure it marks the
// transaction closed without ever having sent a datagram. Either way,
// goroutines parked in ConnectError are released.
func (c *H3Socket) completeConnect(err error) {
	c.connectOnce.Do(func() {
		c.connectErr = err
		if err != nil {
			c.state.Store(int32(stateClosed))
			c.closed.Store(true)
			close(c.readDone)
			close(c.connectDone)
			return
		}
		if ferr := c.onHeadersComplete(); ferr != nil {
			log.Printf("masque: flushing pre-connect write buffer failed: %v", ferr)
		}
		if c.opts.OwnsBody {
			close(c.readDone)
		} else {
			c.startSkipCapsules()
		}
		close(c.connectDone)
	})
}

// ConnectError blocks until a pending socket's CONNECT response has been
// resolved (see newH3SocketPending/completeConnect), returning the error the
// handshake failed with, or nil once the transaction is ready. A socket
// built by newH3Socket is already resolved, so ConnectError returns
// immediately.
func (c *H3Socket) ConnectError(ctx context.Context) error {
	select {
	case <-c.connectDone:
		return c.connectErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrom reads one datagram, stripping its context-id-0 prefix. Datagrams
// with a non-zero (reserved) context ID are silently dropped, matching
// spec's context-id framing rule.
func (c *H3Socket) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
start:
	c.deadlineMx.Lock()
	ctx := c.readCtx
	c.deadlineMx.Unlock()
	data, err := c.str.ReceiveDatagram(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		c.deadlineMx.Lock()
		restart := time.Now().Before(c.deadline)
		c.deadlineMx.Unlock()
		if restart {
			goto start
		}
		return 0, nil, os.ErrDeadlineExceeded
	}
	contextID, n, err := quicvarint.Parse(data)
	if err != nil {
		return 0, nil, fmt.Errorf("masque: malformed datagram: %w", err)
	}
	if contextID != 0 {
		goto start
	}
	if c.tracer != nil && c.tracer.ReceivedData != nil {
		c.tracer.ReceivedData(len(data) - n)
	}
	return copy(b, data[n:]), masqueAddr{c.localAddr}, nil
}

// WriteTo sends a datagram with the context-id-0 prefix. If the socket
// isn't ready yet, the payload is buffered (up to WriteBufSize entries) and
// flushed once the transaction becomes ready; see flushWriteBuffer.
func (c *H3Socket) WriteTo(p []byte, _ net.Addr) (n int, err error) {
	if c.closed.Load() {
		return 0, errNotConnected
	}
	if c.opts.MaxSendSize > 0 && len(p) > c.opts.MaxSendSize {
		return 0, errMessageTooLarge
	}
	data := prependContextID(p, 0)
	if transactionState(c.state.Load()) != stateReady {
		c.writeMu.Lock()
		if len(c.writeBuf) >= c.opts.WriteBufSize {
			c.writeMu.Unlock()
			return 0, errNoBuffer
		}
		c.writeBuf = append(c.writeBuf, data)
		c.writeMu.Unlock()
		return len(p), nil
	}
	if err := c.str.SendDatagram(data); err != nil {
		return 0, err
	}
	if c.tracer != nil && c.tracer.SentData != nil {
		c.tracer.SentData(len(p))
	}
	return len(p), nil
}

// onHeadersComplete transitions the socket to stateReady and drains
// whatever was buffered while the handshake was in flight. It stops at the
// first send failure, leaves the failed entry and the rest in the buffer
// and returns the error, rather than silently discarding the rest of the
// buffer the way the original's drain loop did. Nothing flushes the buffer
// again afterwards.
func (c *H3Socket) onHeadersComplete() error {
	c.state.Store(int32(stateReady))
	return c.flushWriteBuffer()
}

func (c *H3Socket) flushWriteBuffer() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	i := 0
	for ; i < len(c.writeBuf); i++ {
		if err := c.str.SendDatagram(c.writeBuf[i]); err != nil {
			c.writeBuf = c.writeBuf[i:]
			return err
		}
	}
	c.writeBuf = nil
	return nil
}

// Close tears down the stream and unblocks any pending read.
func (c *H3Socket) Close() error {
	c.closed.Store(true)
	c.state.Store(int32(stateClosed))
	c.str.CancelRead(quic.StreamErrorCode(http3.ErrCodeNoError))
	err := c.str.Close()
	<-c.readDone
	c.readCtxCancel()
	c.deadlineMx.Lock()
	if c.readDeadlineTimer != nil {
		c.readDeadlineTimer.Stop()
	}
	c.deadlineMx.Unlock()
	return err
}

// writeBody writes raw bytes (typically a serialized capsule) to the
// request/response stream body, as opposed to the datagram path WriteTo
// uses. CONNECT-IP's ADDRESS_ASSIGN/ADDRESS_REQUEST/ROUTE_ADVERTISEMENT
// capsules travel this way.
func (c *H3Socket) writeBody(b []byte) error {
	_, err := c.str.Write(b)
	return err
}

func (c *H3Socket) LocalAddr() net.Addr { return masqueAddr{c.localAddr} }

func (c *H3Socket) SetDeadline(t time.Time) error {
	_ = c.SetWriteDeadline(t)
	return c.SetReadDeadline(t)
}

func (c *H3Socket) SetReadDeadline(t time.Time) error {
	c.deadlineMx.Lock()
	defer c.deadlineMx.Unlock()

	oldDeadline := c.deadline
	c.deadline = t
	now := time.Now()
	if t.IsZero() {
		if c.readDeadlineTimer != nil && !c.readDeadlineTimer.Stop() {
			<-c.readDeadlineTimer.C
		}
		return nil
	}
	if !t.After(now) {
		c.readCtxCancel()
		return nil
	}
	deadline := t.Sub(now)
	if c.readDeadlineTimer != nil {
		if now.Before(oldDeadline) {
			c.readCtxCancel()
			c.readCtx, c.readCtxCancel = context.WithCancel(context.Background())
		}
		c.readDeadlineTimer.Reset(deadline)
	} else {
		c.readDeadlineTimer = time.AfterFunc(deadline, func() {
			c.deadlineMx.Lock()
			defer c.deadlineMx.Unlock()
			if !c.deadline.IsZero() && c.deadline.Before(time.Now()) {
				c.readCtxCancel()
			}
		})
	}
	return nil
}

func (c *H3Socket) SetWriteDeadline(time.Time) error {
	// Blocked on quic-go not exposing a write-side deadline for datagrams;
	// SendDatagram itself never blocks.
	return nil
}

func skipCapsules(str quicvarint.Reader) error {
	for {
		ct, r, err := http3.ParseCapsule(str)
		if err != nil {
			return err
		}
		log.Printf("masque: skipping capsule of type 0x%x on data-only stream", ct)
		if _, err := io.Copy(io.Discard, r); err != nil {
			return err
		}
	}
}
