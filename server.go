package masque

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/logging"
	"github.com/quic-go/quic-go/qlog"
)

// ServerOptions collects spec §6's server CLI defaults.
type ServerOptions struct {
	Port             int
	Timeout          int // milliseconds
	TuntapNetwork    string
	CC               string
	FramePerPacket   bool
	UDPSendPacketLen int
	MaxRecvPacketSize int
	QLogDir          string
	DatagramReadBuf  int
	DatagramWriteBuf int
	TunMTU           int
}

// DefaultServerOptions returns spec §6's documented server defaults.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Port:              6666,
		Timeout:           10000,
		TuntapNetwork:     "192.168.0.0/24",
		CC:                "None",
		FramePerPacket:    false,
		UDPSendPacketLen:  1500,
		MaxRecvPacketSize: 1500,
		DatagramReadBuf:   16384,
		DatagramWriteBuf:  16384,
		TunMTU:            1500,
	}
}

// Server wires an http3.Server to a Demux and (optionally) a SharedTun,
// matching the teacher's original Server{http3.Server; Template; Allow}
// shape generalized to both CONNECT-UDP and CONNECT-IP traffic.
type Server struct {
	http3.Server

	demux *Demux
	tun   *SharedTun
}

// NewServer builds a Server listening for requests addressed to host. tun
// may be nil, in which case CONNECT-IP requests are rejected by the demux.
func NewServer(opts ServerOptions, host string, tlsConf *tls.Config, tun *SharedTun) *Server {
	cfg := DefaultConfig()
	cfg.DatagramReadBufSize = opts.DatagramReadBuf
	cfg.DatagramWriteBufSize = opts.DatagramWriteBuf
	cfg.MaxDatagramPacketSize = opts.MaxRecvPacketSize
	cfg.IdleTimeout = time.Duration(opts.Timeout) * time.Millisecond

	demux := NewDemux(cfg, host, tun)

	quicConf := &quic.Config{EnableDatagrams: true}
	if opts.QLogDir != "" {
		quicConf.Tracer = newQLOGDirTracer(opts.QLogDir)
	}

	s := &Server{
		demux: demux,
		tun:   tun,
	}
	s.Server = http3.Server{
		Addr:            fmt.Sprintf(":%d", opts.Port),
		TLSConfig:       http3.ConfigureTLSConfig(tlsConf),
		QUICConfig:      quicConf,
		EnableDatagrams: true,
		Logger:          slog.Default(),
		Handler:         http.HandlerFunc(s.handle),
	}
	if tun != nil {
		go func() {
			if err := tun.Serve(); err != nil {
				slog.Info("masque: shared tun device stopped", "error", err)
			}
		}()
	}
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if err := s.demux.Upgrade(w, r); err != nil {
		slog.Debug("masque: rejecting request", "error", err, "path", r.URL.Path)
	}
}

// Close shuts the HTTP/3 server, the demultiplexer's open streams, and the
// shared TUN device (if any) down.
func (s *Server) Close() error {
	err := s.Server.Close()
	s.demux.Close()
	if s.tun != nil {
		s.tun.Close()
	}
	return err
}

// newQLOGDirTracer builds the per-connection qlog tracer the --qlog flag
// asks for, matching the quic-go example servers' qlog wiring idiom: one
// file per connection, named by the original destination connection ID.
func newQLOGDirTracer(dir string) func(context.Context, logging.Perspective, quic.ConnectionID) *logging.ConnectionTracer {
	return func(_ context.Context, p logging.Perspective, connID quic.ConnectionID) *logging.ConnectionTracer {
		role := "server"
		if p == logging.PerspectiveClient {
			role = "client"
		}
		filename := fmt.Sprintf("%s/%s_%s.qlog", dir, role, connID)
		f, err := os.Create(filename)
		if err != nil {
			slog.Error("masque: creating qlog file failed", "file", filename, "error", err)
			return nil
		}
		return qlog.NewConnectionTracer(f, p, connID)
	}
}

// ServerWorkerCount resolves spec §6's THREADS environment override, per
// spec §6's "default: hardware concurrency".
func ServerWorkerCount() int {
	if v := os.Getenv("THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.GOMAXPROCS(0)
}
