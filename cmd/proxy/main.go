package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/masquetun/masque"
)

func main() {
	opts := masque.DefaultServerOptions()
	var keyFile, certFile, authority string

	flag.IntVar(&opts.Port, "port", opts.Port, "UDP port to listen on")
	flag.IntVar(&opts.Timeout, "timeout", opts.Timeout, "idle timeout in milliseconds")
	flag.StringVar(&opts.TuntapNetwork, "tuntap-network", opts.TuntapNetwork, "subnet carved up for CONNECT-IP clients (must be a .0/N network, N<=24)")
	flag.StringVar(&opts.CC, "cc", opts.CC, "congestion control algorithm (None|Cubic|NewReno|Copa|Copa2|BBR|StaticCwnd)")
	flag.BoolVar(&opts.FramePerPacket, "framePerPacket", opts.FramePerPacket, "send one QUIC frame per datagram")
	flag.IntVar(&opts.UDPSendPacketLen, "UDPSendPacketLen", opts.UDPSendPacketLen, "maximum UDP datagram length to send")
	flag.IntVar(&opts.MaxRecvPacketSize, "maxRecvPacketSize", opts.MaxRecvPacketSize, "maximum UDP datagram length to receive")
	flag.StringVar(&opts.QLogDir, "qlog", "", "directory to write per-connection qlog traces to")
	flag.IntVar(&opts.DatagramReadBuf, "datagramReadBuf", opts.DatagramReadBuf, "datagram read buffer size")
	flag.IntVar(&opts.DatagramWriteBuf, "datagramWriteBuf", opts.DatagramWriteBuf, "datagram write buffer size")
	flag.IntVar(&opts.TunMTU, "tunMTU", opts.TunMTU, "MTU of the shared tun device")
	flag.StringVar(&keyFile, "key", "", "TLS key file")
	flag.StringVar(&certFile, "cert", "", "TLS certificate file")
	flag.StringVar(&authority, "authority", "", ":authority every CONNECT request must match (defaults to localhost:<port>)")
	flag.Parse()

	if keyFile == "" || certFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	network, err := netip.ParsePrefix(opts.TuntapNetwork)
	if err != nil || network.Bits() > 24 || network.Masked() != network {
		log.Printf("invalid --tuntap-network %q: must be a .0/N network with N<=24", opts.TuntapNetwork)
		os.Exit(1)
	}

	if authority == "" {
		authority = fmt.Sprintf("localhost:%d", opts.Port)
	}

	runtime.GOMAXPROCS(masque.ServerWorkerCount())

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		log.Fatalf("failed to load certificate: %v", err)
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}}

	var tun *masque.SharedTun
	tunName := fmt.Sprintf("tun%d", masque.DefaultConfig().FirstTunNumber)
	if dev, err := masque.NewWireguardTunDevice(tunName, opts.TunMTU); err != nil {
		log.Printf("no tun device available (%v); CONNECT-IP disabled", err)
	} else if tun, err = masque.NewSharedTun(dev, network); err != nil {
		log.Fatalf("failed to set up shared tun: %v", err)
	}

	srv := masque.NewServer(opts, authority, tlsConf, tun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		if opts.QLogDir != "" {
			log.Printf("qlog active, exiting directly so in-flight traces flush cleanly")
			os.Exit(0)
		}
		log.Printf("received SIGTERM, shutting down")
		srv.Close()
	}()

	log.Printf("listening on :%d", opts.Port)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
