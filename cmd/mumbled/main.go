// Command mumbled runs the voice conferencing core: a TLS control listener,
// a UDP voice listener, the session/channel registry, the voice router, and
// the liveness janitor.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/control"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/httpapi"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/session"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/voice"
)

func main() {
	addr := flag.String("addr", ":64738", "TLS control listen address")
	udpAddr := flag.String("udp-addr", ":64738", "UDP voice listen address")
	apiAddr := flag.String("api-addr", ":8080", "HTTP status API listen address (empty to disable)")
	tlsCert := flag.String("tls-cert", "", "TLS certificate path (empty to self-sign)")
	tlsKey := flag.String("tls-key", "", "TLS private key path (empty to self-sign)")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "control connection idle timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	maxClients := flag.Int("max-clients", 500, "maximum total connected sessions (0 = unlimited)")
	udpReadBuffer := flag.Int("udp-read-buffer", 2048, "UDP read buffer size in bytes")
	welcomeText := flag.String("welcome-text", "Welcome to mumbled.", "welcome text sent on connect")
	flag.Parse()

	var tlsConfig *tls.Config
	if *tlsCert != "" || *tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatalf("[server] load tls keypair: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		tlsHostname := ""
		if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
			tlsHostname = host
		}
		generated, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
		if err != nil {
			log.Fatalf("[server] %v", err)
		}
		log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)
		tlsConfig = generated
	}

	udpConn, err := net.ListenUDP("udp", mustResolveUDP(*udpAddr))
	if err != nil {
		log.Fatalf("[server] listen udp %s: %v", *udpAddr, err)
	}
	defer udpConn.Close()

	registry := session.NewRegistry(*maxClients)
	registry.Welcome = *welcomeText
	router := voice.NewRouter(registry.ChannelRecipients, registry.RecipientByID)
	udpSender := &packetConnSender{conn: udpConn}
	janitor := session.NewJanitor(registry)

	// Legacy packed version (major<<16 | minor<<8 | patch) echoed in
	// unauthenticated UDP ping replies.
	const serverPingIdent = uint32(1<<16 | 5<<8)
	serverPingBandwidth := control.MaxBandwidthBitsPerSecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	stopJanitor := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopJanitor)
	}()
	go janitor.Run(stopJanitor)

	go runMetrics(ctx, registry, router, 5*time.Second)

	go runUDPReadLoop(ctx, udpConn, udpSender, registry, router, *udpReadBuffer, serverPingIdent, serverPingBandwidth)

	if *apiAddr != "" {
		api := httpapi.New(registry, router)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				log.Printf("[api] %v", err)
			}
		}()
		log.Printf("[api] listening on %s", *apiAddr)
	}

	if err := runControlListener(ctx, *addr, tlsConfig, registry, router, udpSender, *idleTimeout); err != nil {
		log.Fatalf("[server] %v", err)
	}
}

func mustResolveUDP(addr string) *net.UDPAddr {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Fatalf("[server] resolve udp addr %s: %v", addr, err)
	}
	return resolved
}

// packetConnSender adapts a *net.UDPConn to session.UDPSender.
type packetConnSender struct {
	conn *net.UDPConn
}

func (p *packetConnSender) SendTo(data []byte, addr *net.UDPAddr) error {
	_, err := p.conn.WriteToUDP(data, addr)
	return err
}

// runUDPReadLoop reads raw datagrams, answers unauthenticated server pings
// inline, otherwise resolves the datagram to a bound (or first-matching
// awaiting) session via decrypt and routes the decoded voice packet.
func runUDPReadLoop(ctx context.Context, conn *net.UDPConn, udp *packetConnSender, registry *session.Registry, router *voice.Router, bufSize int, pingIdent, pingBandwidth uint32) {
	buf := make([]byte, bufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Debug("udp read error", "err", err)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		if voice.IsServerPingRequest(raw) {
			maxClients := uint32(registry.MaxClients())
			reply := voice.EncodeServerPingReply(pingIdent, raw, uint32(registry.Count()), maxClients, pingBandwidth)
			if err := udp.SendTo(reply, from); err != nil {
				slog.Debug("udp server ping reply failed", "err", err, "remote", from.String())
			}
			continue
		}

		sess, plaintext, ok := registry.FindClientWithDecrypt(raw, from)
		if !ok {
			continue
		}
		packet, err := voice.DecodeIncoming(plaintext)
		if err != nil {
			slog.Debug("malformed udp voice packet", "session_id", sess.SessionID, "err", err)
			continue
		}
		router.Route(sess, packet, sess.Targets)
	}
}

// runControlListener accepts TLS control connections and spawns one
// Dispatcher goroutine per connection, a client error never affecting any
// other session.
func runControlListener(ctx context.Context, addr string, tlsConfig *tls.Config, registry *session.Registry, router *voice.Router, udp *packetConnSender, idleTimeout time.Duration) error {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Printf("[server] listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveControlConn(conn, registry, router, udp, idleTimeout)
	}
}

func serveControlConn(conn net.Conn, registry *session.Registry, router *voice.Router, udp *packetConnSender, idleTimeout time.Duration) {
	d := control.NewDispatcher(&idleConn{Conn: conn, idleTimeout: idleTimeout}, registry, router, udp)
	if err := d.Serve(); err != nil {
		slog.Debug("control dispatcher exited", "err", err)
	}
}

// idleConn resets a read deadline on every read, closing connections whose
// client has gone silent for idleTimeout.
type idleConn struct {
	net.Conn
	idleTimeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.idleTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	return c.Conn.Read(p)
}
