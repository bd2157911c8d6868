package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/protocol"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/session"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/voice"
	"github.com/google/uuid"
)

// ErrForceDisconnect terminates one session's dispatcher loop. It is
// terminal for that session only and never propagates beyond the owning
// goroutine.
var ErrForceDisconnect = errors.New("control: forced disconnect")

// Conn is the minimal TLS stream contract the dispatcher needs: framed
// reads and writes plus a remote address for logging.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteAddr() net.Addr
}

// controlWriter adapts a Conn to session.Control; the session itself
// serializes calls to WriteFrame under its own lock, so this adapter does
// no locking of its own.
type controlWriter struct {
	conn Conn
}

func (w *controlWriter) WriteFrame(kind uint16, body []byte) error {
	return protocol.WriteFrame(w.conn, protocol.Kind(kind), body)
}

func (w *controlWriter) Close() error { return w.conn.Close() }

// frameOrErr carries one decoded frame (or a terminal read error) from the
// dispatcher's reader goroutine to its select loop.
type frameOrErr struct {
	kind protocol.Kind
	body []byte
	err  error
}

// Dispatcher runs one connection's cooperative loop: it awaits either a
// framed control message from the TLS stream or a message from the
// session's own inbound mailbox.
type Dispatcher struct {
	Registry *session.Registry
	Router   *voice.Router
	Codec    Codec
	UDP      session.UDPSender // shared UDP sender handed to every authenticated session

	conn    Conn
	traceID string
	rate    *rateGuard

	sess *session.Session
}

// NewDispatcher constructs a per-connection dispatcher. A UUID trace id is
// assigned before any session id exists, so every log line for this
// connection (including pre-authentication ones) can be correlated. udp is
// the process-wide UDP sender every authenticated session shares; it may
// be nil in tests that never exercise UDP delivery.
func NewDispatcher(conn Conn, registry *session.Registry, router *voice.Router, udp session.UDPSender) *Dispatcher {
	return &Dispatcher{
		Registry: registry,
		Router:   router,
		Codec:    JSONCodec{},
		UDP:      udp,
		conn:     conn,
		traceID:  uuid.New().String(),
		rate:     newRateGuard(),
	}
}

// Serve runs the dispatcher loop until the connection closes, the client
// is forcibly disconnected, or an unrecoverable I/O error occurs. The
// caller should treat any returned error as informational; no client
// error here is allowed to affect any other session.
func (d *Dispatcher) Serve() error {
	frames := make(chan frameOrErr, 1)
	done := make(chan struct{})
	defer close(done)
	go d.readLoop(frames, done)

	defer d.cleanup()

	for {
		var mailbox <-chan session.MailboxMsg
		if d.sess != nil {
			mailbox = d.sess.Mailbox.Recv()
		}

		select {
		case fe := <-frames:
			if fe.err != nil {
				return fmt.Errorf("control: read: %w", fe.err)
			}
			if err := d.handleFrame(fe.kind, fe.body); err != nil {
				return err
			}
		case mm, ok := <-mailbox:
			if !ok {
				return fmt.Errorf("control: mailbox closed")
			}
			if err := d.handleMailbox(mm); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) readLoop(out chan<- frameOrErr, done <-chan struct{}) {
	for {
		kind, body, err := protocol.ReadFrame(d.conn)
		select {
		case out <- frameOrErr{kind: kind, body: body, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) cleanup() {
	if d.sess != nil {
		d.Registry.Disconnect(d.sess.SessionID)
	} else {
		_ = d.conn.Close()
	}
}

func (d *Dispatcher) handleFrame(kind protocol.Kind, body []byte) error {
	if len(body) > protocol.MaxAdvisoryFrameSize {
		slog.Warn("control frame exceeds advisory size limit", "trace_id", d.traceID, "kind", kind.String(), "size", len(body))
	}

	if ok, force := d.rate.allow(d.traceID); !ok {
		if force {
			return ErrForceDisconnect
		}
		return nil
	}

	switch kind {
	case protocol.KindVersion:
		return d.handleVersion(body)
	case protocol.KindAuthenticate:
		return d.handleAuthenticate(body)
	case protocol.KindPing:
		return d.handlePing(body)
	case protocol.KindChannelState:
		return d.handleChannelState(body)
	case protocol.KindCryptSetup:
		return d.handleCryptSetup(body)
	case protocol.KindPermissionQuery:
		return d.handlePermissionQuery(body)
	case protocol.KindUserState:
		return d.handleUserState(body)
	case protocol.KindVoiceTarget:
		return d.handleVoiceTarget(body)
	case protocol.KindUDPTunnel:
		return d.handleUDPTunnel(body)
	default:
		slog.Debug("ignoring unknown control kind", "trace_id", d.traceID, "kind", kind.String())
		return nil
	}
}

func (d *Dispatcher) handleMailbox(mm session.MailboxMsg) error {
	switch mm.Kind {
	case session.MailboxDisconnect:
		return ErrForceDisconnect
	case session.MailboxSendMessage:
		if err := d.sess.WriteControl(mm.FrameKind, mm.Payload); err != nil {
			return fmt.Errorf("control: write: %w", err)
		}
		return nil
	case session.MailboxSendVoicePacket:
		body, err := d.Codec.Encode(protocol.UDPTunnel{Packet: voice.EncodeRelay(mm.Voice)})
		if err != nil {
			return nil
		}
		if err := d.sess.WriteControl(uint16(protocol.KindUDPTunnel), body); err != nil {
			return fmt.Errorf("control: write: %w", err)
		}
		return nil
	case session.MailboxRouteVoicePacket:
		if d.sess != nil {
			d.Router.Route(d.sess, mm.Voice, d.sess.Targets)
		}
		return nil
	default:
		return nil
	}
}
