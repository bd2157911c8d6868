package control

import (
	"fmt"
	"log/slog"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/protocol"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/session"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/voice"
)

// ServerVersionV2 is the protocol version this core reports in its
// Version reply.
const ServerVersionV2 = uint64(1)<<48 | uint64(5)<<32 | uint64(0)<<16

// ControlMailboxCapacity is the bounded mailbox size a newly authenticated
// session gets.
const ControlMailboxCapacity = 128

// MaxBandwidthBitsPerSecond is the per-client voice bandwidth advertised
// in ServerSync and unauthenticated ping replies.
const MaxBandwidthBitsPerSecond uint32 = 192_000

// writeDirect sends a frame to the connection, going through the session's
// serialized Control writer once one exists and straight to the raw
// connection before Authenticate completes.
func writeDirect(d *Dispatcher, kind protocol.Kind, body []byte) error {
	if d.sess != nil {
		return d.sess.WriteControl(uint16(kind), body)
	}
	return protocol.WriteFrame(d.conn, kind, body)
}

func (d *Dispatcher) handleVersion(body []byte) error {
	var v protocol.Version
	if err := d.Codec.Decode(body, &v); err != nil {
		slog.Debug("malformed version frame", "trace_id", d.traceID, "err", err)
		return nil
	}
	slog.Info("peer version", "trace_id", d.traceID, "release", v.Release, "os", v.OS)

	reply, err := d.Codec.Encode(protocol.Version{VersionV2: ServerVersionV2, Release: "mumbled", OS: "go"})
	if err != nil {
		return nil
	}
	return writeDirect(d, protocol.KindVersion, reply)
}

func (d *Dispatcher) handleAuthenticate(body []byte) error {
	var a protocol.Authenticate
	if err := d.Codec.Decode(body, &a); err != nil {
		slog.Debug("malformed authenticate frame", "trace_id", d.traceID, "err", err)
		return nil
	}

	// The client encrypts under the client nonce, so that seed becomes the
	// server's decrypt counter; the server nonce seeds the send side.
	key, serverIV, clientIV := voice.GenerateKeyMaterial()
	crypto := voice.NewCryptoSession(key, serverIV, clientIV)

	ctrl := &controlWriter{conn: d.conn}
	sess, err := d.Registry.AddClient(a.Username, crypto, ctrl, d.UDP, ControlMailboxCapacity)
	if err != nil {
		slog.Warn("authenticate rejected", "trace_id", d.traceID, "username", a.Username, "err", err)
		rejectBody, encErr := d.Codec.Encode(protocol.UserRemove{Reason: err.Error()})
		if encErr == nil {
			_ = protocol.WriteFrame(d.conn, protocol.KindUserRemove, rejectBody)
		}
		return fmt.Errorf("control: authenticate: %w", err)
	}
	sess.TraceID = d.traceID
	sess.CeltVersions = a.CeltVers
	sess.Opus = a.Opus
	d.sess = sess

	slog.Info("session authenticated", "trace_id", d.traceID, "session_id", sess.SessionID, "username", a.Username)

	cryptoBody, err := d.Codec.Encode(protocol.CryptSetup{
		Key:         key[:],
		ClientNonce: voice.EncodeCounter(clientIV),
		ServerNonce: voice.EncodeCounter(serverIV),
	})
	if err == nil {
		_ = sess.WriteControl(uint16(protocol.KindCryptSetup), cryptoBody)
	}

	codecBody, err := d.Codec.Encode(protocol.CodecVersion{Opus: true})
	if err == nil {
		_ = sess.WriteControl(uint16(protocol.KindCodecVersion), codecBody)
	}

	for _, ch := range d.Registry.Channels.All() {
		chID := ch.ID
		var parent *uint32
		if ch.HasParent {
			p := ch.ParentID
			parent = &p
		}
		stateBody, err := d.Codec.Encode(protocol.ChannelState{
			ChannelID:   &chID,
			Parent:      parent,
			Name:        ch.Name,
			Description: ch.Description,
			Temporary:   ch.Temporary,
		})
		if err == nil {
			_ = sess.WriteControl(uint16(protocol.KindChannelState), stateBody)
		}
	}

	for _, peer := range d.Registry.All() {
		if peer.SessionID == sess.SessionID {
			continue
		}
		peerChan := peer.ChannelID()
		peerBody, err := d.Codec.Encode(protocol.UserState{Session: peer.SessionID, Name: peer.Username, ChannelID: &peerChan})
		if err == nil {
			_ = sess.WriteControl(uint16(protocol.KindUserState), peerBody)
		}
	}

	// The new session's own UserState goes out through the normal broadcast
	// path, which includes the session itself, so every connected peer
	// learns about it exactly once.
	selfChan := sess.ChannelID()
	selfBody, err := d.Codec.Encode(protocol.UserState{Session: sess.SessionID, Name: sess.Username, ChannelID: &selfChan})
	if err == nil {
		d.Registry.Broadcast(uint16(protocol.KindUserState), selfBody)
	}

	syncBody, err := d.Codec.Encode(protocol.ServerSync{
		Session:      sess.SessionID,
		MaxBandwidth: MaxBandwidthBitsPerSecond,
		WelcomeText:  d.Registry.Welcome,
	})
	if err == nil {
		_ = sess.WriteControl(uint16(protocol.KindServerSync), syncBody)
	}

	return nil
}

func (d *Dispatcher) handlePing(body []byte) error {
	if d.sess == nil {
		return nil
	}
	var p protocol.Ping
	if err := d.Codec.Decode(body, &p); err != nil {
		slog.Debug("malformed ping frame", "trace_id", d.traceID, "err", err)
		return nil
	}
	d.sess.Touch()

	good, late, lost, resync, _ := d.sess.Crypto.Snapshot()
	reply, err := d.Codec.Encode(protocol.Ping{Timestamp: p.Timestamp, Good: good, Late: late, Lost: lost, Resync: resync})
	if err != nil {
		return nil
	}
	return d.sess.WriteControl(uint16(protocol.KindPing), reply)
}

func (d *Dispatcher) handleChannelState(body []byte) error {
	if d.sess == nil {
		return nil
	}
	var cs protocol.ChannelState
	if err := d.Codec.Decode(body, &cs); err != nil {
		slog.Debug("malformed channel_state frame", "trace_id", d.traceID, "err", err)
		return nil
	}

	if cs.ChannelID == nil {
		parent := session.RootChannelID
		if cs.Parent != nil {
			parent = *cs.Parent
		}
		ch, ok := d.Registry.Channels.Add(parent, cs.Name, cs.Description, cs.Temporary)
		if !ok {
			return nil // missing parent channel affects only the requesting client
		}
		chID := ch.ID
		body, err := d.Codec.Encode(protocol.ChannelState{ChannelID: &chID, Parent: &parent, Name: ch.Name, Description: ch.Description, Temporary: ch.Temporary})
		if err == nil {
			d.Registry.Broadcast(uint16(protocol.KindChannelState), body)
		}
		return nil
	}

	var namePtr, descPtr *string
	if cs.Name != "" {
		namePtr = &cs.Name
	}
	if cs.Description != "" {
		descPtr = &cs.Description
	}
	if !d.Registry.Channels.Update(*cs.ChannelID, namePtr, descPtr) {
		return nil
	}
	if updated, ok := d.Registry.Channels.Get(*cs.ChannelID); ok {
		var parent *uint32
		if updated.HasParent {
			p := updated.ParentID
			parent = &p
		}
		chID := updated.ID
		outBody, err := d.Codec.Encode(protocol.ChannelState{ChannelID: &chID, Parent: parent, Name: updated.Name, Description: updated.Description, Temporary: updated.Temporary})
		if err == nil {
			d.Registry.Broadcast(uint16(protocol.KindChannelState), outBody)
		}
	}
	return nil
}

func (d *Dispatcher) handleCryptSetup(body []byte) error {
	if d.sess == nil {
		return nil
	}
	var cs protocol.CryptSetup
	if err := d.Codec.Decode(body, &cs); err != nil {
		slog.Debug("malformed crypt_setup frame", "trace_id", d.traceID, "err", err)
		return nil
	}
	if len(cs.Key) == 0 {
		return nil
	}
	var key [16]byte
	copy(key[:], cs.Key)
	serverIV := voice.DecodeCounter(cs.ServerNonce)
	clientIV := voice.DecodeCounter(cs.ClientNonce)
	d.sess.Crypto.Reset(key, serverIV, clientIV)
	slog.Info("client-initiated crypt resync", "trace_id", d.traceID, "session_id", d.sess.SessionID)
	return nil
}

func (d *Dispatcher) handlePermissionQuery(body []byte) error {
	if d.sess == nil {
		return nil
	}
	var pq protocol.PermissionQuery
	if err := d.Codec.Decode(body, &pq); err != nil {
		slog.Debug("malformed permission_query frame", "trace_id", d.traceID, "err", err)
		return nil
	}
	reply, err := d.Codec.Encode(protocol.PermissionQuery{ChannelID: pq.ChannelID, Permissions: protocol.PermissiveMask})
	if err != nil {
		return nil
	}
	return d.sess.WriteControl(uint16(protocol.KindPermissionQuery), reply)
}

func (d *Dispatcher) handleUserState(body []byte) error {
	if d.sess == nil {
		return nil
	}
	var us protocol.UserState
	if err := d.Codec.Decode(body, &us); err != nil {
		slog.Debug("malformed user_state frame", "trace_id", d.traceID, "err", err)
		return nil
	}

	target := d.sess
	if us.Session != 0 && us.Session != d.sess.SessionID {
		if other, ok := d.Registry.Get(us.Session); ok {
			target = other
		}
	}
	target.SetMuteState(us.Mute, us.Deaf, us.SelfMute, us.SelfDeaf)

	for _, chID := range us.ListeningChannelAdd {
		if !d.Registry.Channels.AddListener(chID, target.SessionID) {
			slog.Debug("listener add to missing channel", "trace_id", d.traceID, "channel_id", chID)
		}
	}
	for _, chID := range us.ListeningChannelRemove {
		d.Registry.Channels.DropListener(chID, target.SessionID)
	}

	var moveResult session.MoveResult
	moved := false
	if us.ChannelID != nil && *us.ChannelID != target.ChannelID() {
		var ok bool
		moveResult, ok = d.Registry.Channels.Move(target, *us.ChannelID)
		if !ok {
			return nil // ChannelDoesntExist
		}
		moved = true
	}

	chID := target.ChannelID()
	mute, deaf, selfMute, selfDeaf := target.MuteState()
	outBody, err := d.Codec.Encode(protocol.UserState{
		Session:   target.SessionID,
		Actor:     d.sess.SessionID,
		Name:      target.Username,
		ChannelID: &chID,
		Mute:      &mute,
		Deaf:      &deaf,
		SelfMute:  &selfMute,
		SelfDeaf:  &selfDeaf,
	})
	if err != nil {
		return nil
	}
	d.Registry.Broadcast(uint16(protocol.KindUserState), outBody)

	if moved && moveResult.Removed {
		rmBody, err := d.Codec.Encode(protocol.ChannelRemove{ChannelID: moveResult.RemovedID})
		if err == nil {
			d.Registry.Broadcast(uint16(protocol.KindChannelRemove), rmBody)
		}
	}
	return nil
}

func (d *Dispatcher) handleVoiceTarget(body []byte) error {
	if d.sess == nil {
		return nil
	}
	var vt protocol.VoiceTarget
	if err := d.Codec.Decode(body, &vt); err != nil {
		slog.Debug("malformed voice_target frame", "trace_id", d.traceID, "err", err)
		return nil
	}
	if vt.ID < voice.MinTargetSlot || vt.ID > voice.MaxTargetSlot {
		return nil
	}

	target := voice.Target{Sessions: map[uint32]struct{}{}, Channels: map[uint32]struct{}{}}
	for _, entry := range vt.Targets {
		for _, sid := range entry.Sessions {
			target.Sessions[sid] = struct{}{}
		}
		if entry.ChannelID != 0 {
			target.Channels[entry.ChannelID] = struct{}{}
		}
	}
	d.sess.Targets.Set(byte(vt.ID), target)
	return nil
}

func (d *Dispatcher) handleUDPTunnel(body []byte) error {
	if d.sess == nil {
		return nil
	}
	var t protocol.UDPTunnel
	if err := d.Codec.Decode(body, &t); err != nil {
		slog.Debug("malformed udp_tunnel frame", "trace_id", d.traceID, "err", err)
		return nil
	}
	packet, err := voice.DecodeIncoming(t.Packet)
	if err != nil {
		slog.Debug("malformed tunneled voice packet", "trace_id", d.traceID, "err", err)
		return nil
	}
	d.Router.Route(d.sess, packet, d.sess.Targets)
	return nil
}
