package mesh

import (
	"log"

	"github.com/bitmesh/bitmesh-node/pkg/identity"
	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

// handleLinkUp admits a new radio link within the power budget and
// introduces this node on it
func (s *Service) handleLinkUp(link LinkID, rssi int) {
	if !s.conns.LinkEstablished(link, rssi) {
		log.Printf("🔋 Connection budget full, not accepting link %s", link)
		return
	}

	// A directed announce so the new neighbor can bind our peer ID
	// without waiting for the periodic flood
	frame, err := s.makeAnnouncePacket().Encode(true)
	if err != nil {
		return
	}
	if err := s.adapter.Send(link, frame); err != nil {
		log.Printf("⚠️  Announce on new link %s failed: %v", link, err)
	}
}

// handleLinkDown clears all per-link state. The peer's directory entry
// survives; it may still be reachable through relays.
func (s *Service) handleLinkDown(link LinkID) {
	s.relay.ForgetLink(link)

	peer, hadPeer := s.conns.LinkLost(link)
	if !hadPeer {
		return
	}

	s.sessions.RemoveSession(peer)
	s.emitPeerList()
}

// handleFrame is the inbound pipeline: decode, admission checks,
// duplicate suppression, local dispatch, relay. Every rejection on this
// path is a silent drop.
func (s *Service) handleFrame(link LinkID, data []byte, rssi int) {
	if err := s.security.CheckRSSI(rssi); err != nil {
		return
	}

	pkt, err := protocol.Decode(data)
	if err != nil {
		if peer, ok := s.conns.PeerForLink(link); ok {
			s.security.RecordMalformed(peer)
		}
		return
	}

	// Our own floods echo back through neighbors
	if pkt.SenderID == s.localPeer {
		return
	}

	if err := s.security.CheckPeer(pkt.SenderID); err != nil {
		return
	}

	s.conns.Touch(link, rssi)

	if s.history.Witness(pkt) {
		return
	}

	if s.addressedToUs(pkt) {
		s.dispatchLocal(link, pkt)
	}

	s.relayPacket(link, pkt, len(data))
}

// addressedToUs reports whether this node should consume the packet
func (s *Service) addressedToUs(pkt *protocol.Packet) bool {
	if pkt.RecipientID == nil || pkt.RecipientID.IsBroadcast() {
		return true
	}
	return *pkt.RecipientID == s.localPeer
}

// relayPacket forwards a packet one hop when TTL and policy allow.
// Directed packets with a known direct link take it; everything else
// floods to all links except the arrival one, subject to the
// probability curve and per-link bandwidth caps.
func (s *Service) relayPacket(arrival LinkID, pkt *protocol.Packet, frameSize int) {
	if pkt.TTL == 0 {
		return
	}

	// Directed traffic for us terminates here
	if pkt.RecipientID != nil && !pkt.RecipientID.IsBroadcast() && *pkt.RecipientID == s.localPeer {
		return
	}

	fwd := *pkt
	fwd.TTL = pkt.TTL - 1

	frame, err := fwd.Encode(true)
	if err != nil {
		return
	}

	if fwd.RecipientID != nil && !fwd.RecipientID.IsBroadcast() {
		if link, ok := s.conns.DirectLink(*fwd.RecipientID); ok && link != arrival {
			if s.relay.AllowBandwidth(link, len(frame)) {
				if err := s.adapter.Send(link, frame); err != nil {
					log.Printf("⚠️  Directed relay to %s failed: %v", link, err)
				}
			}
			return
		}
	}

	if !s.relay.ShouldRelay(s.conns.NeighborCount()) {
		return
	}

	for _, rec := range s.conns.ActiveConnections() {
		if rec.Link == arrival {
			continue
		}
		if !s.relay.AllowBandwidth(rec.Link, len(frame)) {
			continue
		}
		if err := s.adapter.Send(rec.Link, frame); err != nil {
			log.Printf("⚠️  Relay to %s failed: %v", rec.Link, err)
		}
	}
}

// dispatchLocal routes a consumed packet by type
func (s *Service) dispatchLocal(link LinkID, pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.MsgTypeAnnounce:
		s.handleAnnounce(link, pkt)
	case protocol.MsgTypeLeave:
		s.handleLeave(pkt)
	case protocol.MsgTypeMessage:
		s.handlePlainMessage(pkt)
	case protocol.MsgTypeFragment:
		s.handleFragment(link, pkt)
	case protocol.MsgTypeNoiseHandshake:
		s.handleNoiseHandshake(link, pkt)
	case protocol.MsgTypeNoiseEncrypted:
		s.handleNoiseEncrypted(pkt)
	case protocol.MsgTypeDeliveryAck:
		s.handleDeliveryAck(pkt.SenderID, pkt.Payload)
	case protocol.MsgTypeReadReceipt:
		s.handleReadReceipt(pkt.SenderID, pkt.Payload)
	case protocol.MsgTypeSyncRequest:
		s.emit(Event{Type: EventSyncRequest, Peer: pkt.SenderID, Payload: pkt.Payload})
	case protocol.MsgTypeRelayControl:
		// Reserved; carried but not acted on
	default:
		log.Printf("⚠️  Unknown message type 0x%02x from %s", pkt.Type, pkt.SenderID)
	}
}

// handleAnnounce verifies a signed identity announcement and updates the
// peer directory. A first-hop announce binds the sender to its link; a
// relayed one only marks the peer reachable.
func (s *Service) handleAnnounce(link LinkID, pkt *protocol.Packet) {
	ann, err := protocol.DecodeAnnouncePayload(pkt.Payload)
	if err != nil {
		s.security.RecordMalformed(pkt.SenderID)
		return
	}

	if pkt.Signature == nil || !identity.Verify(ann.SigningPublicKey, pkt.SigningBytes(), pkt.Signature) {
		log.Printf("⚠️  Rejected announce from %s: bad signature", pkt.SenderID)
		s.security.RecordMalformed(pkt.SenderID)
		return
	}

	firstHop := pkt.TTL == protocol.DefaultTTL
	if firstHop {
		s.conns.BindPeer(link, pkt.SenderID)
	} else {
		s.conns.MarkReachable(pkt.SenderID)
	}

	s.dirMu.Lock()
	entry, known := s.directory[pkt.SenderID]
	if !known {
		entry = &peerEntry{}
		s.directory[pkt.SenderID] = entry
	}
	changed := !known || entry.nickname != ann.Nickname || entry.noisePub != ann.NoisePublicKey
	entry.nickname = ann.Nickname
	entry.noisePub = ann.NoisePublicKey
	entry.signingPub = ann.SigningPublicKey
	entry.fingerprint = identity.FingerprintOf(ann.NoisePublicKey[:])
	entry.lastSeenMs = pkt.Timestamp
	s.dirMu.Unlock()

	if changed {
		if !known {
			log.Printf("👋 Peer %s announced as %q", pkt.SenderID, ann.Nickname)
		}
		s.emitPeerList()
	}
}

// handleLeave removes a departing peer from the directory
func (s *Service) handleLeave(pkt *protocol.Packet) {
	s.dirMu.Lock()
	_, known := s.directory[pkt.SenderID]
	delete(s.directory, pkt.SenderID)
	s.dirMu.Unlock()

	s.sessions.RemoveSession(pkt.SenderID)
	if known {
		s.emitPeerList()
	}
}

// handlePlainMessage delivers a cleartext application message. Directed
// cleartext is acked in the clear; it predates the sender's session.
func (s *Service) handlePlainMessage(pkt *protocol.Packet) {
	env, err := protocol.DecodeMessageEnvelope(pkt.Payload)
	if err != nil {
		s.security.RecordMalformed(pkt.SenderID)
		return
	}

	s.emit(Event{
		Type:      EventMessageReceived,
		Peer:      pkt.SenderID,
		MsgType:   env.AppType,
		MessageID: env.MessageID,
		Payload:   env.Payload,
	})

	if pkt.RecipientID != nil && !pkt.RecipientID.IsBroadcast() {
		ack := &protocol.DeliveryAckPayload{MessageID: env.MessageID, Timestamp: protocol.NowUnixMilli()}
		out := protocol.NewDirectPacket(protocol.MsgTypeDeliveryAck, s.localPeer, pkt.SenderID, ack.Encode())
		s.sendPacket(out, "")
	}
}

// handleFragment buffers one fragment and, on completion, re-dispatches
// the reassembled packet locally under its original type. Reassembled
// packets are never relayed; the individual fragments already were.
func (s *Service) handleFragment(link LinkID, pkt *protocol.Packet) {
	frag, err := protocol.DecodeFragmentPayload(pkt.Payload)
	if err != nil {
		s.security.RecordMalformed(pkt.SenderID)
		return
	}

	payload, origType, complete, err := s.fragments.Add(pkt.SenderID, frag)
	if err != nil || !complete {
		return
	}

	whole := &protocol.Packet{
		Version:     pkt.Version,
		Type:        origType,
		TTL:         0,
		Timestamp:   pkt.Timestamp,
		SenderID:    pkt.SenderID,
		RecipientID: pkt.RecipientID,
		Payload:     payload,
	}
	s.dispatchLocal(link, whole)
}

// handleNoiseHandshake advances the XX exchange with the sender
func (s *Service) handleNoiseHandshake(link LinkID, pkt *protocol.Packet) {
	reply, established, err := s.sessions.HandleHandshakeMessage(pkt.SenderID, pkt.Payload)
	if err != nil {
		// Includes the suppressed side of a simultaneous initiation;
		// the surviving handshake carries on by itself
		return
	}

	if reply != nil {
		out := protocol.NewDirectPacket(protocol.MsgTypeNoiseHandshake, s.localPeer, pkt.SenderID, reply)
		s.sendPacket(out, link)
	}

	if established {
		s.sessionUp(pkt.SenderID)
	}
}

// sessionUp runs once per established session: flag the link, notify the
// application, flush spooled traffic
func (s *Service) sessionUp(peer protocol.PeerID) {
	s.conns.MarkNoiseEstablished(peer, true)
	s.emit(Event{Type: EventSessionEstablished, Peer: peer})
	s.emitPeerList()
	s.flushSpool(peer)
}

// handleNoiseEncrypted decrypts a transport message and routes the inner
// frame. A failed decrypt tears the session down (the manager does it);
// the next outbound message triggers a fresh handshake.
func (s *Service) handleNoiseEncrypted(pkt *protocol.Packet) {
	plaintext, err := s.sessions.Decrypt(pkt.SenderID, pkt.Payload)
	if err != nil {
		s.conns.MarkNoiseEstablished(pkt.SenderID, false)
		return
	}
	if len(plaintext) < 1 {
		s.security.RecordMalformed(pkt.SenderID)
		return
	}

	innerType, body := plaintext[0], plaintext[1:]
	switch innerType {
	case protocol.MsgTypeMessage:
		env, err := protocol.DecodeMessageEnvelope(body)
		if err != nil {
			s.security.RecordMalformed(pkt.SenderID)
			return
		}
		s.emit(Event{
			Type:      EventMessageReceived,
			Peer:      pkt.SenderID,
			MsgType:   env.AppType,
			MessageID: env.MessageID,
			Payload:   env.Payload,
		})

		ack := &protocol.DeliveryAckPayload{MessageID: env.MessageID, Timestamp: protocol.NowUnixMilli()}
		inner := append([]byte{protocol.MsgTypeDeliveryAck}, ack.Encode()...)
		if err := s.sendEncrypted(pkt.SenderID, inner); err != nil {
			log.Printf("⚠️  Delivery ack to %s failed: %v", pkt.SenderID, err)
		}
	case protocol.MsgTypeDeliveryAck:
		s.handleDeliveryAck(pkt.SenderID, body)
	case protocol.MsgTypeReadReceipt:
		s.handleReadReceipt(pkt.SenderID, body)
	default:
		s.security.RecordMalformed(pkt.SenderID)
	}
}

// handleDeliveryAck surfaces a delivery confirmation
func (s *Service) handleDeliveryAck(from protocol.PeerID, payload []byte) {
	ack, err := protocol.DecodeDeliveryAckPayload(payload)
	if err != nil {
		s.security.RecordMalformed(from)
		return
	}
	s.emit(Event{Type: EventDeliveryAck, Peer: from, MessageID: ack.MessageID})
}

// handleReadReceipt surfaces a read confirmation
func (s *Service) handleReadReceipt(from protocol.PeerID, payload []byte) {
	receipt, err := protocol.DecodeReadReceiptPayload(payload)
	if err != nil {
		s.security.RecordMalformed(from)
		return
	}
	s.emit(Event{Type: EventReadReceipt, Peer: from, MessageID: receipt.MessageID})
}
