package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bitmesh/bitmesh-node/pkg/identity"
	"github.com/bitmesh/bitmesh-node/pkg/noise"
	"github.com/bitmesh/bitmesh-node/pkg/protocol"
	"github.com/bitmesh/bitmesh-node/pkg/store"
)

var (
	ErrServiceStopped  = errors.New("mesh service stopped")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum message size")
)

// inbox event kinds
type inboxKind int

const (
	inboxLinkUp inboxKind = iota
	inboxLinkDown
	inboxBytes
	inboxTick
)

type inboxEvent struct {
	kind inboxKind
	link LinkID
	data []byte
	rssi int
}

// Service is the mesh transport core. It owns every table (sessions,
// connections, assemblies, relay history); sub-components receive
// handles, never globals. All protocol state is mutated on a single
// dispatch goroutine fed by the adapter callbacks, so the components
// never race each other.
type Service struct {
	cfg       Config
	localPeer protocol.PeerID
	id        *identity.Identity

	adapter Adapter
	st      *store.Store
	clk     clock.Clock

	sessions  *noise.Manager
	conns     *ConnectionManager
	history   *RelayHistory
	fragments *FragmentManager
	relay     *RelayManager
	security  *SecurityManager
	power     *PowerManager

	dirMu     sync.RWMutex
	directory map[protocol.PeerID]*peerEntry

	inbox  chan inboxEvent
	events chan Event

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup

	lastAnnounce   int64 // Unix ms of the last periodic announce
	inboxOverflows uint64
}

// peerEntry is what an announce taught us about a peer
type peerEntry struct {
	nickname    string
	noisePub    [32]byte
	signingPub  [32]byte
	fingerprint string
	lastSeenMs  uint64
}

// NewService assembles a mesh service around a radio adapter. The store
// may be nil, in which case the identity is ephemeral and messages to
// peers without a session are dropped instead of spooled.
func NewService(cfg Config, adapter Adapter, st *store.Store) (*Service, error) {
	return newService(cfg, adapter, st, clock.New())
}

// newService allows injecting a clock for deterministic timing
func newService(cfg Config, adapter Adapter, st *store.Store, clk clock.Clock) (*Service, error) {
	cfg = cfg.withDefaults()

	var id *identity.Identity
	var err error
	if st != nil {
		id, err = st.LoadOrCreateIdentity()
	} else {
		id, err = identity.Generate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	localPeer := protocol.GeneratePeerID()
	power := NewPowerManager(cfg.PowerTick, clk)

	s := &Service{
		cfg:       cfg,
		localPeer: localPeer,
		id:        id,
		adapter:   adapter,
		st:        st,
		clk:       clk,
		sessions:  noise.NewManager(localPeer, id, clk),
		conns:     NewConnectionManager(power.Params().MaxConnections, cfg.InactivityTimeout, clk),
		history:   NewRelayHistory(cfg.DedupCapacity, cfg.DedupWindow),
		fragments: NewFragmentManager(cfg.FragmentSize, cfg.MaxAssemblies, cfg.MaxAssemblyBytes, cfg.AssemblyTimeout),
		relay:     NewRelayManager(cfg.Relay, int64(binary.BigEndian.Uint64(localPeer[:]))),
		security: NewSecurityManager(SecurityConfig{
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			RateLimitPerHour:   cfg.RateLimitPerHour,
			RSSIFloor:          cfg.RSSIFloor,
			RSSICeiling:        cfg.RSSICeiling,
			ViolationThreshold: cfg.ViolationThreshold,
			BlockDuration:      cfg.BlockDuration,
		}, clk),
		power:     power,
		directory: make(map[protocol.PeerID]*peerEntry),
		inbox:     make(chan inboxEvent, 256),
		events:    make(chan Event, cfg.EventBuffer),
		stop:      make(chan struct{}),
	}
	return s, nil
}

// LocalPeerID returns this node's session peer ID
func (s *Service) LocalPeerID() protocol.PeerID {
	return s.localPeer
}

// Fingerprint returns the stable identity fingerprint
func (s *Service) Fingerprint() string {
	return s.id.Fingerprint()
}

// Events returns the application event channel. It is closed by Stop.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Power returns the power manager so the platform can feed battery and
// app-state readings into it
func (s *Service) Power() *PowerManager {
	return s.power
}

// Start brings the mesh up: radio, dispatch loop, housekeeping timers,
// and the initial identity announce
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}
	s.started = true
	s.mu.Unlock()

	s.adapter.SetHandler(s)

	s.power.OnModeChange(func(_ PowerMode, params PowerParams) {
		s.conns.SetMaxConnections(params.MaxConnections)
	})
	s.power.Start()

	if err := s.adapter.Start(); err != nil {
		s.power.Stop()
		return fmt.Errorf("failed to start adapter: %w", err)
	}

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.maintenanceLoop()

	log.Printf("🌐 Mesh service started: peer %s (%s), fingerprint %s…",
		s.localPeer, s.cfg.Nickname, s.id.Fingerprint()[:16])

	s.broadcastAnnounce()
	return nil
}

// Stop tears the mesh down deterministically: radio first, then the
// dispatch loop, then every table. Session keys are zeroed; no timer or
// goroutine outlives the call.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.adapter.Stop()
	close(s.stop)
	s.wg.Wait()
	s.power.Stop()

	s.sessions.Shutdown()
	s.fragments.Clear()
	s.history.Clear()
	s.conns.Clear()
	s.security.Clear()
	s.id.Zero()

	close(s.events)
	log.Printf("🛑 Mesh service stopped")
}

// ===== Adapter callbacks (AdapterHandler) =====

// OnLinkEstablished queues a link-up event
func (s *Service) OnLinkEstablished(link LinkID, rssi int) {
	s.enqueue(inboxEvent{kind: inboxLinkUp, link: link, rssi: rssi})
}

// OnLinkLost queues a link-down event
func (s *Service) OnLinkLost(link LinkID) {
	s.enqueue(inboxEvent{kind: inboxLinkDown, link: link})
}

// OnBytesReceived queues an inbound frame
func (s *Service) OnBytesReceived(link LinkID, data []byte, rssi int) {
	s.enqueue(inboxEvent{kind: inboxBytes, link: link, data: data, rssi: rssi})
}

// enqueue adds an event to the dispatch queue without ever blocking the
// radio callback; when the queue is full the frame is dropped
func (s *Service) enqueue(ev inboxEvent) {
	select {
	case s.inbox <- ev:
	case <-s.stop:
	default:
		s.mu.Lock()
		s.inboxOverflows++
		s.mu.Unlock()
	}
}

// dispatchLoop is the single goroutine that mutates protocol state
func (s *Service) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.inbox:
			switch ev.kind {
			case inboxLinkUp:
				s.handleLinkUp(ev.link, ev.rssi)
			case inboxLinkDown:
				s.handleLinkDown(ev.link)
			case inboxBytes:
				s.handleFrame(ev.link, ev.data, ev.rssi)
			case inboxTick:
				s.handleTick()
			}
		}
	}
}

// maintenanceLoop feeds housekeeping ticks into the dispatch queue so
// pruning happens on the same goroutine as everything else
func (s *Service) maintenanceLoop() {
	defer s.wg.Done()

	ticker := s.clk.Ticker(s.cfg.MaintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.enqueue(inboxEvent{kind: inboxTick})
		}
	}
}

// handleTick runs the periodic housekeeping pass
func (s *Service) handleTick() {
	for _, link := range s.conns.PruneInactive() {
		s.relay.ForgetLink(link)
	}

	for _, peer := range s.sessions.PruneIdle() {
		s.conns.MarkNoiseEstablished(peer, false)
	}

	if s.st != nil {
		if _, err := s.st.CleanupExpired(); err != nil {
			log.Printf("⚠️  Spool cleanup failed: %v", err)
		}
	}

	now := protocol.NowUnixMilli()
	s.mu.Lock()
	due := now-uint64(s.lastAnnounce) >= uint64(s.cfg.AnnounceInterval.Milliseconds())
	s.mu.Unlock()
	if due {
		s.broadcastAnnounce()
	}
}

// ===== Outbound API =====

// SendApplicationMessage sends an application payload into the mesh and
// returns its message ID. With a recipient the message goes over that
// peer's Noise channel, spooling and starting a handshake when the
// channel is not up yet; without one it floods in the clear.
func (s *Service) SendApplicationMessage(appType uint8, payload []byte, recipient *protocol.PeerID) ([16]byte, error) {
	messageID := [16]byte(uuid.New())

	if len(payload) > protocol.MaxPayloadSize-64 {
		return messageID, ErrPayloadTooLarge
	}

	env := &protocol.MessageEnvelope{AppType: appType, MessageID: messageID, Payload: payload}

	if recipient == nil || recipient.IsBroadcast() {
		s.sendFlood(protocol.MsgTypeMessage, env.Encode())
		return messageID, nil
	}

	if err := s.sendSecure(*recipient, env); err != nil {
		return messageID, err
	}
	return messageID, nil
}

// SendReadReceipt reports to a sender that their message was displayed
func (s *Service) SendReadReceipt(to protocol.PeerID, messageID [16]byte) error {
	receipt := &protocol.ReadReceiptPayload{
		MessageID: messageID,
		Timestamp: protocol.NowUnixMilli(),
		Status:    protocol.ReadStatusRead,
	}

	if s.sessions.IsEstablished(to) {
		inner := append([]byte{protocol.MsgTypeReadReceipt}, receipt.Encode()...)
		return s.sendEncrypted(to, inner)
	}

	pkt := protocol.NewDirectPacket(protocol.MsgTypeReadReceipt, s.localPeer, to, receipt.Encode())
	s.sendPacket(pkt, "")
	return nil
}

// Leave announces a graceful departure so peers can drop this node
// immediately instead of waiting for it to age out
func (s *Service) Leave() {
	s.sendFlood(protocol.MsgTypeLeave, nil)
}

// RequestSync asks a peer (or everyone) to resend what this node missed.
// The sync semantics themselves belong to the application layer.
func (s *Service) RequestSync(recipient *protocol.PeerID) {
	if recipient == nil {
		s.sendFlood(protocol.MsgTypeSyncRequest, nil)
		return
	}
	pkt := protocol.NewDirectPacket(protocol.MsgTypeSyncRequest, s.localPeer, *recipient, nil)
	s.sendPacket(pkt, "")
}

// sendSecure delivers an envelope over a peer's Noise channel, spooling
// it and kicking off a handshake when no channel exists
func (s *Service) sendSecure(to protocol.PeerID, env *protocol.MessageEnvelope) error {
	if s.sessions.NeedsRekey(to) {
		s.startHandshakeWith(to, true)
		return s.spool(to, env)
	}

	if !s.sessions.IsEstablished(to) {
		s.startHandshakeWith(to, false)
		return s.spool(to, env)
	}

	inner := append([]byte{protocol.MsgTypeMessage}, env.Encode()...)
	return s.sendEncrypted(to, inner)
}

// sendEncrypted encrypts an inner frame and sends it, fragmenting the
// ciphertext when it exceeds the fragment size
func (s *Service) sendEncrypted(to protocol.PeerID, inner []byte) error {
	ciphertext, err := s.sessions.Encrypt(to, inner)
	if err != nil {
		return err
	}

	if len(ciphertext) > s.fragments.FragmentSize() {
		s.sendFragmented(protocol.MsgTypeNoiseEncrypted, &to, ciphertext)
		return nil
	}

	pkt := protocol.NewDirectPacket(protocol.MsgTypeNoiseEncrypted, s.localPeer, to, ciphertext)
	s.sendPacket(pkt, "")
	return nil
}

// sendFlood floods a payload to every reachable peer
func (s *Service) sendFlood(msgType uint8, payload []byte) {
	if len(payload) > s.fragments.FragmentSize() {
		s.sendFragmented(msgType, nil, payload)
		return
	}

	pkt := protocol.NewPacket(msgType, s.localPeer, payload)
	s.sendPacket(pkt, "")
}

// sendFragmented splits a payload and sends each piece as its own packet
func (s *Service) sendFragmented(origType uint8, recipient *protocol.PeerID, payload []byte) {
	for _, frag := range s.fragments.Split(origType, payload) {
		var pkt *protocol.Packet
		if recipient != nil {
			pkt = protocol.NewDirectPacket(protocol.MsgTypeFragment, s.localPeer, *recipient, frag.Encode())
		} else {
			pkt = protocol.NewPacket(protocol.MsgTypeFragment, s.localPeer, frag.Encode())
		}
		s.sendPacket(pkt, "")
	}
}

// sendPacket encodes and transmits one packet. Directed packets prefer
// the recipient's direct link, then the suggested link, then a flood.
// Own flood packets are witnessed so echoes arriving back are dropped.
func (s *Service) sendPacket(pkt *protocol.Packet, preferLink LinkID) {
	frame, err := pkt.Encode(true)
	if err != nil {
		log.Printf("⚠️  Encode failed for type 0x%02x: %v", pkt.Type, err)
		return
	}

	if pkt.RecipientID != nil && !pkt.RecipientID.IsBroadcast() {
		if link, ok := s.conns.DirectLink(*pkt.RecipientID); ok {
			if err := s.adapter.Send(link, frame); err == nil {
				return
			}
		}
		if preferLink != "" {
			if err := s.adapter.Send(preferLink, frame); err == nil {
				return
			}
		}
	}

	s.history.Witness(pkt)
	if err := s.adapter.Broadcast(frame); err != nil {
		log.Printf("⚠️  Broadcast failed: %v", err)
	}
}

// startHandshakeWith begins (or restarts, for rekey) an XX exchange
func (s *Service) startHandshakeWith(to protocol.PeerID, rekey bool) {
	var msg []byte
	var err error
	if rekey {
		msg, err = s.sessions.InitiateRekey(to)
	} else {
		msg, err = s.sessions.InitiateHandshake(to)
	}
	if err != nil {
		// Already handshaking, or in backoff after a failure
		return
	}

	pkt := protocol.NewDirectPacket(protocol.MsgTypeNoiseHandshake, s.localPeer, to, msg)
	s.sendPacket(pkt, "")
}

// spool stores an envelope until the recipient's channel comes up
func (s *Service) spool(to protocol.PeerID, env *protocol.MessageEnvelope) error {
	if s.st == nil {
		return noise.ErrNotEstablished
	}
	return s.st.EnqueueSpool(to, env.MessageID, env.AppType, env.Payload)
}

// flushSpool drains queued messages after a session establishes
func (s *Service) flushSpool(to protocol.PeerID) {
	if s.st == nil {
		return
	}

	messages, err := s.st.DequeueSpool(to)
	if err != nil {
		log.Printf("⚠️  Spool dequeue failed for %s: %v", to, err)
		return
	}

	for _, m := range messages {
		env := &protocol.MessageEnvelope{AppType: m.MsgType, MessageID: m.MessageID, Payload: m.Payload}
		inner := append([]byte{protocol.MsgTypeMessage}, env.Encode()...)
		if err := s.sendEncrypted(to, inner); err != nil {
			log.Printf("⚠️  Spool flush failed for %s: %v", to, err)
			return
		}
	}

	if len(messages) > 0 {
		log.Printf("📤 Flushed %d spooled messages to %s", len(messages), to)
	}
}

// broadcastAnnounce floods the signed identity announcement
func (s *Service) broadcastAnnounce() {
	s.mu.Lock()
	s.lastAnnounce = int64(protocol.NowUnixMilli())
	s.mu.Unlock()

	s.sendPacket(s.makeAnnouncePacket(), "")
}

// makeAnnouncePacket builds the signed announce for this node
func (s *Service) makeAnnouncePacket() *protocol.Packet {
	ann := &protocol.AnnouncePayload{
		NoisePublicKey:   s.id.NoisePublic(),
		SigningPublicKey: s.id.SigningPublic(),
		Nickname:         s.cfg.Nickname,
	}

	pkt := protocol.NewPacket(protocol.MsgTypeAnnounce, s.localPeer, ann.Encode())
	pkt.Signature = s.id.Sign(pkt.SigningBytes())
	return pkt
}

// emit delivers an event to the application, dropping the oldest unread
// event instead of blocking dispatch when the channel is full
func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Peers returns the application-visible peer list
func (s *Service) Peers() []PeerInfo {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	out := make([]PeerInfo, 0, len(s.directory))
	for id, entry := range s.directory {
		_, direct := s.conns.DirectLink(id)
		out = append(out, PeerInfo{
			ID:               id,
			Nickname:         entry.nickname,
			Fingerprint:      entry.fingerprint,
			IsDirect:         direct,
			NoiseEstablished: s.sessions.IsEstablished(id),
			LastSeen:         int64(entry.lastSeenMs),
		})
	}
	return out
}

// emitPeerList pushes a fresh peer list to the application
func (s *Service) emitPeerList() {
	s.emit(Event{Type: EventPeerListChanged, Peers: s.Peers()})
}

// Stats is a point-in-time operational snapshot
type Stats struct {
	LocalPeer   string `json:"local_peer"`
	Nickname    string `json:"nickname"`
	Fingerprint string `json:"fingerprint"`
	PowerMode   string `json:"power_mode"`

	Connections int `json:"connections"`
	Peers       int `json:"peers"`
	Sessions    int `json:"sessions"`
	Assemblies  int `json:"assemblies"`
	DedupSize   int `json:"dedup_size"`

	Relayed uint64 `json:"relayed"`
	Damped  uint64 `json:"damped"`
	Choked  uint64 `json:"choked"`

	DroppedRate      uint64 `json:"dropped_rate"`
	DroppedRSSI      uint64 `json:"dropped_rssi"`
	DroppedMalformed uint64 `json:"dropped_malformed"`
	DroppedBlocked   uint64 `json:"dropped_blocked"`
	InboxOverflows   uint64 `json:"inbox_overflows"`
}

// Snapshot collects current counters from every component
func (s *Service) Snapshot() Stats {
	relayed, damped, choked := s.relay.Stats()
	rate, rssi, malformed, blocked := s.security.Stats()

	s.dirMu.RLock()
	peers := len(s.directory)
	s.dirMu.RUnlock()

	s.mu.Lock()
	overflows := s.inboxOverflows
	s.mu.Unlock()

	return Stats{
		LocalPeer:        s.localPeer.String(),
		Nickname:         s.cfg.Nickname,
		Fingerprint:      s.id.Fingerprint(),
		PowerMode:        s.power.Mode().String(),
		Connections:      s.conns.NeighborCount(),
		Peers:            peers,
		Sessions:         len(s.sessions.EstablishedPeers()),
		Assemblies:       s.fragments.ActiveAssemblies(),
		DedupSize:        s.history.Len(),
		Relayed:          relayed,
		Damped:           damped,
		Choked:           choked,
		DroppedRate:      rate,
		DroppedRSSI:      rssi,
		DroppedMalformed: malformed,
		DroppedBlocked:   blocked,
		InboxOverflows:   overflows,
	}
}

// Connections exposes the live link table
func (s *Service) Connections() []ConnectionRecord {
	return s.conns.ActiveConnections()
}
