// Package router is the signaling core: it multiplexes persistent
// connections per room, routes topic-scoped publish/subscribe traffic,
// correlates request/response exchanges, and relays messages to out-of-process
// worker servers over forwarding connections.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"roomcast/signaling/internal/config"
	"roomcast/signaling/internal/logging"
	"roomcast/signaling/internal/protocol"
	"roomcast/signaling/internal/store"
)

// storeOpTimeout bounds lookups against the external room store so a stalled
// dependency cannot wedge connection cleanup.
const storeOpTimeout = 5 * time.Second

// ErrPeerNotConnected is returned by the server-side messaging API when the
// addressed peer has no live connection in the room.
var ErrPeerNotConnected = errors.New("peer is not connected")

// Recorder observes routed signaling events for the optional journal.
// Implementations must not block.
type Recorder interface {
	RecordEvent(kind, roomID, topic, peerID string)
}

// Option customises Router construction.
type Option func(*Router)

// WithRecorder wires a journal recorder into the router.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithClock overrides the router clock, enabling deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Router owns every routing table and the per-connection lifecycle. All table
// mutations happen synchronously under one lock, so no event ever observes a
// half-updated table; store lookups and deliveries happen outside it.
type Router struct {
	cfg       *config.Config
	logger    *logging.Logger
	roomStore *store.Rooms
	recorder  Recorder
	now       func() time.Time

	mu       sync.Mutex
	members  *membership
	subs     *subscriptionTable
	forwards *forwardTable
	closed   bool

	requests   *requestTable
	broadcasts atomic.Uint64
	started    time.Time
	wg         sync.WaitGroup
}

// New constructs a router with empty tables.
func New(cfg *config.Config, logger *logging.Logger, roomStore *store.Rooms, opts ...Option) *Router {
	if logger == nil {
		logger = logging.L()
	}
	r := &Router{
		cfg:       cfg,
		logger:    logger.With(logging.String("component", "router")),
		roomStore: roomStore,
		now:       time.Now,
		members:   newMembership(),
		subs:      newSubscriptionTable(),
		forwards:  newForwardTable(),
		requests:  newRequestTable(cfg.RequestTimeout),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.started = r.now()
	return r
}

// AttachPeer admits an authorized peer connection: registers it in the room,
// announces it, auto-subscribes the reserved topics plus any handshake
// topics, bootstraps its peer list, and arms the heartbeat watchdog. Returns
// nil when the router is already shut down.
func (r *Router) AttachPeer(sender Sender, roomID string, peer protocol.PeerID, subs []string) *Conn {
	c := &Conn{
		kind:   peerConn,
		sender: sender,
		roomID: roomID,
		peer:   peer,
		done:   make(chan struct{}),
	}
	c.touch(r.now().UnixNano())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sender.Close()
		return nil
	}
	// Snapshots taken before the newcomer is registered: the bootstrap peer
	// list excludes the connection itself and the join announcement never
	// echoes back to it.
	existing := r.members.peers(roomID)
	announceTo := r.subs.subscribers(roomID, protocol.TopicAddPeer)
	forwarders := r.forwards.all()
	r.members.add(roomID, c)
	r.subs.subscribe(c, roomID, protocol.ReservedTopics)
	if len(subs) > 0 {
		r.subs.subscribe(c, roomID, subs)
	}
	r.mu.Unlock()

	r.logger.Info("ws open",
		logging.String("room_id", roomID),
		logging.String("peer_id", peer.String()),
		logging.Strings("subs", subs))

	// Subscribers see presence server-wrapped like any system message;
	// forwarders get the bare topic with the room annotated.
	if env, err := protocol.NewServerEnvelope(protocol.TopicAddPeer, peer.String()); err == nil {
		r.deliverAll(announceTo, env)
	}
	if env, err := protocol.NewPresenceEnvelope(protocol.TopicAddPeer, peer.String(), roomID); err == nil {
		r.deliverAll(forwarders, env)
	}
	if env, err := protocol.NewPeersEnvelope(existing); err == nil {
		c.deliver(env, r.logger)
	}
	r.record("join", roomID, "", peer.String())

	r.wg.Add(1)
	go r.watch(c)
	return c
}

// AttachForward admits a trusted backend connection on the forwarding
// channel, registering it as the sole handler for each listed topic.
// Forwarding connections skip room presence and the heartbeat watchdog.
func (r *Router) AttachForward(sender Sender, serverID string, topics []string) *Conn {
	c := &Conn{
		kind:     forwardConn,
		sender:   sender,
		serverID: serverID,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sender.Close()
		return nil
	}
	r.forwards.add(c, topics)
	r.mu.Unlock()

	r.logger.Info("ws start forwarding",
		logging.String("server_id", serverID),
		logging.Strings("topics", topics))
	r.record("forward-join", "", "", serverID)
	return c
}

// CloseConn tears a connection down. Safe to call from any goroutine and any
// number of times; the first call wins and purges every table entry before
// any announcement goes out.
func (r *Router) CloseConn(c *Conn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)

	if c.kind == forwardConn {
		r.forwards.remove(c)
		r.mu.Unlock()
		_ = c.sender.Close()
		r.logger.Info("ws stop forwarding", logging.String("server_id", c.serverID))
		r.record("forward-leave", "", "", c.serverID)
		return
	}

	roomEmpty := r.members.remove(c.roomID, c)
	r.subs.unsubscribeAll(c)
	hasOtherSession := r.members.hasOtherSession(c.roomID, c)
	announceTo := r.subs.subscribers(c.roomID, protocol.TopicRemovePeer)
	forwarders := r.forwards.all()
	r.mu.Unlock()

	_ = c.sender.Close()
	r.logger.Info("ws closed",
		logging.String("room_id", c.roomID),
		logging.String("peer_id", c.peer.String()))

	if env, err := protocol.NewServerEnvelope(protocol.TopicRemovePeer, c.peer.String()); err == nil {
		r.deliverAll(announceTo, env)
	}
	if env, err := protocol.NewPresenceEnvelope(protocol.TopicRemovePeer, c.peer.String(), c.roomID); err == nil {
		r.deliverAll(forwarders, env)
	}
	if !hasOtherSession && r.roomStore != nil {
		ctx, cancel := storeContext()
		r.roomStore.PurgeKeys(ctx, c.roomID, c.peer.PublicKey, roomEmpty)
		cancel()
	}
	r.record("leave", c.roomID, "", c.peer.String())
}

// watch closes the connection once the client stops sending pings. The
// check runs every HeartbeatCheckInterval; silence beyond
// HeartbeatMaxSilence is treated as a dead transport, not an error.
func (r *Router) watch(c *Conn) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			silent := time.Duration(r.now().UnixNano() - c.lastPing.Load())
			if silent > r.cfg.HeartbeatMaxSilence {
				r.logger.Info("killing stale connection",
					logging.String("room_id", c.roomID),
					logging.String("peer_id", c.peer.String()),
					logging.Duration("silent", silent))
				r.CloseConn(c)
				return
			}
		}
	}
}

// publish delivers an envelope to every current subscriber of (roomID, topic).
// No subscribers means a silent no-op; no delivery is ever retried or queued.
func (r *Router) publish(roomID, topic string, env *protocol.Envelope) {
	r.mu.Lock()
	targets := r.subs.subscribers(roomID, topic)
	r.mu.Unlock()
	if len(targets) == 0 {
		return
	}
	r.broadcasts.Add(1)
	r.deliverAll(targets, env)
}

func (r *Router) deliverAll(targets []*Conn, env *protocol.Envelope) {
	for _, c := range targets {
		c.deliver(env, r.logger)
	}
}

// Broadcast wraps a system-originated message and publishes it to every
// connection in the room (all peers are auto-subscribed to the server topic).
func (r *Router) Broadcast(roomID, topic string, data any) error {
	env, err := protocol.NewServerEnvelope(topic, data)
	if err != nil {
		return err
	}
	r.publish(roomID, protocol.TopicServer, env)
	return nil
}

// SendDirect delivers a system-originated message to one specific peer.
func (r *Router) SendDirect(roomID, peerID, topic string, data any) error {
	r.mu.Lock()
	target := r.members.find(roomID, peerID)
	r.mu.Unlock()
	if target == nil {
		return ErrPeerNotConnected
	}
	env, err := protocol.NewServerEnvelope(topic, data)
	if err != nil {
		return err
	}
	target.deliver(env, r.logger)
	return nil
}

// SendRequest delivers a system-originated message to one peer and returns a
// future resolving with that peer's response, or ErrRequestTimeout. A zero
// timeout selects the configured default.
func (r *Router) SendRequest(roomID, peerID, topic string, data any, timeout time.Duration) (<-chan Response, error) {
	r.mu.Lock()
	target := r.members.find(roomID, peerID)
	r.mu.Unlock()
	if target == nil {
		return nil, ErrPeerNotConnected
	}
	id, result := r.requests.newLocal(timeout)
	env, err := protocol.NewServerRequest(topic, data, id)
	if err != nil {
		return nil, err
	}
	target.deliver(env, r.logger)
	return result, nil
}

// ActiveUsersInRoom returns the distinct identities (public keys) currently
// connected to the room, sorted for stable output.
func (r *Router) ActiveUsersInRoom(roomID string) []string {
	r.mu.Lock()
	conns := r.members.connections(roomID)
	r.mu.Unlock()
	seen := make(map[string]struct{}, len(conns))
	users := make([]string, 0, len(conns))
	for _, c := range conns {
		if _, ok := seen[c.peer.PublicKey]; ok {
			continue
		}
		seen[c.peer.PublicKey] = struct{}{}
		users = append(users, c.peer.PublicKey)
	}
	sort.Strings(users)
	return users
}

// ActiveUserCount sums distinct identities across all rooms.
func (r *Router) ActiveUserCount() int {
	r.mu.Lock()
	roomIDs := r.members.roomIDs()
	r.mu.Unlock()
	total := 0
	for _, roomID := range roomIDs {
		total += len(r.ActiveUsersInRoom(roomID))
	}
	return total
}

// Stats is a point-in-time snapshot of router occupancy.
type Stats struct {
	Clients         int
	Rooms           int
	Forwarders      int
	PendingRequests int
	Broadcasts      uint64
}

// Snapshot captures current occupancy for the operational endpoints.
func (r *Router) Snapshot() Stats {
	r.mu.Lock()
	stats := Stats{
		Clients:    r.members.connCount(),
		Rooms:      r.members.roomCount(),
		Forwarders: r.forwards.count(),
	}
	r.mu.Unlock()
	stats.PendingRequests = r.requests.len()
	stats.Broadcasts = r.broadcasts.Load()
	return stats
}

// Uptime reports how long the router has been operating.
func (r *Router) Uptime() time.Duration {
	return r.now().Sub(r.started)
}

// Shutdown closes every connection, fails all pending requests, and waits for
// the watchdogs to drain. The router accepts no connections afterwards.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Conn, 0, r.members.connCount()+r.forwards.count())
	for _, roomID := range r.members.roomIDs() {
		conns = append(conns, r.members.connections(roomID)...)
	}
	conns = append(conns, r.forwards.all()...)
	r.mu.Unlock()

	for _, c := range conns {
		r.CloseConn(c)
	}
	r.requests.close()
	r.wg.Wait()
	r.logger.Info("router shut down")
}

func (r *Router) record(kind, roomID, topic, peerID string) {
	if r.recorder != nil {
		r.recorder.RecordEvent(kind, roomID, topic, peerID)
	}
}

// storeContext scopes one lookup against the external store.
func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeOpTimeout)
}
