package router

import (
	"encoding/json"

	"roomcast/signaling/internal/logging"
	"roomcast/signaling/internal/protocol"
)

// HandleMessage interprets one inbound envelope from a peer connection.
// Called from the connection's read loop, so envelopes on a single
// connection are processed in arrival order.
func (r *Router) HandleMessage(c *Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("dropping malformed message",
			logging.String("conn", c.label()), logging.Error(err))
		return
	}

	// Pings bypass dispatch entirely; they exist only to feed the watchdog.
	if env.Topic == protocol.TopicPing {
		c.touch(r.now().UnixNano())
		return
	}

	if len(env.Subs) > 0 {
		r.mu.Lock()
		if !c.closed {
			r.subs.subscribe(c, c.roomID, env.Subs)
		}
		r.mu.Unlock()
	}

	// Reserved topics are server-originated only; clients naming them are
	// impersonating presence events and get ignored.
	if env.Topic == "" || protocol.Reserved(env.Topic) {
		return
	}

	switch env.Topic {
	case protocol.TopicResponse:
		r.requests.accepted(env.Request, env.Data)

	case protocol.TopicMediasoup:
		r.mu.Lock()
		handler := r.forwards.handler(protocol.TopicMediasoup)
		r.mu.Unlock()
		if handler == nil {
			// No worker registered: the caller sees a timeout, not an error.
			r.logger.Debug("no forward handler", logging.String("topic", env.Topic))
			return
		}
		handler.deliver(&protocol.Envelope{
			Topic:   env.Topic,
			Data:    env.Data,
			Room:    c.roomID,
			Request: env.Request,
			Peer:    c.PeerID(),
		}, r.logger)
		r.record("relay", c.roomID, env.Topic, c.PeerID())

	case protocol.TopicDirect:
		r.mu.Lock()
		target := r.members.find(c.roomID, env.Peer)
		r.mu.Unlock()
		if target == nil {
			// Fire and forget; no mailbox for absent peers.
			return
		}
		target.deliver(&protocol.Envelope{
			Topic: protocol.TopicDirect,
			Data:  env.Data,
			Peer:  c.PeerID(),
		}, r.logger)
		r.record("direct", c.roomID, env.Topic, c.PeerID())

	case protocol.TopicModerator:
		r.deliverToModerators(c, env.Data)

	default:
		r.publish(c.roomID, env.Topic, &protocol.Envelope{
			Topic: env.Topic,
			Data:  env.Data,
			Peer:  c.PeerID(),
		})
		r.record("publish", c.roomID, env.Topic, c.PeerID())
	}
}

// deliverToModerators sends a direct message to every connected peer whose
// identity is currently in the room's moderator list. The list is fetched
// fresh per call so moderator changes take effect immediately; a failing
// store means no moderators, never a routing error.
func (r *Router) deliverToModerators(c *Conn, data json.RawMessage) {
	if r.roomStore == nil {
		return
	}
	ctx, cancel := storeContext()
	moderators := r.roomStore.Moderators(ctx, c.roomID)
	cancel()
	if len(moderators) == 0 {
		return
	}
	allowed := make(map[string]struct{}, len(moderators))
	for _, id := range moderators {
		allowed[id] = struct{}{}
	}

	r.mu.Lock()
	conns := r.members.connections(c.roomID)
	r.mu.Unlock()

	out := &protocol.Envelope{Topic: protocol.TopicDirect, Data: data, Peer: c.PeerID()}
	for _, target := range conns {
		if _, ok := allowed[target.peer.PublicKey]; ok {
			target.deliver(out, r.logger)
		}
	}
	r.record("moderator", c.roomID, protocol.TopicModerator, c.PeerID())
}

// HandleForwardMessage interprets one inbound envelope from a forwarding
// connection, letting a worker answer requests, notify peers, or issue its
// own request/response exchanges through this server.
func (r *Router) HandleForwardMessage(fc *Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("dropping malformed forward message",
			logging.String("conn", fc.label()), logging.Error(err))
		return
	}

	if env.Topic == protocol.TopicResponse {
		// Responses first try to resolve a request this server issued; the
		// rest are owed to a connected peer.
		if r.requests.accepted(env.Request, env.Data) {
			return
		}
		if target := r.findPeer(env.Room, env.Peer); target != nil {
			target.deliver(protocol.NewResponseEnvelope(env.Data, env.Request), r.logger)
		}
		return
	}

	target := r.findPeer(env.Room, env.Peer)
	if target == nil {
		r.logger.Warn("cannot forward to disconnected peer",
			logging.String("room_id", env.Room),
			logging.String("peer_id", env.Peer))
		return
	}

	if env.Request == "" {
		if out, err := protocol.NewServerEnvelope(env.Topic, env.Data); err == nil {
			target.deliver(out, r.logger)
		}
		r.record("forward-notify", env.Room, env.Topic, env.Peer)
		return
	}

	// The worker expects an answer: remember who is owed it before relaying,
	// so the peer's eventual response envelope finds its way back.
	requestID := env.Request
	r.requests.newForward(requestID, func(data json.RawMessage) {
		fc.deliver(protocol.NewResponseEnvelope(data, requestID), r.logger)
	})
	if out, err := protocol.NewServerRequest(env.Topic, env.Data, requestID); err == nil {
		target.deliver(out, r.logger)
	}
	r.record("forward-request", env.Room, env.Topic, env.Peer)
}

func (r *Router) findPeer(roomID, peerID string) *Conn {
	if roomID == "" || peerID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members.find(roomID, peerID)
}
