// Package gate owns the websocket upgrade handshake: it decides admit or
// reject before any connection state exists, then adapts admitted sockets to
// the router's sender contract.
package gate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"roomcast/signaling/internal/auth"
	"roomcast/signaling/internal/config"
	"roomcast/signaling/internal/logging"
	"roomcast/signaling/internal/protocol"
	"roomcast/signaling/internal/router"
	"roomcast/signaling/internal/store"
)

var errIdentityNotAllowed = errors.New("identity not on room allow-list")

// Gate authorizes upgrade requests and hands admitted connections to the
// router. The URL path names the room; id, subs and token travel in the query
// string.
type Gate struct {
	cfg      *config.Config
	logger   *logging.Logger
	router   *router.Router
	rooms    *store.Rooms
	verifier auth.Verifier
	upgrader websocket.Upgrader
}

// New wires a gate in front of the router. A nil verifier admits any peer
// carrying an id, which is only acceptable behind a trusted proxy.
func New(cfg *config.Config, logger *logging.Logger, rt *router.Router, rooms *store.Rooms, verifier auth.Verifier) *Gate {
	if logger == nil {
		logger = logging.L()
	}
	return &Gate{
		cfg:    cfg,
		logger: logger.With(logging.String("component", "gate")),
		router: rt,
		rooms:  rooms,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			// Browser contexts connect cross-origin; the token is the
			// admission control, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles one upgrade request. Rejections answer 401 with an empty
// body and never reveal which check failed.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := strings.Trim(r.URL.Path, "/")
	query := r.URL.Query()
	rawPeer := query.Get("id")
	subs := splitTopics(query.Get("subs"))

	peer, err := g.authorize(r.Context(), roomID, rawPeer, query.Get("token"))
	if err != nil {
		g.logger.Info("rejecting upgrade",
			logging.String("room_id", roomID),
			logging.String("peer_id", rawPeer),
			logging.Error(err))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		g.logger.Warn("upgrade failed", logging.Error(err))
		return
	}
	if g.cfg.MaxPayloadBytes > 0 {
		conn.SetReadLimit(g.cfg.MaxPayloadBytes)
	}
	sender := newWSSender(conn)

	if roomID == protocol.ForwardRoom {
		c := g.router.AttachForward(sender, peer.String(), subs)
		if c == nil {
			return
		}
		g.readLoop(conn, c, g.router.HandleForwardMessage)
		return
	}

	c := g.router.AttachPeer(sender, roomID, peer, subs)
	if c == nil {
		return
	}
	g.readLoop(conn, c, g.router.HandleMessage)
}

// authorize applies the admission rules: an id is always required, the
// forwarding channel skips token checks, and rooms with an explicit
// allow-list admit only listed identities. A failing room store lookup
// degrades to an open room.
func (g *Gate) authorize(ctx context.Context, roomID, rawPeer, token string) (protocol.PeerID, error) {
	peer, err := protocol.ParsePeerID(rawPeer)
	if err != nil {
		return protocol.PeerID{}, err
	}
	if roomID == protocol.ForwardRoom {
		// TODO authenticate the forwarding channel; today it trusts the
		// network boundary, as the deployed workers require.
		return peer, nil
	}
	if g.verifier != nil {
		if err := g.verifier.Verify(token, peer.PublicKey); err != nil {
			return protocol.PeerID{}, err
		}
	}
	if g.rooms != nil {
		allowed := g.rooms.AllowedIdentities(ctx, roomID)
		if len(allowed) > 0 && !contains(allowed, peer.PublicKey) {
			return protocol.PeerID{}, errIdentityNotAllowed
		}
	}
	return peer, nil
}

// readLoop pumps inbound frames into the router until the transport dies,
// then runs the full close path exactly once.
func (g *Gate) readLoop(conn *websocket.Conn, c *router.Conn, handle func(*router.Conn, []byte)) {
	defer g.router.CloseConn(c)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.logger.Debug("read loop ended", logging.Error(err))
			}
			return
		}
		handle(c, msg)
	}
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	topics := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			topics = append(topics, part)
		}
	}
	if len(topics) == 0 {
		return nil
	}
	return topics
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
