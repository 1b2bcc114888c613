package router

import (
	"sync/atomic"

	"roomcast/signaling/internal/logging"
	"roomcast/signaling/internal/protocol"
)

// Sender delivers encoded frames to the remote side of a connection. The
// websocket layer implements it with a buffered write pump; tests implement
// it in memory. Send must not block: slow consumers are the sender's problem,
// not the router's.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// connKind distinguishes the two connection variants admitted by the gate.
type connKind int

const (
	peerConn connKind = iota
	forwardConn
)

// Conn is one admitted connection. Peer connections belong to a room and a
// parsed peer identity; forwarding connections belong to the reserved
// forwarding channel and carry a server id instead. The router exclusively
// owns the mapping from Conn to its table entries.
type Conn struct {
	kind   connKind
	sender Sender

	roomID string
	peer   protocol.PeerID

	serverID string

	lastPing atomic.Int64
	done     chan struct{}
	closed   bool // guarded by Router.mu
}

// PeerID returns the wire form of the connection's identity.
func (c *Conn) PeerID() string { return c.peer.String() }

// RoomID returns the room this peer connection was admitted to.
func (c *Conn) RoomID() string { return c.roomID }

// touch records client-observed liveness for the heartbeat watchdog.
func (c *Conn) touch(nowNanos int64) { c.lastPing.Store(nowNanos) }

// deliver encodes and sends one envelope. Failures are logged and swallowed:
// a broken transport surfaces through the read loop shortly after.
func (c *Conn) deliver(env *protocol.Envelope, logger *logging.Logger) {
	data, err := protocol.Encode(env)
	if err != nil {
		logger.Warn("dropping unencodable envelope",
			logging.String("topic", env.Topic), logging.Error(err))
		return
	}
	if err := c.sender.Send(data); err != nil {
		logger.Debug("send failed", logging.String("conn", c.label()), logging.Error(err))
	}
}

func (c *Conn) label() string {
	if c.kind == forwardConn {
		return "forward:" + c.serverID
	}
	return c.roomID + "/" + c.peer.String()
}
