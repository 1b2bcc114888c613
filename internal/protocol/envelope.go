// Package protocol defines the wire envelope exchanged over signaling
// connections and the identity encoding carried in handshake parameters.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Topic names with dispatcher-level meaning. Anything else is an application
// topic routed by plain room-scoped pub/sub.
const (
	TopicPing      = "ping"
	TopicResponse  = "response"
	TopicMediasoup = "mediasoup"
	TopicDirect    = "direct"
	TopicModerator = "moderator"

	TopicServer     = "server"
	TopicPeers      = "peers"
	TopicAddPeer    = "add-peer"
	TopicRemovePeer = "remove-peer"
)

// ForwardRoom is the reserved room identifier selecting the server-to-server
// relay mode instead of the normal per-room path.
const ForwardRoom = "~forward"

// ReservedTopics are server-originated presence notifications. Clients cannot
// publish to them; connections are auto-subscribed to all four on join, so
// naming one in a subscribe request changes nothing.
var ReservedTopics = []string{TopicServer, TopicPeers, TopicAddPeer, TopicRemovePeer}

// Reserved reports whether topic is one of the server-only presence topics.
func Reserved(topic string) bool {
	switch topic {
	case TopicServer, TopicPeers, TopicAddPeer, TopicRemovePeer:
		return true
	}
	return false
}

// Envelope is the JSON message unit exchanged over a connection. Payloads are
// kept opaque: the router never interprets Data beyond topic routing.
type Envelope struct {
	Subs    []string        `json:"s,omitempty"`
	Topic   string          `json:"t,omitempty"`
	Data    json.RawMessage `json:"d,omitempty"`
	Request string          `json:"r,omitempty"`
	Peer    string          `json:"p,omitempty"`
	// Room only appears on the forwarding channel, where a single connection
	// carries traffic for many rooms.
	Room string `json:"ro,omitempty"`
}

// ErrEmptyMessage signals a zero-length frame.
var ErrEmptyMessage = errors.New("empty message")

// Decode parses a single wire frame. Failures are per message: the caller logs
// and drops, the connection stays open.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Encode serialises an envelope for transmission.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// serverPayload is the nested shape used to wrap system-originated messages so
// clients can distinguish them from peer-originated traffic.
type serverPayload struct {
	Topic string `json:"t"`
	Data  any    `json:"d"`
}

// NewServerEnvelope wraps a system-originated message as {t:"server", d:{t,d}}.
func NewServerEnvelope(topic string, data any) (*Envelope, error) {
	wrapped, err := json.Marshal(serverPayload{Topic: topic, Data: data})
	if err != nil {
		return nil, fmt.Errorf("wrap server payload: %w", err)
	}
	return &Envelope{Topic: TopicServer, Data: wrapped}, nil
}

// NewServerRequest wraps a system-originated message that expects an eventual
// response correlated by requestID.
func NewServerRequest(topic string, data any, requestID string) (*Envelope, error) {
	env, err := NewServerEnvelope(topic, data)
	if err != nil {
		return nil, err
	}
	env.Request = requestID
	return env, nil
}

// NewPeersEnvelope lists current room membership for a freshly joined peer.
func NewPeersEnvelope(peers []string) (*Envelope, error) {
	if peers == nil {
		peers = []string{}
	}
	data, err := json.Marshal(peers)
	if err != nil {
		return nil, err
	}
	return &Envelope{Topic: TopicPeers, Data: data}, nil
}

// NewPresenceEnvelope announces a peer joining or leaving to forwarding
// connections: the reserved topic (add-peer or remove-peer) travels unwrapped
// with the room annotated, since forwarders span rooms.
func NewPresenceEnvelope(topic, peerID, roomID string) (*Envelope, error) {
	data, err := json.Marshal(peerID)
	if err != nil {
		return nil, err
	}
	return &Envelope{Topic: topic, Data: data, Room: roomID}, nil
}

// NewResponseEnvelope correlates payload data back to an outstanding request.
func NewResponseEnvelope(data json.RawMessage, requestID string) *Envelope {
	return &Envelope{Topic: TopicResponse, Data: data, Request: requestID}
}
