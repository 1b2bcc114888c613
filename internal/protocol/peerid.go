package protocol

import (
	"errors"
	"strings"
)

// PeerID is the structured form of the `<publicKey>.<sessionSuffix>` identity
// string. The public key is the stable identity used for authorization and
// deduplication; the suffix disambiguates multiple sessions of one identity.
// Parsed once at the handshake and never re-split downstream.
type PeerID struct {
	PublicKey string
	Session   string
}

// ErrMissingPeerID signals a handshake without the required id parameter.
var ErrMissingPeerID = errors.New("missing peer id")

// ParsePeerID splits a raw identity string at the first dot.
func ParsePeerID(raw string) (PeerID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PeerID{}, ErrMissingPeerID
	}
	key, session, _ := strings.Cut(raw, ".")
	return PeerID{PublicKey: key, Session: session}, nil
}

// String reassembles the wire form of the identity.
func (p PeerID) String() string {
	if p.Session == "" {
		return p.PublicKey
	}
	return p.PublicKey + "." + p.Session
}
