package router

// membership tracks which peer connections belong to which room. An entry
// exists if and only if its connection set is non-empty. Not safe for
// concurrent use on its own; the Router's lock guards every mutation.
type membership struct {
	rooms map[string]map[*Conn]struct{}
}

func newMembership() *membership {
	return &membership{rooms: make(map[string]map[*Conn]struct{})}
}

func (m *membership) add(roomID string, c *Conn) {
	set, ok := m.rooms[roomID]
	if !ok {
		set = make(map[*Conn]struct{})
		m.rooms[roomID] = set
	}
	set[c] = struct{}{}
}

// remove drops the connection and reports whether the room is now empty.
func (m *membership) remove(roomID string, c *Conn) bool {
	set, ok := m.rooms[roomID]
	if !ok {
		return true
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m.rooms, roomID)
		return true
	}
	return false
}

func (m *membership) connections(roomID string) []*Conn {
	set := m.rooms[roomID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// find locates the single connection in the room with the given identity.
func (m *membership) find(roomID, peerID string) *Conn {
	for c := range m.rooms[roomID] {
		if c.peer.String() == peerID {
			return c
		}
	}
	return nil
}

func (m *membership) peers(roomID string) []string {
	set := m.rooms[roomID]
	peers := make([]string, 0, len(set))
	for c := range set {
		peers = append(peers, c.peer.String())
	}
	return peers
}

// hasOtherSession reports whether any connection besides c shares c's public
// key within the same room.
func (m *membership) hasOtherSession(roomID string, c *Conn) bool {
	for other := range m.rooms[roomID] {
		if other != c && other.peer.PublicKey == c.peer.PublicKey {
			return true
		}
	}
	return false
}

func (m *membership) roomIDs() []string {
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (m *membership) roomCount() int { return len(m.rooms) }

func (m *membership) connCount() int {
	total := 0
	for _, set := range m.rooms {
		total += len(set)
	}
	return total
}
