package router

// subKey scopes a topic to a room. Subscriptions never cross rooms.
type subKey struct {
	roomID string
	topic  string
}

// subscriptionTable maps (room, topic) to the set of subscribed connections,
// pruning emptied sets so idle topics cost nothing. Guarded by the Router's
// lock, like membership.
type subscriptionTable struct {
	subs map[subKey]map[*Conn]struct{}
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{subs: make(map[subKey]map[*Conn]struct{})}
}

func (t *subscriptionTable) subscribe(c *Conn, roomID string, topics []string) {
	for _, topic := range topics {
		key := subKey{roomID: roomID, topic: topic}
		set, ok := t.subs[key]
		if !ok {
			set = make(map[*Conn]struct{})
			t.subs[key] = set
		}
		set[c] = struct{}{}
	}
}

// subscribers snapshots the current set for one (room, topic) pair.
func (t *subscriptionTable) subscribers(roomID, topic string) []*Conn {
	set := t.subs[subKey{roomID: roomID, topic: topic}]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// unsubscribeAll removes the connection from every set it belongs to, across
// all rooms and topics.
func (t *subscriptionTable) unsubscribeAll(c *Conn) {
	for key, set := range t.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(t.subs, key)
		}
	}
}

func (t *subscriptionTable) contains(c *Conn, roomID, topic string) bool {
	_, ok := t.subs[subKey{roomID: roomID, topic: topic}][c]
	return ok
}
