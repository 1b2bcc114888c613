package router

// forwardTable tracks forwarding connections: the full set for broadcast
// notifications plus a topic handler map where the last registration for a
// topic wins. Guarded by the Router's lock.
type forwardTable struct {
	servers  map[*Conn]struct{}
	handlers map[string]*Conn
}

func newForwardTable() *forwardTable {
	return &forwardTable{
		servers:  make(map[*Conn]struct{}),
		handlers: make(map[string]*Conn),
	}
}

// add registers the connection and makes it the sole handler for each topic.
func (t *forwardTable) add(c *Conn, topics []string) {
	t.servers[c] = struct{}{}
	for _, topic := range topics {
		t.handlers[topic] = c
	}
}

// remove deregisters the connection, clearing only the handler entries it owns.
func (t *forwardTable) remove(c *Conn) {
	delete(t.servers, c)
	for topic, handler := range t.handlers {
		if handler == c {
			delete(t.handlers, topic)
		}
	}
}

// handler returns the connection currently registered for topic, or nil.
func (t *forwardTable) handler(topic string) *Conn {
	return t.handlers[topic]
}

func (t *forwardTable) all() []*Conn {
	if len(t.servers) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(t.servers))
	for c := range t.servers {
		conns = append(conns, c)
	}
	return conns
}

func (t *forwardTable) count() int { return len(t.servers) }
