package main

// Room is a broadcast group of connections. Rooms carry no lock of their
// own: every access happens under the owning Hub's mutex.
type Room struct {
	id      string
	members map[string]*Client
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		members: make(map[string]*Client),
	}
}

// add reports whether c was not already a member.
func (r *Room) add(c *Client) bool {
	if _, ok := r.members[c.id]; ok {
		return false
	}
	r.members[c.id] = c
	return true
}

func (r *Room) remove(c *Client) bool {
	if _, ok := r.members[c.id]; !ok {
		return false
	}
	delete(r.members, c.id)
	return true
}

func (r *Room) size() int {
	return len(r.members)
}

// broadcast queues data for every member except exclude and returns the
// number of members that accepted it. Members with a full send buffer are
// skipped.
func (r *Room) broadcast(exclude string, data []byte) int {
	delivered := 0
	for id, c := range r.members {
		if id == exclude {
			continue
		}
		if c.trySend(data) {
			delivered++
		}
	}
	return delivered
}
