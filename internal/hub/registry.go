package hub

// Conn is one client connection as the hub sees it. Send must not block
// and must be safe to call after the connection closed.
type Conn interface {
	ID() string
	Send(b []byte) error
	Alive() bool
}

// client carries the per-connection tags: the room the connection is in and
// the identity it speaks for.
type client struct {
	conn  Conn
	room  string
	email string
}

func (c *client) id() string { return c.conn.ID() }

func (c *client) bound() bool { return c.room != "" }

func (c *client) is(room, email string) bool {
	return c.room == room && c.email == email
}

func (c *client) tag(room, email string) {
	c.room, c.email = room, email
}

func (c *client) untag() {
	c.room, c.email = "", ""
}

type registry struct {
	clients map[string]*client
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]*client)}
}

func (r *registry) add(c Conn) *client {
	if cl, ok := r.clients[c.ID()]; ok {
		return cl
	}

	cl := &client{conn: c}
	r.clients[c.ID()] = cl
	return cl
}

func (r *registry) get(id string) (*client, bool) {
	cl, ok := r.clients[id]
	return cl, ok
}

func (r *registry) remove(id string) {
	delete(r.clients, id)
}

func (r *registry) len() int {
	return len(r.clients)
}

// release clears the tags of connID if they still point at room/email.
// A connection that was rebound to something else keeps its tags.
func (r *registry) release(connID, room, email string) {
	if cl, ok := r.clients[connID]; ok && cl.is(room, email) {
		cl.untag()
	}
}
