package pollnet

// tableEntry pairs a connection with the generation it was inserted under.
type tableEntry struct {
	conn       *conn
	generation uint64
}

// connTable maps descriptors to live connections.
//
// Descriptors are reused by the kernel as soon as they are closed, so every
// insert stamps a fresh generation and lookups made from an older poll set
// must present the generation they saw.
type connTable struct {
	entries map[int]tableEntry
	nextGen uint64
}

func newConnTable() *connTable {
	return &connTable{entries: make(map[int]tableEntry)}
}

// insert adds c under its descriptor and stamps its generation.
// It refuses a descriptor that has not been released yet.
func (t *connTable) insert(c *conn) bool {
	if _, ok := t.entries[c.fd]; ok {
		return false
	}
	t.nextGen++
	c.generation = t.nextGen
	t.entries[c.fd] = tableEntry{conn: c, generation: c.generation}
	return true
}

// lookup returns the connection for fd if it is still the one stamped gen.
func (t *connTable) lookup(fd int, gen uint64) (*conn, bool) {
	e, ok := t.entries[fd]
	if !ok || e.generation != gen {
		return nil, false
	}
	return e.conn, true
}

// release frees the slot for fd if it still holds generation gen.
func (t *connTable) release(fd int, gen uint64) bool {
	e, ok := t.entries[fd]
	if !ok || e.generation != gen {
		return false
	}
	delete(t.entries, fd)
	return true
}

func (t *connTable) len() int {
	return len(t.entries)
}

func (t *connTable) each(fn func(c *conn)) {
	for _, e := range t.entries {
		fn(e.conn)
	}
}
