package server

import "sync"

// slotTable is a fixed arena of connection slots. A connection's handle is
// its slot index, stable for the connection's lifetime. Free slots are kept
// on a stack so acquire and release never scan the table.
type slotTable struct {
	mu    sync.Mutex
	slots []*conn
	free  []int
}

func newSlotTable(size int) *slotTable {
	t := &slotTable{
		slots: make([]*conn, size),
		free:  make([]int, size),
	}
	// Hand out low indexes first.
	for i := range t.free {
		t.free[i] = size - 1 - i
	}
	return t
}

// acquire stores c in a free slot and returns its handle. ok is false when
// the table is full.
func (t *slotTable) acquire(c *conn) (handle int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return -1, false
	}
	handle = t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.slots[handle] = c
	return handle, true
}

// release frees the slot held by c. Releasing a slot c does not own is a
// no-op.
func (t *slotTable) release(handle int, c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if handle < 0 || handle >= len(t.slots) || t.slots[handle] != c {
		return
	}
	t.slots[handle] = nil
	t.free = append(t.free, handle)
}

// live returns the connections currently holding slots.
func (t *slotTable) live() []*conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := make([]*conn, 0, len(t.slots)-len(t.free))
	for _, c := range t.slots {
		if c != nil {
			conns = append(conns, c)
		}
	}
	return conns
}

// count returns the number of occupied slots.
func (t *slotTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}
