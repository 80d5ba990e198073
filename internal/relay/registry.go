package relay

import (
	"log/slog"
	"sync"
)

// Member is a room participant. Send must not block: implementations queue
// the frame or fail fast, and deal with their own disconnect on failure.
type Member interface {
	ID() string
	Send(frame []byte) error
}

type room struct {
	mu      sync.RWMutex
	members map[Member]struct{}
}

// Registry maps room identifiers to their members. Rooms are created by the
// first Join and removed by the Leave that empties them, so an empty room is
// never observable.
//
// Join and Leave hold the registry lock and then the room lock. Broadcast
// only holds the registry lock long enough to find the room and then
// iterates under the room's read lock, so fan-out in one room does not stall
// membership changes in another.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	logger *slog.Logger
}

// NewRegistry returns an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

// Join adds m to the room, creating it if needed, and returns the member
// count including m.
func (r *Registry) Join(roomID string, m Member) int {
	return r.join(roomID, m, false)
}

// Enter is Join followed by the notifications a new member triggers: m is
// sent the peers count and every other member is sent a join. Both happen
// under the room lock, so no other membership change can interleave.
func (r *Registry) Enter(roomID string, m Member) int {
	return r.join(roomID, m, true)
}

func (r *Registry) join(roomID string, m Member, announce bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[roomID]
	if !exists {
		rm = &room{members: make(map[Member]struct{})}
		r.rooms[roomID] = rm
		r.logger.Debug("room created", "room", roomID)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.members[m] = struct{}{}
	count := len(rm.members)
	r.logger.Info("member joined", "room", roomID, "member", m.ID(), "members", count)

	if announce {
		if err := m.Send(PeersFrame(count)); err != nil {
			r.logger.Debug("delivery failed", "room", roomID, "member", m.ID(), "error", err)
		}
		r.fanOut(roomID, rm, m, JoinFrame())
	}
	return count
}

// Leave removes m from the room and returns how many members remain. The
// room is deleted when none do.
func (r *Registry) Leave(roomID string, m Member) int {
	return r.leave(roomID, m, false)
}

// Depart is Leave followed by a leave notification to the remaining
// members, if any.
func (r *Registry) Depart(roomID string, m Member) int {
	return r.leave(roomID, m, true)
}

func (r *Registry) leave(roomID string, m Member, announce bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[roomID]
	if !exists {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, member := rm.members[m]; !member {
		return len(rm.members)
	}
	delete(rm.members, m)
	remaining := len(rm.members)
	r.logger.Info("member left", "room", roomID, "member", m.ID(), "members", remaining)

	if remaining == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug("room removed", "room", roomID)
		return 0
	}
	if announce {
		r.fanOut(roomID, rm, m, LeaveFrame())
	}
	return remaining
}

// Broadcast hands frame to every member of the room except sender and
// returns how many accepted it. A member that rejects the frame does not
// affect delivery to the others. A nil sender reaches everyone.
func (r *Registry) Broadcast(roomID string, sender Member, frame []byte) int {
	r.mu.RLock()
	rm, exists := r.rooms[roomID]
	r.mu.RUnlock()
	if !exists {
		return 0
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return r.fanOut(roomID, rm, sender, frame)
}

// fanOut sends frame to every member but sender. The caller holds rm.mu.
func (r *Registry) fanOut(roomID string, rm *room, sender Member, frame []byte) int {
	delivered := 0
	for m := range rm.members {
		if m == sender {
			continue
		}
		if err := m.Send(frame); err != nil {
			r.logger.Debug("delivery failed", "room", roomID, "member", m.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns the number of members in the room, zero if it does not
// exist.
func (r *Registry) Members(roomID string) int {
	r.mu.RLock()
	rm, exists := r.rooms[roomID]
	r.mu.RUnlock()
	if !exists {
		return 0
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// Exists reports whether the room currently has members.
func (r *Registry) Exists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.rooms[roomID]
	return exists
}

// Stats returns the number of rooms and the total number of members.
func (r *Registry) Stats() (rooms, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms = len(r.rooms)
	for _, rm := range r.rooms {
		rm.mu.RLock()
		members += len(rm.members)
		rm.mu.RUnlock()
	}
	return rooms, members
}
