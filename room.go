package lobby

import (
	"time"

	"github.com/google/uuid"
)

// Room code format: 6 characters drawn from uppercase letters and digits,
// generated server-side, unique among currently live rooms.
const (
	roomCodeLength   = 6
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Room is a named group of connections sharing chat scope. All access goes
// through the Registry, under its lock; Room has no locking of its own.
type Room struct {
	Code      string
	CreatedAt time.Time

	members map[uuid.UUID]*Conn
}

func newRoom(code string) *Room {
	return &Room{
		Code:      code,
		CreatedAt: time.Now(),
		members:   make(map[uuid.UUID]*Conn),
	}
}

// add inserts a connection into the member set. Re-adding a present member
// is a no-op, so the set never holds duplicates.
func (r *Room) add(conn *Conn) {
	r.members[conn.ID()] = conn
}

func (r *Room) remove(id uuid.UUID) {
	delete(r.members, id)
}

func (r *Room) size() int {
	return len(r.members)
}

// conns returns the member set as a slice, excluding the given connection
// id. Callers iterate the slice after the registry lock is released, so the
// snapshot must be taken here, not shared.
func (r *Room) conns(exclude uuid.UUID) []*Conn {
	out := make([]*Conn, 0, len(r.members))
	for id, conn := range r.members {
		if id == exclude {
			continue
		}
		out = append(out, conn)
	}
	return out
}
