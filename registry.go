package lobby

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Errors returned by registry operations.
var (
	// ErrNotLoggedIn is returned when a connection acts before logging in.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrDuplicateLogin is returned when a connection logs in twice.
	ErrDuplicateLogin = errors.New("already logged in")
	// ErrRoomNotFound is returned when a room code does not name a live room.
	ErrRoomNotFound = errors.New("room not found")
)

// Session status values, mirrored to clients only through log output.
const (
	statusOnline = "online"
	statusInGame = "in-game"
)

// member is the registry's per-connection record: the identity assigned at
// login plus current room membership.
type member struct {
	conn     *Conn
	username string
	status   string
	room     string // current room code, empty when not in a room
}

// Registry is the process-wide shared state: every logged-in connection and
// every live room. One mutex guards all of it; this serializes room
// mutations but keeps the cross-room invariants (unique codes, single
// membership) trivially correct. The lock is never held across a socket
// write: callers take recipient snapshots under the lock and send after.
type Registry struct {
	mu      sync.Mutex
	logger  Logger
	rand    *rand.Rand
	clients map[uuid.UUID]*member
	rooms   map[string]*Room
}

// NewRegistry returns an empty registry.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Registry{
		logger:  logger,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		clients: make(map[uuid.UUID]*member),
		rooms:   make(map[string]*Room),
	}
}

// Register records the username for a connection. Login happens exactly once
// per connection; a second attempt fails with ErrDuplicateLogin.
func (g *Registry) Register(conn *Conn, username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.clients[conn.ID()]; ok {
		return errors.Wrapf(ErrDuplicateLogin, "connection %s", conn.ID())
	}

	g.clients[conn.ID()] = &member{
		conn:     conn,
		username: username,
		status:   statusOnline,
	}
	g.logger.Info("client registered", "conn", conn.ID(), "username", username)
	return nil
}

// CreateRoom creates a new room with a freshly generated code and makes the
// connection its first member. A connection already in a room leaves it
// first; membership is exclusive.
func (g *Registry) CreateRoom(conn *Conn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.clients[conn.ID()]
	if !ok {
		return "", errors.Wrapf(ErrNotLoggedIn, "connection %s", conn.ID())
	}

	g.leaveLocked(m)

	code := g.generateCodeLocked()
	room := newRoom(code)
	room.add(conn)
	g.rooms[code] = room

	m.room = code
	m.status = statusInGame

	g.logger.Info("room created", "code", code, "username", m.username)
	return code, nil
}

// JoinRoom adds the connection to the room named by code, leaving any
// previous room first. Unknown codes fail with ErrRoomNotFound.
func (g *Registry) JoinRoom(conn *Conn, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.clients[conn.ID()]
	if !ok {
		return errors.Wrapf(ErrNotLoggedIn, "connection %s", conn.ID())
	}

	room, ok := g.rooms[code]
	if !ok {
		return errors.Wrapf(ErrRoomNotFound, "code %s", code)
	}

	g.leaveLocked(m)

	room.add(conn)
	m.room = code
	m.status = statusInGame

	g.logger.Info("room joined", "code", code, "username", m.username)
	return nil
}

// LeaveRoom removes the connection from its current room, if any. It
// returns the code of the room left, and false when there was nothing to
// leave.
func (g *Registry) LeaveRoom(conn *Conn) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.clients[conn.ID()]
	if !ok {
		return "", false
	}
	return g.leaveLocked(m)
}

// Remove deletes the connection from the registry, leaving its room on the
// way out. Safe to call for connections that never logged in, and safe to
// call more than once: only the first call reports the room that was left.
func (g *Registry) Remove(conn *Conn) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.clients[conn.ID()]
	if !ok {
		return "", false
	}

	left, hadRoom := g.leaveLocked(m)
	delete(g.clients, conn.ID())
	g.logger.Info("client removed", "conn", conn.ID(), "username", m.username)
	return left, hadRoom
}

// CurrentRoom returns the room code the connection is in, if any.
func (g *Registry) CurrentRoom(conn *Conn) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.clients[conn.ID()]
	if !ok || m.room == "" {
		return "", false
	}
	return m.room, true
}

// Snapshot returns a consistent point-in-time view of every live room and
// its player count, in the shape of a room_update payload.
func (g *Registry) Snapshot() map[string]RoomStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]RoomStatus, len(g.rooms))
	for code, room := range g.rooms {
		out[code] = RoomStatus{PlayerCount: room.size()}
	}
	return out
}

// roomConns returns the current members of a room minus the excluded
// connection. Unknown codes yield an empty slice.
func (g *Registry) roomConns(code string, exclude uuid.UUID) []*Conn {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[code]
	if !ok {
		return nil
	}
	return room.conns(exclude)
}

// allConns returns every registered connection minus the excluded one.
func (g *Registry) allConns(exclude uuid.UUID) []*Conn {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Conn, 0, len(g.clients))
	for id, m := range g.clients {
		if id == exclude {
			continue
		}
		out = append(out, m.conn)
	}
	return out
}

// leaveLocked detaches the member from its current room. The room itself is
// retained even when its last member leaves: the original protocol has no
// room-closed notification, so empty rooms stay listable and joinable for
// the life of the process.
func (g *Registry) leaveLocked(m *member) (string, bool) {
	if m.room == "" {
		return "", false
	}

	code := m.room
	if room, ok := g.rooms[code]; ok {
		room.remove(m.conn.ID())
	}
	m.room = ""
	m.status = statusOnline
	return code, true
}

// generateCodeLocked draws random codes until one misses the live-room set.
// Collisions are unlikely at this alphabet size but still retried.
func (g *Registry) generateCodeLocked() string {
	buf := make([]byte, roomCodeLength)
	for {
		for i := range buf {
			buf[i] = roomCodeAlphabet[g.rand.Intn(len(roomCodeAlphabet))]
		}
		code := string(buf)
		if _, exists := g.rooms[code]; !exists {
			return code
		}
	}
}
