package lobby

import (
	"github.com/google/uuid"
)

// Dispatcher fans a message out to a scope of connections: all registered
// clients or the members of one room, minus an optional sender. Recipient
// sets are snapshotted under the registry lock and delivery happens after
// the lock is released, per recipient and best-effort: one dead connection
// never blocks the rest, and never surfaces as an error to the caller.
type Dispatcher struct {
	registry *Registry
	logger   Logger
}

// NewDispatcher returns a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger Logger) *Dispatcher {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// ToAll delivers the message to every registered connection except exclude.
func (d *Dispatcher) ToAll(message *Message, exclude *Conn) {
	d.deliver(d.registry.allConns(excludeID(exclude)), message)
}

// ToRoom delivers the message to the members of the room named by code,
// except exclude. An unknown code means no recipients, which is a no-op.
func (d *Dispatcher) ToRoom(code string, message *Message, exclude *Conn) {
	d.deliver(d.registry.roomConns(code, excludeID(exclude)), message)
}

// RoomUpdate broadcasts the current room list to every registered
// connection, so clients can render live occupancy. Sent after any
// membership change and after each login.
func (d *Dispatcher) RoomUpdate() {
	d.ToAll(&Message{Type: MessageRoomUpdate, Rooms: d.registry.Snapshot()}, nil)
}

func (d *Dispatcher) deliver(conns []*Conn, message *Message) {
	for _, conn := range conns {
		if err := conn.Write(message); err != nil {
			// The recipient's failure, typically a disconnect racing the
			// snapshot. Its own session handles cleanup.
			d.logger.Warn("broadcast delivery failed",
				"conn", conn.ID(), "type", message.Type, "error", err)
		}
	}
}

func excludeID(conn *Conn) uuid.UUID {
	if conn == nil {
		return uuid.Nil
	}
	return conn.ID()
}
