package lobby

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownCommand is returned for commands with an unrecognized verb or
// the wrong number of arguments.
var ErrUnknownCommand = errors.New("unknown command")

// Session is the server-side control loop for one client connection, from
// accept to termination. It walks the connection through login, room
// membership, and chat, mutating the registry and triggering broadcasts.
// Protocol and command failures are reported back to the client and keep
// the connection open; I/O failures terminate it.
type Session struct {
	registry   *Registry
	dispatcher *Dispatcher
	logger     Logger

	conn     *Conn
	username string
	loggedIn bool

	cleanup sync.Once
}

// NewSession returns a session bound to the shared registry and dispatcher,
// not yet attached to a connection.
func NewSession(registry *Registry, dispatcher *Dispatcher, logger Logger) *Session {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Session{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run attaches the session to an accepted TCP connection and blocks until
// the connection terminates. Cleanup (registry removal, room-list
// broadcast, socket close) runs exactly once, no matter how the connection
// ends.
func (s *Session) Run(ctx context.Context, raw *net.TCPConn, opt ...Option) error {
	opt = append(opt,
		OnMessageOption(s.handleMessage),
		OnErrorOption(s.handleError),
		LoggerOption(s.logger),
	)

	conn, err := NewConn(raw, opt...)
	if err != nil {
		raw.Close()
		return err
	}
	s.conn = conn

	err = conn.Run(ctx)
	s.finish()
	return err
}

// handleMessage dispatches one decoded message according to the session
// state. Recoverable failures are answered with an error message and a nil
// return, so the read loop keeps going.
func (s *Session) handleMessage(msg *Message) error {
	if !s.loggedIn && msg.Type != MessageLogin {
		s.replyError("Not logged in")
		return nil
	}

	switch msg.Type {
	case MessageLogin:
		s.handleLogin(msg)
	case MessageChat:
		s.handleChat(msg)
	case MessageCommand:
		s.handleCommand(msg)
	default:
		// system, error and room_update only travel server to client.
		s.replyError(fmt.Sprintf("Unexpected message type %q", msg.Type))
	}
	return nil
}

// handleError classifies connection-level failures: a malformed payload is
// answered and tolerated, anything that loses stream alignment or the
// socket itself disconnects.
func (s *Session) handleError(err error) ErrorAction {
	if errors.Is(err, ErrProtocol) {
		s.logger.Warn("malformed message", "conn", s.conn.ID(), "error", err)
		s.replyError("Malformed message")
		return Continue
	}
	return Disconnect
}

func (s *Session) handleLogin(msg *Message) {
	if s.loggedIn {
		s.replyError("Already logged in")
		return
	}

	if err := s.registry.Register(s.conn, msg.Username); err != nil {
		s.replyError("Already logged in")
		return
	}

	s.loggedIn = true
	s.username = msg.Username

	s.reply(&Message{Type: MessageSystem, Content: "Login successful"})
	s.dispatcher.RoomUpdate()
}

func (s *Session) handleChat(msg *Message) {
	code, ok := s.registry.CurrentRoom(s.conn)
	if !ok {
		// Chatting outside a room has no recipients. Not an error.
		return
	}

	s.dispatcher.ToRoom(code, &Message{
		Type:    MessageChat,
		Content: fmt.Sprintf("[%s] %s", s.username, msg.Content),
	}, s.conn)
}

// command is a parsed slash command: a recognized verb plus its argument,
// if the verb takes one.
type command struct {
	verb string
	arg  string
}

// parseCommand applies the strict command grammar: a known verb with its
// exact argument count. Anything else fails with ErrUnknownCommand.
func parseCommand(raw string) (command, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return command{}, errors.Wrap(ErrUnknownCommand, "empty command")
	}

	verb := fields[0]
	switch verb {
	case "/create_room", "/list_rooms":
		if len(fields) != 1 {
			return command{}, errors.Wrapf(ErrUnknownCommand, "%s takes no arguments", verb)
		}
		return command{verb: verb}, nil
	case "/join_room":
		if len(fields) != 2 {
			return command{}, errors.Wrapf(ErrUnknownCommand, "%s takes one argument", verb)
		}
		return command{verb: verb, arg: fields[1]}, nil
	default:
		return command{}, errors.Wrapf(ErrUnknownCommand, "verb %q", verb)
	}
}

// handleCommand rejects anything parseCommand refuses without touching
// registry state.
func (s *Session) handleCommand(msg *Message) {
	cmd, err := parseCommand(msg.Command)
	if err != nil {
		s.logger.Debug("rejected command", "conn", s.conn.ID(),
			"command", msg.Command, "error", err)
		s.replyError("Unknown command")
		return
	}

	switch cmd.verb {
	case "/create_room":
		s.createRoom()
	case "/join_room":
		s.joinRoom(cmd.arg)
	case "/list_rooms":
		s.listRooms()
	}
}

func (s *Session) createRoom() {
	code, err := s.registry.CreateRoom(s.conn)
	if err != nil {
		s.logger.Error("create room failed", "conn", s.conn.ID(), "error", err)
		s.replyError("Unable to create room")
		return
	}

	s.reply(&Message{Type: MessageSystem, Content: fmt.Sprintf("Room created! Code: %s", code)})
	s.dispatcher.RoomUpdate()
}

func (s *Session) joinRoom(code string) {
	if err := s.registry.JoinRoom(s.conn, code); err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			s.logger.Error("join room failed", "conn", s.conn.ID(), "error", err)
		}
		s.replyError("Invalid room code")
		return
	}

	s.reply(&Message{Type: MessageSystem, Content: fmt.Sprintf("Joined room %s", code)})
	s.dispatcher.ToRoom(code, &Message{
		Type:    MessageSystem,
		Content: fmt.Sprintf("%s joined the room", s.username),
	}, s.conn)
	s.dispatcher.RoomUpdate()
}

// listRooms answers the requester alone; membership changes are what
// broadcast the room list to everyone.
func (s *Session) listRooms() {
	s.reply(&Message{Type: MessageRoomUpdate, Rooms: s.registry.Snapshot()})
}

func (s *Session) replyError(content string) {
	s.reply(&Message{Type: MessageError, Content: content})
}

func (s *Session) reply(msg *Message) {
	if err := s.conn.Write(msg); err != nil {
		s.logger.Warn("reply failed", "conn", s.conn.ID(), "type", msg.Type, "error", err)
	}
}

// finish removes the connection from the shared state, exactly once. When
// the departing connection occupied a room, everyone else gets a room-list
// broadcast reflecting the decremented count.
func (s *Session) finish() {
	s.cleanup.Do(func() {
		left, hadRoom := s.registry.Remove(s.conn)
		_ = s.conn.Close()
		if hadRoom && left != "" {
			s.dispatcher.RoomUpdate()
		}
		s.logger.Info("session terminated",
			"conn", s.conn.ID(), "username", s.username, "room", left)
	})
}
