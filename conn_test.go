package lobby

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// newTestConn wraps the server side of a TCP pair in a Conn with a no-op
// message handler. The client side is closed with the test.
func newTestConn(t *testing.T, opt ...Option) *Conn {
	t.Helper()

	serverConn, clientConn := createTestTCPPair(t)
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	opt = append([]Option{
		OnMessageOption(func(*Message) error { return nil }),
	}, opt...)

	conn, err := NewConn(serverConn, opt...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	return conn
}

func TestNewConn(t *testing.T) {
	conn := newTestConn(t)

	if conn.rawConn == nil {
		t.Error("rawConn not set")
	}
	if conn.opts.codec == nil {
		t.Error("default codec not installed")
	}
	if conn.opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", conn.opts.bufferSize, defaultBufferSize)
	}
	if conn.opts.idleTimeout != defaultIdleTimeout {
		t.Errorf("idleTimeout = %v, want %v", conn.opts.idleTimeout, defaultIdleTimeout)
	}
}

func TestNewConn_MissingOnMessage(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn(serverConn)
	if err != ErrInvalidOnMessage {
		t.Errorf("expected ErrInvalidOnMessage, got %v", err)
	}
}

func TestConn_ID(t *testing.T) {
	first := newTestConn(t)
	second := newTestConn(t)

	if first.ID() != first.ID() {
		t.Error("ID not stable across calls")
	}
	if first.ID() == second.ID() {
		t.Error("two connections share an ID")
	}
}

func TestConn_Close_Idempotent(t *testing.T) {
	conn := newTestConn(t)

	if err := conn.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("IsClosed = false after Close")
	}
}

func TestConn_Write_AfterClose(t *testing.T) {
	conn := newTestConn(t)
	conn.Close()

	err := conn.Write(&Message{Type: MessageSystem, Content: "late"})
	if err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_Write_BufferFull(t *testing.T) {
	// Without a running write loop nothing drains the queue.
	conn := newTestConn(t, BufferSizeOption(1))

	if err := conn.Write(&Message{Type: MessageSystem, Content: "one"}); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if err := conn.Write(&Message{Type: MessageSystem, Content: "two"}); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestConn_Run_DeliversMessages(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	received := make(chan *Message, 1)
	conn, err := NewConn(serverConn,
		OnMessageOption(func(msg *Message) error {
			received <- msg
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- conn.Run(ctx)
	}()

	codec := NewCodec(0)
	frame, err := codec.Encode(&Message{Type: MessageChat, Content: "over the wire"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != MessageChat || msg.Content != "over the wire" {
			t.Errorf("received %+v, want chat message", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}
}

func TestConn_Run_WritesReachPeer(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		OnMessageOption(func(*Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	if err := conn.Write(&Message{Type: MessageSystem, Content: "Login successful"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	codec := NewCodec(0)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := codec.Decode(bufio.NewReader(clientConn))
	if err != nil {
		t.Fatalf("client decode failed: %v", err)
	}
	if msg.Type != MessageSystem || msg.Content != "Login successful" {
		t.Errorf("peer received %+v", msg)
	}
}

func TestConn_Run_PeerDisconnect(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn, err := NewConn(serverConn,
		OnMessageOption(func(*Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- conn.Run(context.Background())
	}()

	clientConn.Close()

	select {
	case err := <-runDone:
		if err == nil {
			t.Error("expected error after peer disconnect")
		}
		if !conn.IsClosed() {
			t.Error("connection not marked closed after Run")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Run to return after disconnect")
	}
}

func TestConn_Run_MessageAtSizeLimit(t *testing.T) {
	const limit = 64

	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	received := make(chan *Message, 2)
	conn, err := NewConn(serverConn,
		MessageMaxSize(limit),
		OnMessageOption(func(msg *Message) error {
			received <- msg
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- conn.Run(ctx)
	}()

	// A chat payload of exactly limit bytes: the codec must accept it on
	// both ends, length prefix notwithstanding.
	codec := NewCodec(limit)
	content := strings.Repeat("x", limit-len(`{"type":"chat","content":""}`))
	frame, err := codec.Encode(&Message{Type: MessageChat, Content: content})
	if err != nil {
		t.Fatalf("Encode rejected payload at the limit: %v", err)
	}
	if got := len(frame) - frameHeaderSize; got != limit {
		t.Fatalf("payload is %d bytes, want exactly %d", got, limit)
	}

	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Content != content {
			t.Errorf("received %d content bytes, want %d", len(msg.Content), len(content))
		}
	case err := <-runDone:
		t.Fatalf("connection died on a codec-valid message: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for limit-sized message")
	}

	// And the stream is still usable afterwards.
	small, _ := codec.Encode(&Message{Type: MessageChat, Content: "after"})
	if _, err := clientConn.Write(small); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Content != "after" {
			t.Errorf("received %q, want follow-up message", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for follow-up message")
	}
}

func TestConn_Run_ProtocolErrorContinue(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	received := make(chan *Message, 1)
	conn, err := NewConn(serverConn,
		OnMessageOption(func(msg *Message) error {
			received <- msg
			return nil
		}),
		OnErrorOption(func(err error) ErrorAction {
			if errors.Is(err, ErrProtocol) {
				return Continue
			}
			return Disconnect
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	codec := NewCodec(0)

	// A syntactically framed but semantically broken message, then a good one.
	bad, _ := codec.Encode(&Message{Type: MessageSystem, Content: "placeholder"})
	garbage := append([]byte(nil), bad[:frameHeaderSize]...)
	garbage[frameHeaderSize-1] = 7 // claims 7 payload bytes
	garbage = append(garbage, []byte("garbage")...)
	if _, err := clientConn.Write(garbage); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	good, _ := codec.Encode(&Message{Type: MessageChat, Content: "still alive"})
	if _, err := clientConn.Write(good); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Content != "still alive" {
			t.Errorf("received %+v, want the post-garbage message", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive the protocol error")
	}
}
