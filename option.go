package lobby

import (
	"time"
)

// ErrorAction defines the action to take when a connection error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	codec  Codec
	logger Logger

	onMessage func(message *Message) error
	// onError is called when a read, write, or decode error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize    int           // size of outbound message queue
	maxReadLength int           // maximum size of a single message
	idleTimeout   time.Duration // idle window backing read/write deadlines
}

// Option is a function that configures connection options.
type Option func(*options)

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.codec == nil {
		opts.codec = NewCodec(opts.maxReadLength)
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// CustomCodecOption returns an Option that overrides the wire codec.
// When unset, the length-prefixed JSON codec from NewCodec is used.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of the outbound
// message queue. A larger queue tolerates slower readers before Write
// starts returning ErrBufferFull.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption returns an Option that sets the idle timeout.
// Read and write deadlines are set to twice this value.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// MessageMaxSize returns an Option that sets the maximum message size.
// Messages larger than this cannot be received.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read, write, or decode error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each received message.
func OnMessageOption(cb func(*Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
