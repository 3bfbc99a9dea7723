package coapfs

import (
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect stops the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue drops the offending datagram and keeps running.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	codec  Codec
	logger Logger

	// onError is called when a datagram cannot be received, decoded or sent.
	// Returns Disconnect to stop the connection, Continue to drop the datagram.
	onError func(error) ErrorAction
	// onUnmatched receives decoded messages that correlate with no pending command.
	onUnmatched func(*Message)

	bufferSize      int           // size of buffered send channel
	tokenLength     int           // bytes of random token per request
	tokenLengthSet  bool
	responseTimeout time.Duration // how long a sent command waits for its response
	maxMessageSize  int           // largest encoded request accepted for sending
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that replaces the wire codec.
// WireCodec is used when no codec is given.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// TokenLengthOption returns an Option that sets the request token length
// (0 to 8 bytes). With a zero length responses are matched by message id.
func TokenLengthOption(n int) Option {
	return func(o *options) {
		o.tokenLength = n
		o.tokenLengthSet = true
	}
}

// ResponseTimeoutOption returns an Option that sets how long a command stays
// pending. After it, Do returns ErrNoResponse and late replies are dropped.
func ResponseTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.responseTimeout = timeout
	}
}

// MaxMessageSizeOption returns an Option that sets the largest encoded
// request Send, Write and Do accept. Larger requests fail with
// ErrMessageTooLarge before anything is queued. Defaults to MaxDatagramSize.
func MaxMessageSizeOption(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// Return Disconnect to stop the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnUnmatchedOption returns an Option that sets the callback for responses
// that arrive after their command expired or were never requested.
func OnUnmatchedOption(cb func(*Message)) Option {
	return func(o *options) {
		o.onUnmatched = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
