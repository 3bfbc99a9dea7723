// Package coapfs is the client message layer of a CoAP-style file-browsing
// protocol. It encodes fixed-header datagrams, turns typed file commands
// into requests, and routes each response back to the command that issued it.
package coapfs

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidTokenLength is returned when the token length option is outside 0-8.
	ErrInvalidTokenLength = errors.New("invalid token length")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned by Write when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrNoResponse is returned by Do when no response arrived in time.
	ErrNoResponse = errors.New("no response")
	// ErrMessageTooLarge is returned when an encoded request does not fit
	// in a single datagram.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrReset is returned by Do when the service rejects the request with
	// a reset message.
	ErrReset = errors.New("request reset by peer")
)

// ResponseError is returned by Do when the service answers with a client
// or server error class.
type ResponseError struct {
	Class   uint8
	Code    uint8
	Payload string
}

func (e *ResponseError) Error() string {
	if e.Payload == "" {
		return fmt.Sprintf("response %d.%02d", e.Class, e.Code)
	}
	return fmt.Sprintf("response %d.%02d: %s", e.Class, e.Code, e.Payload)
}

// Default configuration values.
const (
	defaultBufferSize      = 16
	defaultTokenLength     = 4
	defaultResponseTimeout = 30 * time.Second
)

// exchange is a sent command waiting for its response.
type exchange struct {
	cmd     Command
	id      uint16
	token   string
	expires time.Time
	done    chan error
}

func (e *exchange) finish(err error) {
	select {
	case e.done <- err:
	default:
	}
}

// Conn sends commands over a Transport and dispatches responses to them.
type Conn struct {
	transport Transport
	logger    Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool
	cancel  context.CancelFunc
	nextID  atomic.Uint32

	// done is closed once pending commands have been failed; senders
	// blocked on a full buffer give up on it.
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	byToken map[string]*exchange
	byID    map[uint16]*exchange
}

// NewConn creates a connection over the given transport.
// Run must be called for datagrams to flow.
func NewConn(t Transport, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	c := &Conn{
		transport: t,
		logger:    opts.logger,
		opts:      opts,
		sendMsg:   make(chan []byte, opts.bufferSize),
		done:      make(chan struct{}),
		byToken:   make(map[string]*exchange),
		byID:      make(map[uint16]*exchange),
	}

	var seed [2]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, errors.Wrap(err, "seed message id")
	}
	c.nextID.Store(uint32(binary.BigEndian.Uint16(seed[:])))

	return c, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		opts.codec = WireCodec{}
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if !opts.tokenLengthSet {
		opts.tokenLength = defaultTokenLength
	}
	if opts.tokenLength < 0 || opts.tokenLength > MaxTokenLength {
		return ErrInvalidTokenLength
	}

	if opts.responseTimeout <= 0 {
		opts.responseTimeout = defaultResponseTimeout
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = MaxDatagramSize
	}

	if opts.onError == nil {
		opts.onError = defaultOnError
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// defaultOnError drops datagrams the codec rejects or the transport refuses
// as too large, and stops on anything else.
func defaultOnError(err error) ErrorAction {
	if isCodecError(err) || errors.Is(err, ErrMessageTooLarge) {
		return Continue
	}
	return Disconnect
}

func isCodecError(err error) bool {
	for _, target := range []error{
		ErrMalformedHeader,
		ErrUnsupportedVersion,
		ErrTruncatedMessage,
		ErrInvalidPayload,
		ErrFieldRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Run starts the read, write and expiry loops and blocks until the context
// is canceled or one of them fails. The transport is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection started", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"token_length", c.opts.tokenLength,
		"response_timeout", c.opts.responseTimeout,
		"max_message_size", c.opts.maxMessageSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		return c.expireLoop(child)
	})

	group.Go(func() error {
		// unblocks Receive in readLoop
		<-child.Done()
		c.closed.Store(true)
		_ = c.transport.Close()
		return nil
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err.Error())
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close stops the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}
	// Run was never started; nothing else will fail the pending commands.
	c.closeConn()
	return nil
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address of the file service.
func (c *Conn) Addr() net.Addr {
	return c.transport.RemoteAddr()
}

// Pending returns the number of commands awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Send queues cmd, blocking until it is queued or ctx is done. The command
// stays pending for the response timeout, so a late response still reaches
// its continuation.
func (c *Conn) Send(ctx context.Context, cmd Command) error {
	_, err := c.send(ctx, cmd)
	return err
}

// Write queues cmd without blocking. It returns ErrBufferFull when the
// send buffer has no room.
func (c *Conn) Write(cmd Command) error {
	ex, data, err := c.prepare(cmd)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	default:
		c.forget(ex)
		return ErrBufferFull
	}
}

// Do sends cmd and waits for its response. It returns the error from the
// command's response handling, a *ResponseError for error responses,
// ErrNoResponse when the response timeout passes, or the context's error.
func (c *Conn) Do(ctx context.Context, cmd Command) error {
	ex, err := c.send(ctx, cmd)
	if err != nil {
		return err
	}

	select {
	case err := <-ex.done:
		return err
	case <-ctx.Done():
		c.forget(ex)
		return ctx.Err()
	}
}

func (c *Conn) send(ctx context.Context, cmd Command) (*exchange, error) {
	ex, data, err := c.prepare(cmd)
	if err != nil {
		return nil, err
	}

	select {
	case c.sendMsg <- data:
		return ex, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		c.forget(ex)
		return nil, ctx.Err()
	}
}

// prepare encodes cmd and registers it as pending. The closed check is
// repeated under mu so closeConn cannot miss a command registered while it
// was failing the others.
func (c *Conn) prepare(cmd Command) (*exchange, []byte, error) {
	if c.closed.Load() {
		return nil, nil, ErrConnectionClosed
	}

	token := make([]byte, c.opts.tokenLength)
	if _, err := rand.Read(token); err != nil {
		return nil, nil, errors.Wrap(err, "generate token")
	}
	id := uint16(c.nextID.Add(1))

	msg, err := NewRequest(cmd, id, token)
	if err != nil {
		return nil, nil, err
	}
	data, err := c.opts.codec.Encode(msg)
	if err != nil {
		return nil, nil, err
	}
	if len(data) > c.opts.maxMessageSize {
		return nil, nil, errors.Wrapf(ErrMessageTooLarge, "%s %d bytes, limit %d",
			cmd.Kind(), len(data), c.opts.maxMessageSize)
	}

	ex := &exchange{
		cmd:     cmd,
		id:      id,
		token:   string(token),
		expires: time.Now().Add(c.opts.responseTimeout),
		done:    make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, nil, ErrConnectionClosed
	}
	c.byID[id] = ex
	if ex.token != "" {
		c.byToken[ex.token] = ex
	}
	c.mu.Unlock()

	c.logger.Debug("command queued", "cmd", cmd.Kind(), "message_id", id, "type", cmd.Type())
	return ex, data, nil
}

func (c *Conn) forget(ex *exchange) {
	c.mu.Lock()
	c.removeLocked(ex)
	c.mu.Unlock()
}

func (c *Conn) removeLocked(ex *exchange) {
	if c.byID[ex.id] == ex {
		delete(c.byID, ex.id)
	}
	if ex.token != "" && c.byToken[ex.token] == ex {
		delete(c.byToken, ex.token)
	}
}

// readLoop receives datagrams and dispatches the decoded responses.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		data, err := c.transport.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() {
				return ErrConnectionClosed
			}
			c.logger.Debug("receive error", "addr", c.Addr(), "error", err.Error())
			if c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}

		msg, err := c.opts.codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping datagram", "addr", c.Addr(), "size", len(data), "error", err.Error())
			if c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}

		c.dispatch(msg)
	}
}

// dispatch hands a response to the command it correlates with.
func (c *Conn) dispatch(msg *Message) {
	emptyAck := msg.Type == Acknowledgement && msg.Class == 0 && msg.Code == 0
	reset := msg.Type == Reset

	c.mu.Lock()
	var ex *exchange
	switch {
	case reset:
		// a reset echoes the message id of the request it rejects
		ex = c.byID[msg.MessageID]
	case len(msg.Token) > 0:
		ex = c.byToken[string(msg.Token)]
	case emptyAck || c.opts.tokenLength == 0:
		ex = c.byID[msg.MessageID]
	}
	if ex != nil && emptyAck && ex.cmd.ResponseNeeded() {
		// a separate response will follow
		c.mu.Unlock()
		c.logger.Debug("request acknowledged", "message_id", msg.MessageID)
		return
	}
	if ex != nil {
		c.removeLocked(ex)
	}
	c.mu.Unlock()

	if ex == nil {
		c.logger.Debug("unmatched response", "message_id", msg.MessageID, "code", fmt.Sprintf("%d.%02d", msg.Class, msg.Code))
		if c.opts.onUnmatched != nil {
			c.opts.onUnmatched(msg)
		}
		return
	}

	if reset {
		c.logger.Debug("request reset", "cmd", ex.cmd.Kind(), "message_id", ex.id)
		ex.finish(errors.Wrapf(ErrReset, "%s message %d", ex.cmd.Kind(), ex.id))
		return
	}

	err := c.handle(ex.cmd, msg)
	if err != nil {
		c.logger.Warn("response rejected", "cmd", ex.cmd.Kind(), "message_id", ex.id, "error", err.Error())
	}
	ex.finish(err)
}

func (c *Conn) handle(cmd Command, msg *Message) error {
	if msg.Class >= ClassClientError {
		return &ResponseError{Class: msg.Class, Code: msg.Code, Payload: msg.Payload}
	}

	data, err := DecodeResponse(msg.Payload)
	if err != nil {
		return errors.WithMessage(err, cmd.Kind().String())
	}

	invoked, err := cmd.ParseResponse(data)
	if err != nil {
		return errors.WithMessage(err, cmd.Kind().String())
	}
	c.logger.Debug("response handled", "cmd", cmd.Kind(), "invoked", invoked)
	return nil
}

// writeLoop sends queued datagrams.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	err := c.transport.Send(data)
	if err != nil {
		c.logger.Debug("send error", "addr", c.Addr(), "error", err.Error())
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}
	return nil
}

// expireLoop fails commands whose response timeout has passed.
func (c *Conn) expireLoop(ctx context.Context) error {
	interval := c.opts.responseTimeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

func (c *Conn) expire(now time.Time) {
	var expired []*exchange

	c.mu.Lock()
	for _, ex := range c.byID {
		if now.After(ex.expires) {
			expired = append(expired, ex)
		}
	}
	for _, ex := range expired {
		c.removeLocked(ex)
	}
	c.mu.Unlock()

	for _, ex := range expired {
		c.logger.Debug("command expired", "cmd", ex.cmd.Kind(), "message_id", ex.id)
		ex.finish(ErrNoResponse)
	}
}

// closeConn marks the connection as closed and fails every pending command.
func (c *Conn) closeConn() {
	_ = c.transport.Close()

	c.mu.Lock()
	c.closed.Store(true)
	pending := make([]*exchange, 0, len(c.byID))
	for _, ex := range c.byID {
		pending = append(pending, ex)
	}
	c.byID = make(map[uint16]*exchange)
	c.byToken = make(map[string]*exchange)
	c.mu.Unlock()

	for _, ex := range pending {
		ex.finish(ErrConnectionClosed)
	}
	c.closeOnce.Do(func() { close(c.done) })
}
