package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/logger"
)

// RequestHandler handles an inbound request. The handler (or code it hands
// off to) must eventually answer via SendResponse or SendError with the
// same id.
type RequestHandler func(id json.RawMessage, method string, params json.RawMessage)

// NotificationHandler handles an inbound notification.
type NotificationHandler func(method string, params json.RawMessage)

// ProtocolErrorHandler is invoked once per undecodable inbound line. The
// read loop continues afterwards; one bad line must not poison the channel.
type ProtocolErrorHandler func(line []byte, err error)

// CloseHandler is invoked exactly once when the read loop ends, with the
// scanner error if any.
type CloseHandler func(err error)

// Conn is a full-duplex JSON-RPC 2.0 connection over newline-delimited
// UTF-8 JSON. Inbound frames are classified structurally: a result or error
// member marks a response, a method with an id marks a request, and a
// method without an id marks a notification.
type Conn struct {
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex

	requestID atomic.Int64
	pending   map[int64]chan *Response
	pendingMu sync.Mutex

	onRequest      RequestHandler
	onNotification NotificationHandler
	onProtoErr     ProtocolErrorHandler
	onClose        CloseHandler

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConn creates a connection reading inbound frames from in and writing
// outbound frames to out. Call Start to begin the read loop.
func NewConn(in io.Reader, out io.Writer, log *logger.Logger) *Conn {
	return &Conn{
		in:      in,
		out:     out,
		pending: make(map[int64]chan *Response),
		logger:  log.WithComponent("jsonrpc"),
		done:    make(chan struct{}),
	}
}

// SetRequestHandler installs the handler for inbound requests.
func (c *Conn) SetRequestHandler(h RequestHandler) { c.onRequest = h }

// SetNotificationHandler installs the handler for inbound notifications.
func (c *Conn) SetNotificationHandler(h NotificationHandler) { c.onNotification = h }

// SetProtocolErrorHandler installs the handler for malformed inbound lines.
func (c *Conn) SetProtocolErrorHandler(h ProtocolErrorHandler) { c.onProtoErr = h }

// SetCloseHandler installs the handler invoked when the read loop ends.
func (c *Conn) SetCloseHandler(h CloseHandler) { c.onClose = h }

// Start begins reading inbound frames. Handlers must be installed before
// Start; the read loop invokes them synchronously in frame order.
func (c *Conn) Start() {
	c.wg.Add(1)
	go c.readLoop()
}

// Close terminates the connection. All pending calls fail with
// ErrConnectionClosed. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.failPending()
	})
}

// Wait blocks until the read loop has exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

type callOptions struct {
	silentMethodNotFound bool
}

// CallOption configures a single Call.
type CallOption func(*callOptions)

// SilentMethodNotFound makes Call treat a -32601 response as a successful
// nil result. Used for methods the peer may legitimately not implement.
func SilentMethodNotFound() CallOption {
	return func(o *callOptions) { o.silentMethodNotFound = true }
}

// Call sends a request and waits for the matching response. A remote error
// response is returned as *Error.
func (c *Conn) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	id := c.requestID.Add(1)
	req := &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if resp.Error != nil {
			if options.silentMethodNotFound && resp.Error.Code == MethodNotFound {
				return nil, nil
			}
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// Notify sends a notification; no response is expected.
func (c *Conn) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.send(&Notification{JSONRPC: Version, Method: method, Params: paramsJSON})
}

// SendResponse answers an inbound request with a result.
func (c *Conn) SendResponse(id json.RawMessage, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return c.send(&Response{JSONRPC: Version, ID: id, Result: resultJSON})
}

// SendError answers an inbound request with an error.
func (c *Conn) SendError(id json.RawMessage, rpcErr *Error) error {
	if id == nil {
		id = json.RawMessage("null")
	}
	return c.send(&Response{JSONRPC: Version, ID: id, Error: rpcErr})
}

func (c *Conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	if _, err := c.out.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent frame", zap.ByteString("data", data))
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.in)
	// Large frames: agent message chunks can carry whole files.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	err := scanner.Err()
	if err != nil {
		c.logger.Warn("read loop ended", zap.Error(err))
	}
	c.Close()
	if c.onClose != nil {
		c.onClose(err)
	}
}

func (c *Conn) handleLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.logger.Warn("malformed frame", zap.ByteString("line", line), zap.Error(err))
		if c.onProtoErr != nil {
			c.onProtoErr(line, err)
		}
		return
	}

	switch {
	case env.isResponse() && env.hasID():
		c.handleResponse(&Response{JSONRPC: env.JSONRPC, ID: env.ID, Result: env.Result, Error: env.Error})
	case env.Method != "" && env.hasID():
		if c.onRequest != nil {
			c.onRequest(env.ID, env.Method, env.Params)
		} else {
			_ = c.SendError(env.ID, &Error{Code: MethodNotFound, Message: fmt.Sprintf("no handler mounted for %s", env.Method)})
		}
	case env.Method != "":
		if c.onNotification != nil {
			c.onNotification(env.Method, env.Params)
		}
	default:
		err := fmt.Errorf("frame is neither request, response, nor notification")
		c.logger.Warn("unclassifiable frame", zap.ByteString("line", line))
		if c.onProtoErr != nil {
			c.onProtoErr(line, err)
		}
	}
}

func (c *Conn) handleResponse(resp *Response) {
	id, err := strconv.ParseInt(string(resp.ID), 10, 64)
	if err != nil {
		c.logger.Warn("response with non-numeric id", zap.ByteString("id", resp.ID))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request", zap.Int64("id", id))
		return
	}
	ch <- resp
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
