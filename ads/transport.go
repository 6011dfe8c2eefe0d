package ads

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"adslink/logging"
)

// DefaultRequestTimeout is the deadline applied to a unary request when the
// caller's context carries none.
const DefaultRequestTimeout = 10 * time.Second

// DefaultIntrospectTimeout is the deadline applied to each introspection
// phase (C5) when the caller's context carries none.
const DefaultIntrospectTimeout = 30 * time.Second

// pendingResponse is a ResponseSlot (spec section 3): a one-shot rendezvous
// the receiver fulfills and the caller consumes exactly once.
type pendingResponse struct {
	command uint16
	result  chan rawResponse
}

type rawResponse struct {
	header  header
	payload []byte
	err     error
}

// connState tracks the receiver's lifecycle without locks, per the design
// note on making the background loop's state visible through an atomic.
type connState int32

const (
	stateRunning connState = iota
	stateClosed
)

// Client is a single ADS/AMS session: one TCP connection, one background
// receiver goroutine, and the invoke-id-keyed response table the spec's
// ResponseSlot model describes. Every field reachable from more than one
// goroutine is protected explicitly; there is no package-level singleton
// (see DESIGN.md's note on the module-level-singleton liability).
type Client struct {
	conn   net.Conn
	local  Endpoint
	remote Endpoint

	writeMu sync.Mutex // serializes frame writes (spec section 5)

	invokeID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]*pendingResponse

	state atomic.Int32 // connState

	notify *notifyEngine

	tapMu sync.Mutex
	tap   *FrameBuffer

	closeOnce sync.Once
	closed    chan struct{}
}

// DialOptions configures a new Client connection.
type DialOptions struct {
	Local   Endpoint
	Remote  Endpoint
	Timeout time.Duration
}

// Dial opens a framed TCP connection to a peer's ADS port (C3) and starts
// the background receiver. The caller still owns route negotiation (C2);
// Dial assumes the route already exists.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Client, error) {
	d := net.Dialer{}
	if opts.Timeout > 0 {
		d.Timeout = opts.Timeout
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newTransportError("ads.Dial", err)
	}

	c := &Client{
		conn:    conn,
		local:   opts.Local,
		remote:  opts.Remote,
		pending: make(map[uint32]*pendingResponse),
		closed:  make(chan struct{}),
	}
	c.notify = newNotifyEngine(c)

	logging.DebugConnect("ads", addr)
	go c.receiveLoop()

	return c, nil
}

// LocalEndpoint and RemoteEndpoint report the AMS addresses this connection
// uses, primarily for diagnostics and the introspector.
func (c *Client) LocalEndpoint() Endpoint  { return c.local }
func (c *Client) RemoteEndpoint() Endpoint { return c.remote }

// Notifications returns the notification engine (C7) bound to this
// connection.
func (c *Client) Notifications() *notifyEngine { return c.notify }

// Closed returns a channel that is closed once the connection has torn
// down, for callers that want to select on connection loss.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	return connState(c.state.Load()) == stateClosed
}

// sendRequest allocates an invoke id, registers a response slot, writes the
// frame, and waits for the slot to resolve or the context to be cancelled.
// Cancellation dequeues the slot (spec section 4.3) so a later response
// cannot be misdelivered to a future requester reusing the map.
func (c *Client) sendRequest(ctx context.Context, op string, targetPort uint16, command uint16, payload []byte) ([]byte, error) {
	if c.isClosed() {
		return nil, newTransportError(op, ErrConnectionClosed)
	}

	invokeID := c.invokeID.Add(1)
	slot := &pendingResponse{command: command, result: make(chan rawResponse, 1)}

	c.pendingMu.Lock()
	c.pending[invokeID] = slot
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, invokeID)
		c.pendingMu.Unlock()
	}()

	h := header{
		Target:     Endpoint{NetId: c.remote.NetId, Port: targetPort},
		Source:     c.local,
		Command:    command,
		StateFlags: StateFlagRequest,
		InvokeID:   invokeID,
	}
	frame := encodeFrame(h, payload)

	logging.DebugTX("ads", frame)
	c.tapFrame(frame)

	c.writeMu.Lock()
	_, writeErr := c.conn.Write(frame)
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, newTransportError(op, writeErr)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	select {
	case resp := <-slot.result:
		if resp.err != nil {
			return nil, resp.err
		}
		if resp.header.ErrorCode != 0 {
			return nil, newDeviceError(op, command, invokeID, resp.header.ErrorCode)
		}
		return resp.payload, nil

	case <-ctx.Done():
		return nil, newTimeoutError(op)

	case <-c.closed:
		return nil, newTransportError(op, ErrConnectionLost)
	}
}

// receiveLoop is the single long-lived background task per connection
// (spec section 4.3 / 9). It demultiplexes responses by invoke id and
// routes notification-delivery frames to the notification engine.
func (c *Client) receiveLoop() {
	defer c.teardown()

	for {
		var prefix [6]byte
		if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
			return
		}
		total, err := readLengthPrefix(prefix)
		if err != nil {
			return
		}

		body := make([]byte, total)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return
		}

		logging.DebugRX("ads", body)
		c.tapFrame(body)

		h, err := decodeHeader(body)
		if err != nil {
			// Protocol-kind framing failure on the receiver loop is
			// fatal per spec section 7: close the connection.
			return
		}
		payload := body[amsHeaderSize:]

		if h.Command == CmdDeviceNotification {
			if h.ErrorCode != 0 {
				logging.DebugLog("notify", "dropping notification frame with error code 0x%04X", h.ErrorCode)
				continue
			}
			c.notify.deliver(payload)
			continue
		}

		c.pendingMu.Lock()
		slot, ok := c.pending[h.InvokeID]
		c.pendingMu.Unlock()
		if !ok {
			// Stale or cancelled request; the spec requires this be
			// discarded rather than misdelivered.
			continue
		}

		select {
		case slot.result <- rawResponse{header: h, payload: payload}:
		default:
		}
	}
}

func (c *Client) teardown() {
	c.state.Store(int32(stateClosed))

	c.pendingMu.Lock()
	for id, slot := range c.pending {
		select {
		case slot.result <- rawResponse{err: newTransportError("ads", ErrConnectionLost)}:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.notify.connectionLost()

	c.closeOnce.Do(func() {
		c.conn.Close()
	})
	close(c.closed)

	logging.DebugDisconnect("ads", c.remote.String(), "receive loop ended")
}

// uint32At is a small helper shared by the higher-level command files for
// pulling a little-endian uint32 out of a response payload.
func uint32At(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}
