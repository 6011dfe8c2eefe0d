package ads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"adslink/logging"
)

// frameBufferSize is the number of recent TX/RX wire frames a Connection
// keeps for diagnostic replay (see Connection.Frames).
const frameBufferSize = 256

// connectionState is the facade's exit-transition state machine: unopened
// -> connected -> introspected -> closed (spec section 4.8). Every public
// method on Connection validates the current state admits it.
type connectionState int

const (
	stateUnopened connectionState = iota
	stateConnected
	stateIntrospected
	facadeClosed // distinct from transport's connState; this is facade-level
)

func (s connectionState) String() string {
	switch s {
	case stateUnopened:
		return "unopened"
	case stateConnected:
		return "connected"
	case stateIntrospected:
		return "introspected"
	case facadeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// handler is a named facade operation. Exactly one of query/command is set.
type handler struct {
	query   func(ctx context.Context, conn *Connection, args ...interface{}) (interface{}, error)
	command func(ctx context.Context, conn *Connection, args ...interface{}) error
}

// registry is the facade's static name -> handler table (spec section 4.8,
// REDESIGN FLAGS: dynamic dispatch replaced by a table built once at
// construction instead of name-to-function reflection).
var registry = map[string]handler{
	"get_device_info": {query: handleGetDeviceInfo},
	"get_state":       {query: handleGetState},
	"get_symbol":      {query: handleGetSymbol},
	"get_value":       {query: handleGetValue},
	"get_topology":    {query: handleGetTopology},
	"set_value":       {command: handleSetValue},
	"set_control":     {command: handleSetControl},
}

// ErrUnknownOperation is returned by Query/Command when name is not in the
// registry.
type ErrUnknownOperation struct{ Name string }

func (e *ErrUnknownOperation) Error() string {
	return fmt.Sprintf("ads: unknown operation %q", e.Name)
}

// Connection is the top-level facade (C8) wrapping a Client with the
// symbol catalog, topology cache, and state machine external callers see.
// It is the type a controller layer is expected to hold.
type Connection struct {
	client *Client
	target Endpoint

	mu       sync.Mutex
	state    connectionState
	catalogs map[uint16]*Catalog
	topology topologyCache
	frames   *FrameBuffer
}

// ConnectOptions configures Open.
type ConnectOptions struct {
	Local   Endpoint
	Remote  Endpoint
	Timeout time.Duration
}

// Open dials the target and returns a Connection in the "connected" state.
func Open(ctx context.Context, addr string, opts ConnectOptions) (*Connection, error) {
	client, err := Dial(ctx, addr, DialOptions{Local: opts.Local, Remote: opts.Remote, Timeout: opts.Timeout})
	if err != nil {
		return nil, err
	}
	frames := NewFrameBuffer(frameBufferSize)
	client.Tap(frames)
	return &Connection{
		client:   client,
		target:   opts.Remote,
		state:    stateConnected,
		catalogs: make(map[uint16]*Catalog),
		frames:   frames,
	}, nil
}

// Frames returns every TX/RX wire frame captured since ts, oldest first, for
// diagnostic replay without a packet capture (exposed by the ssh console's
// "frames" command).
func (c *Connection) Frames(since time.Time) [][]byte {
	return c.frames.Since(since)
}

func (c *Connection) currentState() connectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) requireAtLeast(op string, min connectionState) error {
	s := c.currentState()
	if s < min {
		return newSemanticError(op, fmt.Errorf("requires state >= %s, connection is %s", min, s))
	}
	if s == facadeClosed {
		return newSemanticError(op, fmt.Errorf("connection is closed"))
	}
	return nil
}

// Client exposes the underlying transport for operations the facade does
// not (yet) wrap, such as raw Read/Write for direct process-image access.
func (c *Connection) Client() *Client { return c.client }

// Introspect runs the EtherCAT topology discovery (C5) once and transitions
// the facade to the "introspected" state. Calling it again refreshes the
// cached tree without changing state.
func (c *Connection) Introspect(ctx context.Context) (*IOServer, error) {
	if err := c.requireAtLeast("ads.Introspect", stateConnected); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultIntrospectTimeout)
		defer cancel()
	}

	server, err := DiscoverTopology(ctx, c.client)
	if err != nil {
		return nil, err
	}
	c.topology.store(server)

	c.mu.Lock()
	if c.state == stateConnected {
		c.state = stateIntrospected
	}
	c.mu.Unlock()

	return server, nil
}

// Topology returns the most recently discovered tree, if any.
func (c *Connection) Topology() (*IOServer, bool) {
	return c.topology.load()
}

// Catalog discovers (or returns the cached) symbol table for targetPort.
func (c *Connection) Catalog(ctx context.Context, targetPort uint16) (*Catalog, error) {
	if err := c.requireAtLeast("ads.Catalog", stateConnected); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if cat, ok := c.catalogs[targetPort]; ok {
		c.mu.Unlock()
		return cat, nil
	}
	c.mu.Unlock()

	cat, err := DiscoverCatalog(ctx, c.client, targetPort)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.catalogs[targetPort] = cat
	c.mu.Unlock()

	return cat, nil
}

// Close releases the connection and transitions to the "closed" state.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = facadeClosed
	c.mu.Unlock()
	return c.client.Close()
}

// Query dispatches a get_<name> operation.
func (c *Connection) Query(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	h, ok := registry["get_"+name]
	if !ok || h.query == nil {
		return nil, &ErrUnknownOperation{Name: name}
	}
	if err := c.requireAtLeast("ads.Query:"+name, stateConnected); err != nil {
		return nil, err
	}
	return h.query(ctx, c, args...)
}

// Command dispatches a set_<name> operation.
func (c *Connection) Command(ctx context.Context, name string, args ...interface{}) error {
	h, ok := registry["set_"+name]
	if !ok || h.command == nil {
		return &ErrUnknownOperation{Name: name}
	}
	if err := c.requireAtLeast("ads.Command:"+name, stateConnected); err != nil {
		return err
	}
	return h.command(ctx, c, args...)
}

// --- registry handlers ---

func handleGetDeviceInfo(ctx context.Context, conn *Connection, args ...interface{}) (interface{}, error) {
	return conn.client.ReadDeviceInfo(ctx, conn.target.Port)
}

func handleGetState(ctx context.Context, conn *Connection, args ...interface{}) (interface{}, error) {
	return conn.client.ReadState(ctx, conn.target.Port)
}

func handleGetSymbol(ctx context.Context, conn *Connection, args ...interface{}) (interface{}, error) {
	name, ok := argString(args, 0)
	if !ok {
		return nil, newSemanticError("ads.get_symbol", fmt.Errorf("expected a symbol name argument"))
	}
	cat, err := conn.Catalog(ctx, conn.target.Port)
	if err != nil {
		return nil, err
	}
	sym, ok := cat.ByName(name)
	if !ok {
		return nil, newSemanticError("ads.get_symbol", fmt.Errorf("symbol %q not found", name))
	}
	return sym, nil
}

func handleGetValue(ctx context.Context, conn *Connection, args ...interface{}) (interface{}, error) {
	name, ok := argString(args, 0)
	if !ok {
		return nil, newSemanticError("ads.get_value", fmt.Errorf("expected a symbol name argument"))
	}
	cat, err := conn.Catalog(ctx, conn.target.Port)
	if err != nil {
		return nil, err
	}
	sym, ok := cat.ByName(name)
	if !ok {
		return nil, newSemanticError("ads.get_value", fmt.Errorf("symbol %q not found", name))
	}
	raw, err := conn.client.Read(ctx, conn.target.Port, sym.IndexGroup, sym.IndexOffset, sym.Size)
	if err != nil {
		return nil, err
	}
	return Value{DataType: sym.DataType, Bytes: raw}.Decode(), nil
}

func handleGetTopology(ctx context.Context, conn *Connection, args ...interface{}) (interface{}, error) {
	if server, ok := conn.Topology(); ok {
		return server, nil
	}
	return conn.Introspect(ctx)
}

func handleSetValue(ctx context.Context, conn *Connection, args ...interface{}) error {
	name, ok := argString(args, 0)
	if !ok || len(args) < 2 {
		return newSemanticError("ads.set_value", fmt.Errorf("expected (name, value) arguments"))
	}
	cat, err := conn.Catalog(ctx, conn.target.Port)
	if err != nil {
		return err
	}
	sym, ok := cat.ByName(name)
	if !ok {
		return newSemanticError("ads.set_value", fmt.Errorf("symbol %q not found", name))
	}
	if !sym.IsWritable() {
		return newSemanticError("ads.set_value", fmt.Errorf("symbol %q is read-only", name))
	}
	encoded, err := EncodeValueWithType(args[1], sym.DataType)
	if err != nil {
		return newSemanticError("ads.set_value", err)
	}
	logging.DebugLog("facade", "set_value %s <- %v", name, args[1])
	return conn.client.Write(ctx, conn.target.Port, sym.IndexGroup, sym.IndexOffset, encoded)
}

func handleSetControl(ctx context.Context, conn *Connection, args ...interface{}) error {
	if len(args) < 2 {
		return newSemanticError("ads.set_control", fmt.Errorf("expected (adsState, deviceState) arguments"))
	}
	adsState, ok1 := argUint16(args, 0)
	deviceState, ok2 := argUint16(args, 1)
	if !ok1 || !ok2 {
		return newSemanticError("ads.set_control", fmt.Errorf("adsState and deviceState must be numeric"))
	}
	return conn.client.WriteControl(ctx, conn.target.Port, adsState, deviceState, nil)
}

func argString(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argUint16(args []interface{}, i int) (uint16, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case uint16:
		return v, true
	case int:
		return uint16(v), true
	default:
		return 0, false
	}
}
