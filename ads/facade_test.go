package ads

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

// startFakeFacadeServer serves just enough of the ADS command set for the
// facade's registry handlers to complete successfully against one symbol,
// "MAIN.counter" (writable DINT), with an empty EtherCAT topology.
func startFakeFacadeServer(t *testing.T) string {
	t.Helper()

	symEntry := encodeSymbolEntry(0x4020, 0x10, 4, uint32(TypeInt32), 0, "MAIN.counter", "DINT", "")
	counterValue := int32(7)

	return startFakeServer(t, func(h header, payload []byte) ([]byte, uint32) {
		switch h.Command {
		case CmdReadDeviceInfo:
			resp := make([]byte, 4)
			resp[0], resp[1] = 3, 1
			binary.LittleEndian.PutUint16(resp[2:4], 4024)
			resp = append(resp, []byte("TestRuntime\x00")...)
			return resp, 0

		case CmdReadState:
			resp := make([]byte, 4)
			binary.LittleEndian.PutUint16(resp[0:2], 5)
			binary.LittleEndian.PutUint16(resp[2:4], 0)
			return resp, 0

		case CmdRead:
			group := uint32At(payload, 0)
			length := uint32At(payload, 8)
			switch {
			case group == IndexGroupSymbolUploadInfo2:
				info := make([]byte, 8)
				binary.LittleEndian.PutUint32(info[0:4], 1)
				binary.LittleEndian.PutUint32(info[4:8], uint32(len(symEntry)))
				resp := make([]byte, 4+len(info))
				binary.LittleEndian.PutUint32(resp[0:4], uint32(len(info)))
				copy(resp[4:], info)
				return resp, 0

			case group == IndexGroupSymbolUpload:
				resp := make([]byte, 4+len(symEntry))
				binary.LittleEndian.PutUint32(resp[0:4], uint32(len(symEntry)))
				copy(resp[4:], symEntry)
				return resp, 0

			case group == IndexGroupEtherCATBase+ecatOffsetDeviceCount:
				resp := make([]byte, 8)
				binary.LittleEndian.PutUint32(resp[0:4], 4)
				binary.LittleEndian.PutUint32(resp[4:8], 0)
				return resp, 0

			case group == 0x4020:
				buf := make([]byte, 4)
				binary.LittleEndian.PutUint32(buf, uint32(counterValue))
				resp := make([]byte, 4+length)
				binary.LittleEndian.PutUint32(resp[0:4], length)
				copy(resp[4:], buf[:length])
				return resp, 0

			default:
				resp := make([]byte, 4)
				return resp, 0
			}

		case CmdWrite:
			group := uint32At(payload, 0)
			if group == 0x4020 {
				dataLen := uint32At(payload, 8)
				counterValue = int32(binary.LittleEndian.Uint32(payload[12 : 12+dataLen]))
			}
			return nil, 0

		case CmdWriteControl:
			return nil, 0
		}
		return nil, 0
	})
}

func openTestConnection(t *testing.T) *Connection {
	t.Helper()
	addr := startFakeFacadeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Open(ctx, addr, ConnectOptions{
		Local:  Endpoint{NetId: NetworkId{127, 0, 0, 1, 1, 1}, Port: 40000},
		Remote: Endpoint{NetId: NetworkId{127, 0, 0, 1, 1, 1}, Port: PortTC3PLC1},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectionStateMachineGating(t *testing.T) {
	conn := openTestConnection(t)

	if got := conn.currentState(); got != stateConnected {
		t.Fatalf("initial state = %v, want connected", got)
	}

	ctx := context.Background()
	if _, err := conn.Query(ctx, "device_info"); err != nil {
		t.Fatalf("Query(device_info) on a connected connection: %v", err)
	}

	conn.Close()
	if got := conn.currentState(); got != facadeClosed {
		t.Fatalf("state after Close = %v, want closed", got)
	}
	if _, err := conn.Query(ctx, "device_info"); err == nil {
		t.Error("expected Query to fail once the connection is closed")
	}
}

func TestConnectionQueryDeviceInfo(t *testing.T) {
	conn := openTestConnection(t)
	v, err := conn.Query(context.Background(), "device_info")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	info, ok := v.(DeviceInfo)
	if !ok || info.DeviceName != "TestRuntime" {
		t.Errorf("got %+v", v)
	}
}

func TestConnectionQuerySymbolAndValue(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	v, err := conn.Query(ctx, "symbol", "MAIN.counter")
	if err != nil {
		t.Fatalf("Query(symbol): %v", err)
	}
	sym, ok := v.(*Symbol)
	if !ok || sym.Name != "MAIN.counter" {
		t.Fatalf("got %+v", v)
	}

	val, err := conn.Query(ctx, "value", "MAIN.counter")
	if err != nil {
		t.Fatalf("Query(value): %v", err)
	}
	if val != int64(7) {
		t.Errorf("value = %v, want 7", val)
	}
}

func TestConnectionSetValueRoundTrip(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	if err := conn.Command(ctx, "value", "MAIN.counter", int64(42)); err != nil {
		t.Fatalf("Command(value): %v", err)
	}

	val, err := conn.Query(ctx, "value", "MAIN.counter")
	if err != nil {
		t.Fatalf("Query(value) after write: %v", err)
	}
	if val != int64(42) {
		t.Errorf("value after write = %v, want 42", val)
	}
}

func TestConnectionUnknownOperation(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	if _, err := conn.Query(ctx, "nonexistent"); err == nil {
		t.Error("expected an error for an unregistered query operation")
	}
	if err := conn.Command(ctx, "nonexistent"); err == nil {
		t.Error("expected an error for an unregistered command operation")
	}
}

func TestConnectionCatalogIsCached(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	cat1, err := conn.Catalog(ctx, conn.Client().RemoteEndpoint().Port)
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	cat2, err := conn.Catalog(ctx, conn.Client().RemoteEndpoint().Port)
	if err != nil {
		t.Fatalf("Catalog (cached): %v", err)
	}
	if cat1 != cat2 {
		t.Error("expected a second Catalog call for the same port to return the cached instance")
	}
}

func TestConnectionIntrospectAndTopologyCache(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	if _, ok := conn.Topology(); ok {
		t.Error("expected no cached topology before Introspect")
	}

	server, err := conn.Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if server.Name != "TestRuntime" {
		t.Errorf("server.Name = %q, want TestRuntime", server.Name)
	}

	cached, ok := conn.Topology()
	if !ok || cached != server {
		t.Errorf("Topology() = %v, %v; want the introspected server, true", cached, ok)
	}

	if got := conn.currentState(); got != stateIntrospected {
		t.Errorf("state after Introspect = %v, want introspected", got)
	}
}

func TestConnectionSetValueRejectsUnknownSymbol(t *testing.T) {
	conn := openTestConnection(t)
	if err := conn.Command(context.Background(), "value", "MAIN.ghost", int64(1)); err == nil {
		t.Error("expected an error writing to a symbol that does not exist")
	}
}

func TestArgHelpers(t *testing.T) {
	args := []interface{}{"MAIN.counter", uint16(5), "not-a-number"}

	if s, ok := argString(args, 0); !ok || s != "MAIN.counter" {
		t.Errorf("argString(0) = %q, %v", s, ok)
	}
	if _, ok := argString(args, 10); ok {
		t.Error("expected argString to report false out of range")
	}

	if n, ok := argUint16(args, 1); !ok || n != 5 {
		t.Errorf("argUint16(1) = %d, %v", n, ok)
	}
	if _, ok := argUint16(args, 2); ok {
		t.Error("expected argUint16 to report false for a non-numeric argument")
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		s    connectionState
		want string
	}{
		{stateUnopened, "unopened"},
		{stateConnected, "connected"},
		{stateIntrospected, "introspected"},
		{facadeClosed, "closed"},
		{connectionState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("connectionState(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
