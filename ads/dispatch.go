package ads

import (
	"context"
	"encoding/binary"
	"fmt"
)

// DeviceInfo is the decoded response to ReadDeviceInfo.
type DeviceInfo struct {
	MajorVersion uint8
	MinorVersion uint8
	BuildVersion uint16
	DeviceName   string
}

// ReadDeviceInfo issues CmdReadDeviceInfo against targetPort (spec 4.4/4.5).
func (c *Client) ReadDeviceInfo(ctx context.Context, targetPort uint16) (DeviceInfo, error) {
	payload, err := c.sendRequest(ctx, "ads.ReadDeviceInfo", targetPort, CmdReadDeviceInfo, nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	if len(payload) < 4 {
		return DeviceInfo{}, newProtocolError("ads.ReadDeviceInfo", fmt.Errorf("short response (%d bytes)", len(payload)))
	}
	info := DeviceInfo{
		MajorVersion: payload[0],
		MinorVersion: payload[1],
		BuildVersion: binary.LittleEndian.Uint16(payload[2:4]),
	}
	if len(payload) > 4 {
		info.DeviceName = cString(payload[4:])
	}
	return info, nil
}

// Read issues CmdRead for (group, offset, length) against targetPort.
func (c *Client) Read(ctx context.Context, targetPort uint16, group, offset, length uint32) ([]byte, error) {
	payload, err := c.sendRequest(ctx, "ads.Read", targetPort, CmdRead, readRequestPayload(group, offset, length))
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, newProtocolError("ads.Read", fmt.Errorf("short response (%d bytes)", len(payload)))
	}
	n := uint32At(payload, 0)
	if int(4+n) > len(payload) {
		return nil, newProtocolError("ads.Read", fmt.Errorf("declared length %d exceeds payload", n))
	}
	return payload[4 : 4+n], nil
}

// Write issues CmdWrite for (group, offset) against targetPort.
func (c *Client) Write(ctx context.Context, targetPort uint16, group, offset uint32, data []byte) error {
	_, err := c.sendRequest(ctx, "ads.Write", targetPort, CmdWrite, writeRequestPayload(group, offset, data))
	return err
}

// ReadWrite issues CmdReadWrite, writing writeData and reading back readLen
// bytes in the same round trip (used by the symbol catalog and introspector
// for combined metadata queries).
func (c *Client) ReadWrite(ctx context.Context, targetPort uint16, group, offset, readLen uint32, writeData []byte) ([]byte, error) {
	payload, err := c.sendRequest(ctx, "ads.ReadWrite", targetPort, CmdReadWrite, readWriteRequestPayload(group, offset, readLen, writeData))
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, newProtocolError("ads.ReadWrite", fmt.Errorf("short response (%d bytes)", len(payload)))
	}
	n := uint32At(payload, 0)
	if int(4+n) > len(payload) {
		return nil, newProtocolError("ads.ReadWrite", fmt.Errorf("declared length %d exceeds payload", n))
	}
	return payload[4 : 4+n], nil
}

// AdsState is the decoded response to ReadState: the runtime's ADS state
// and device state words.
type AdsState struct {
	ADSState    uint16
	DeviceState uint16
}

// ReadState issues CmdReadState against targetPort.
func (c *Client) ReadState(ctx context.Context, targetPort uint16) (AdsState, error) {
	payload, err := c.sendRequest(ctx, "ads.ReadState", targetPort, CmdReadState, nil)
	if err != nil {
		return AdsState{}, err
	}
	if len(payload) < 4 {
		return AdsState{}, newProtocolError("ads.ReadState", fmt.Errorf("short response (%d bytes)", len(payload)))
	}
	return AdsState{
		ADSState:    binary.LittleEndian.Uint16(payload[0:2]),
		DeviceState: binary.LittleEndian.Uint16(payload[2:4]),
	}, nil
}

// WriteControl issues CmdWriteControl against targetPort, requesting a new
// ADS/device state with optional associated data.
func (c *Client) WriteControl(ctx context.Context, targetPort uint16, adsState, deviceState uint16, data []byte) error {
	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], adsState)
	binary.LittleEndian.PutUint16(buf[2:4], deviceState)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	copy(buf[8:], data)
	_, err := c.sendRequest(ctx, "ads.WriteControl", targetPort, CmdWriteControl, buf)
	return err
}

// HandleByName resolves a symbol name to a 32-bit value handle via
// SYM_HNDBYNAME (C6).
func (c *Client) HandleByName(ctx context.Context, targetPort uint16, name string) (uint32, error) {
	nameBytes := append([]byte(name), 0)
	payload, err := c.ReadWrite(ctx, targetPort, IndexGroupSymbolHandleByName, 0, 4, nameBytes)
	if err != nil {
		return 0, err
	}
	if len(payload) < 4 {
		return 0, newProtocolError("ads.HandleByName", fmt.Errorf("short handle response"))
	}
	return binary.LittleEndian.Uint32(payload), nil
}

// ReadByHandle reads length bytes via SYM_VALBYHND (C6).
func (c *Client) ReadByHandle(ctx context.Context, targetPort uint16, handle uint32, length uint32) ([]byte, error) {
	return c.Read(ctx, targetPort, IndexGroupSymbolValueByHandle, handle, length)
}

// WriteByHandle writes data via SYM_VALBYHND (C6).
func (c *Client) WriteByHandle(ctx context.Context, targetPort uint16, handle uint32, data []byte) error {
	return c.Write(ctx, targetPort, IndexGroupSymbolValueByHandle, handle, data)
}

// ReleaseHandle releases a handle acquired from HandleByName via
// SYM_RELEASEHND (C6).
func (c *Client) ReleaseHandle(ctx context.Context, targetPort uint16, handle uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, handle)
	return c.Write(ctx, targetPort, IndexGroupSymbolReleaseHandle, 0, buf)
}
