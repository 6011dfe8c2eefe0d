package ads

import (
	"encoding/binary"
	"fmt"
)

// ADS command codes (spec section 6).
const (
	CmdReadDeviceInfo    uint16 = 0x0001
	CmdRead              uint16 = 0x0002
	CmdWrite             uint16 = 0x0003
	CmdReadState         uint16 = 0x0004
	CmdWriteControl      uint16 = 0x0005
	CmdAddDeviceNotify   uint16 = 0x0006
	CmdDeleteDeviceNotify uint16 = 0x0007
	CmdDeviceNotification uint16 = 0x0008
	CmdReadWrite         uint16 = 0x0009
)

// ADS state flags.
const (
	StateFlagRequest  uint16 = 0x0004
	StateFlagResponse uint16 = 0x0005
)

// Well-known index groups (spec section 4.1).
const (
	IndexGroupSymbolHandleByName  uint32 = 0xF003
	IndexGroupSymbolValueByHandle uint32 = 0xF005
	IndexGroupSymbolReleaseHandle uint32 = 0xF006
	IndexGroupSymbolInfoByNameEx  uint32 = 0xF009
	IndexGroupSymbolUpload        uint32 = 0xF00B
	IndexGroupSymbolUploadInfo2   uint32 = 0xF00F

	IndexGroupProcessImageInputs  uint32 = 0xF020
	IndexGroupProcessImageOutputs uint32 = 0xF021

	IndexGroupEtherCATBase uint32 = 0xF100
	IndexGroupEtherCATEnd  uint32 = 0xF3FF
)

const amsHeaderSize = 32

// header is the 32-byte AMS header preceding every ADS command payload.
type header struct {
	Target     Endpoint
	Source     Endpoint
	Command    uint16
	StateFlags uint16
	DataLength uint32
	ErrorCode  uint32
	InvokeID   uint32
}

// encodeHeader writes h into the first 32 bytes of buf.
func encodeHeader(buf []byte, h header) {
	copy(buf[0:6], h.Target.NetId[:])
	binary.LittleEndian.PutUint16(buf[6:8], h.Target.Port)
	copy(buf[8:14], h.Source.NetId[:])
	binary.LittleEndian.PutUint16(buf[14:16], h.Source.Port)
	binary.LittleEndian.PutUint16(buf[16:18], h.Command)
	binary.LittleEndian.PutUint16(buf[18:20], h.StateFlags)
	binary.LittleEndian.PutUint32(buf[20:24], h.DataLength)
	binary.LittleEndian.PutUint32(buf[24:28], h.ErrorCode)
	binary.LittleEndian.PutUint32(buf[28:32], h.InvokeID)
}

// decodeHeader parses a 32-byte AMS header from buf.
func decodeHeader(buf []byte) (header, error) {
	if len(buf) < amsHeaderSize {
		return header{}, fmt.Errorf("ads: short AMS header (%d bytes)", len(buf))
	}
	var h header
	copy(h.Target.NetId[:], buf[0:6])
	h.Target.Port = binary.LittleEndian.Uint16(buf[6:8])
	copy(h.Source.NetId[:], buf[8:14])
	h.Source.Port = binary.LittleEndian.Uint16(buf[14:16])
	h.Command = binary.LittleEndian.Uint16(buf[16:18])
	h.StateFlags = binary.LittleEndian.Uint16(buf[18:20])
	h.DataLength = binary.LittleEndian.Uint32(buf[20:24])
	h.ErrorCode = binary.LittleEndian.Uint32(buf[24:28])
	h.InvokeID = binary.LittleEndian.Uint32(buf[28:32])
	return h, nil
}

// encodeFrame serializes the TCP/AMS framing: a 2-byte reserved prefix, a
// little-endian 4-byte total length (excluding those 6 bytes), the AMS
// header, then the payload.
func encodeFrame(h header, payload []byte) []byte {
	h.DataLength = uint32(len(payload))
	buf := make([]byte, 6+amsHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], 0)
	binary.LittleEndian.PutUint32(buf[2:6], amsHeaderSize+uint32(len(payload)))
	encodeHeader(buf[6:6+amsHeaderSize], h)
	copy(buf[6+amsHeaderSize:], payload)
	return buf
}

// readLengthPrefix decodes the 6-byte TCP/AMS prefix, returning the number
// of bytes (header + payload) that follow.
func readLengthPrefix(prefix [6]byte) (uint32, error) {
	total := binary.LittleEndian.Uint32(prefix[2:6])
	if total < amsHeaderSize {
		return 0, fmt.Errorf("ads: frame length %d shorter than AMS header", total)
	}
	return total, nil
}

// readWriteRequestPayload builds the payload for a combined read/write
// request: index group, index offset, read length, write length, then the
// bytes to write.
func readWriteRequestPayload(group, offset, readLen uint32, writeData []byte) []byte {
	buf := make([]byte, 16+len(writeData))
	binary.LittleEndian.PutUint32(buf[0:4], group)
	binary.LittleEndian.PutUint32(buf[4:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], readLen)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(writeData)))
	copy(buf[16:], writeData)
	return buf
}

// readRequestPayload builds the payload for a plain read request.
func readRequestPayload(group, offset, length uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], group)
	binary.LittleEndian.PutUint32(buf[4:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	return buf
}

// writeRequestPayload builds the payload for a write request.
func writeRequestPayload(group, offset uint32, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], group)
	binary.LittleEndian.PutUint32(buf[4:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(data)))
	copy(buf[12:], data)
	return buf
}
