package ads

import "fmt"

// Kind classifies a failure into one of the seven error kinds this client
// distinguishes, so callers can react to the category rather than parsing
// messages.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindDevice
	KindSemantic
	KindTimeout
	KindOverflow
	KindRoute
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindDevice:
		return "device"
	case KindSemantic:
		return "semantic"
	case KindTimeout:
		return "timeout"
	case KindOverflow:
		return "overflow"
	case KindRoute:
		return "route"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by every public operation in this
// package. It carries enough context to let a caller log or branch on the
// failing command without re-parsing a message string.
type Error struct {
	Kind     Kind
	Op       string // failing operation, e.g. "ads.Read"
	Command  uint16 // ADS command code, 0 if not applicable
	InvokeID uint32
	Code     uint32 // device error code, 0 if not a Device error
	Err      error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindDevice:
		return fmt.Sprintf("ads: %s: device error 0x%04X (%s)", e.Op, e.Code, deviceErrorName(e.Code))
	case e.Err != nil:
		return fmt.Sprintf("ads: %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("ads: %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func newTransportError(op string, err error) *Error {
	return newError(KindTransport, op, err)
}

func newProtocolError(op string, err error) *Error {
	return newError(KindProtocol, op, err)
}

func newDeviceError(op string, command uint16, invokeID uint32, code uint32) *Error {
	return &Error{Kind: KindDevice, Op: op, Command: command, InvokeID: invokeID, Code: code}
}

func newSemanticError(op string, err error) *Error {
	return newError(KindSemantic, op, err)
}

func newTimeoutError(op string) *Error {
	return &Error{Kind: KindTimeout, Op: op}
}

func newOverflowError(op string) *Error {
	return &Error{Kind: KindOverflow, Op: op}
}

func newRouteError(op string, err error) *Error {
	return newError(KindRoute, op, err)
}

// Sentinel causes wrapped by transport-kind errors so callers can use
// errors.Is against the condition that actually occurred.
var (
	// ErrConnectionLost means the receive loop observed a socket failure
	// and every pending request on the connection was failed.
	ErrConnectionLost = fmt.Errorf("connection lost")
	// ErrConnectionClosed means a write was attempted after the
	// connection was already torn down.
	ErrConnectionClosed = fmt.Errorf("connection closed")
)

// Device/ADS error codes (the subset this client classifies by name; the
// full device error space is wider and is still returned, just with a
// generic name).
const (
	ErrNoError                uint32 = 0x0000
	ErrTargetPortNotFound     uint32 = 0x0006
	ErrTargetMachineNotFound  uint32 = 0x0007
	ErrDeviceError            uint32 = 0x0700
	ErrDeviceSrvNotSupp       uint32 = 0x0701
	ErrDeviceInvalidGrp       uint32 = 0x0702
	ErrDeviceInvalidOffs      uint32 = 0x0703
	ErrDeviceInvalidAccess    uint32 = 0x0704
	ErrDeviceInvalidSize      uint32 = 0x0705
	ErrDeviceInvalidData      uint32 = 0x0706
	ErrDeviceNotReady         uint32 = 0x0707
	ErrDeviceBusy             uint32 = 0x0708
	ErrDeviceNoMemory         uint32 = 0x070A
	ErrDeviceInvalidParam     uint32 = 0x070B
	ErrDeviceNotFound         uint32 = 0x070C
	ErrDeviceSymbolNotFound   uint32 = 0x0710
	ErrDeviceInvalidState     uint32 = 0x0712
	ErrDeviceNotifyHndInvalid uint32 = 0x0714
	ErrDeviceNoMoreHdls       uint32 = 0x0716
	ErrDeviceTimeout          uint32 = 0x0719
	ErrDeviceAccessDenied     uint32 = 0x0723
)

func deviceErrorName(code uint32) string {
	switch code {
	case ErrNoError:
		return "no error"
	case ErrTargetPortNotFound:
		return "target port not found"
	case ErrTargetMachineNotFound:
		return "target machine not found"
	case ErrDeviceSrvNotSupp:
		return "service not supported"
	case ErrDeviceInvalidGrp:
		return "invalid index group"
	case ErrDeviceInvalidOffs:
		return "invalid index offset"
	case ErrDeviceInvalidAccess:
		return "invalid access"
	case ErrDeviceInvalidSize:
		return "invalid size"
	case ErrDeviceInvalidData:
		return "invalid data"
	case ErrDeviceNotReady:
		return "device not ready"
	case ErrDeviceBusy:
		return "device busy"
	case ErrDeviceNoMemory:
		return "out of memory"
	case ErrDeviceInvalidParam:
		return "invalid parameter"
	case ErrDeviceNotFound:
		return "not found"
	case ErrDeviceSymbolNotFound:
		return "symbol not found"
	case ErrDeviceInvalidState:
		return "invalid state"
	case ErrDeviceNotifyHndInvalid:
		return "invalid notification handle"
	case ErrDeviceNoMoreHdls:
		return "no more handles"
	case ErrDeviceTimeout:
		return "device timeout"
	case ErrDeviceAccessDenied:
		return "access denied"
	default:
		return "unknown device error"
	}
}
