package ads

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value holds a decoded read result: the raw bytes returned by the server
// plus enough type information to interpret them.
type Value struct {
	DataType uint16
	Bytes    []byte
	Count    int // element count: 1 for scalar, >1 for array
}

// Decode returns the Go value corresponding to v's bytes, following the
// ADS type code. Unsupported codes fall back to a raw []byte.
func (v Value) Decode() interface{} {
	if len(v.Bytes) == 0 {
		return nil
	}

	baseType := BaseType(v.DataType)
	isArray := IsArray(v.DataType) || v.Count > 1

	if !isArray {
		if elemSize := TypeSize(baseType); elemSize > 0 && len(v.Bytes) > elemSize {
			isArray = true
		}
	}

	if isArray {
		return v.decodeArray(baseType)
	}
	return v.decodeScalar(baseType)
}

func (v Value) decodeScalar(baseType uint16) interface{} {
	switch baseType {
	case TypeBit:
		return v.Bytes[0] != 0

	case TypeSByte:
		return int64(int8(v.Bytes[0]))

	case TypeByte:
		return uint64(v.Bytes[0])

	case TypeInt16:
		if len(v.Bytes) >= 2 {
			return int64(int16(binary.LittleEndian.Uint16(v.Bytes)))
		}

	case TypeWord:
		if len(v.Bytes) >= 2 {
			return uint64(binary.LittleEndian.Uint16(v.Bytes))
		}

	case TypeInt32:
		if len(v.Bytes) >= 4 {
			return int64(int32(binary.LittleEndian.Uint32(v.Bytes)))
		}

	case TypeDWord:
		if len(v.Bytes) >= 4 {
			return uint64(binary.LittleEndian.Uint32(v.Bytes))
		}

	case TypeReal:
		if len(v.Bytes) >= 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(v.Bytes)))
		}

	case TypeInt64:
		if len(v.Bytes) >= 8 {
			return int64(binary.LittleEndian.Uint64(v.Bytes))
		}

	case TypeLWord:
		if len(v.Bytes) >= 8 {
			return binary.LittleEndian.Uint64(v.Bytes)
		}

	case TypeLReal:
		if len(v.Bytes) >= 8 {
			return math.Float64frombits(binary.LittleEndian.Uint64(v.Bytes))
		}

	case TypeString:
		return cString(v.Bytes)

	case TypeWString:
		return wString(v.Bytes)
	}

	return v.Bytes
}

func (v Value) decodeArray(baseType uint16) interface{} {
	if baseType == TypeString {
		return v.splitFixedStrings()
	}

	elemSize := TypeSize(baseType)
	if elemSize == 0 {
		return v.Bytes
	}
	count := len(v.Bytes) / elemSize
	if count == 0 {
		return v.Bytes
	}

	switch baseType {
	case TypeBit:
		out := make([]bool, count)
		for i := range out {
			out[i] = v.Bytes[i] != 0
		}
		return out

	case TypeSByte:
		out := make([]int64, count)
		for i := range out {
			out[i] = int64(int8(v.Bytes[i]))
		}
		return out

	case TypeByte:
		out := make([]uint64, count)
		for i := range out {
			out[i] = uint64(v.Bytes[i])
		}
		return out

	case TypeInt16:
		out := make([]int64, count)
		for i := range out {
			out[i] = int64(int16(binary.LittleEndian.Uint16(v.Bytes[i*2:])))
		}
		return out

	case TypeWord:
		out := make([]uint64, count)
		for i := range out {
			out[i] = uint64(binary.LittleEndian.Uint16(v.Bytes[i*2:]))
		}
		return out

	case TypeInt32:
		out := make([]int64, count)
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(v.Bytes[i*4:])))
		}
		return out

	case TypeDWord:
		out := make([]uint64, count)
		for i := range out {
			out[i] = uint64(binary.LittleEndian.Uint32(v.Bytes[i*4:]))
		}
		return out

	case TypeReal:
		out := make([]float64, count)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(v.Bytes[i*4:])))
		}
		return out

	case TypeInt64:
		out := make([]int64, count)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(v.Bytes[i*8:]))
		}
		return out

	case TypeLWord:
		out := make([]uint64, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(v.Bytes[i*8:])
		}
		return out

	case TypeLReal:
		out := make([]float64, count)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(v.Bytes[i*8:]))
		}
		return out

	default:
		return v.Bytes
	}
}

// splitFixedStrings slices a fixed-element-width STRING array using Count
// to derive the element width; falls back to a single null-terminated
// string when Count is unset.
func (v Value) splitFixedStrings() []string {
	if v.Count <= 1 || len(v.Bytes) == 0 {
		return []string{cString(v.Bytes)}
	}
	elemSize := len(v.Bytes) / v.Count
	if elemSize == 0 {
		return []string{cString(v.Bytes)}
	}
	out := make([]string, v.Count)
	for i := range out {
		start := i * elemSize
		end := start + elemSize
		if end > len(v.Bytes) {
			end = len(v.Bytes)
		}
		out[i] = cString(v.Bytes[start:end])
	}
	return out
}

// cString returns the string up to the first NUL byte.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// wString decodes a UTF-16LE, NUL-terminated WSTRING.
func wString(b []byte) string {
	var chars []rune
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		chars = append(chars, rune(c))
	}
	return string(chars)
}

// EncodeValueWithType converts a Go value into the wire bytes for a write
// against a symbol of the given ADS data type code (the inverse of
// Value.Decode's scalar path). Used by the facade's set_value handler,
// which only ever writes scalars typed by a symbol's DataType.
func EncodeValueWithType(v interface{}, dataType uint16) ([]byte, error) {
	baseType := BaseType(dataType)

	switch baseType {
	case TypeBit:
		b, err := asBool(v)
		if err != nil {
			return nil, err
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case TypeSByte:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		return []byte{byte(int8(n))}, nil

	case TypeByte:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		return []byte{byte(uint8(n))}, nil

	case TypeInt16:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(int16(n)))
		return buf, nil

	case TypeWord:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(n))
		return buf, nil

	case TypeInt32:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(int32(n)))
		return buf, nil

	case TypeDWord:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(n))
		return buf, nil

	case TypeReal:
		f, err := asFloat(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil

	case TypeInt64:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(n))
		return buf, nil

	case TypeLWord:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(n))
		return buf, nil

	case TypeLReal:
		f, err := asFloat(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil

	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("ads: value %v is not a string", v)
		}
		return append([]byte(s), 0), nil

	case TypeWString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("ads: value %v is not a string", v)
		}
		buf := make([]byte, 0, len(s)*2+2)
		for _, r := range s {
			var tmp [2]byte
			binary.LittleEndian.PutUint16(tmp[:], uint16(r))
			buf = append(buf, tmp[:]...)
		}
		return append(buf, 0, 0), nil
	}

	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, fmt.Errorf("ads: cannot encode value for data type 0x%04X", dataType)
}

func asBool(v interface{}) (bool, error) {
	switch n := v.(type) {
	case bool:
		return n, nil
	case int:
		return n != 0, nil
	case int64:
		return n != 0, nil
	case uint64:
		return n != 0, nil
	}
	return false, fmt.Errorf("ads: value %v is not boolean", v)
}

func asInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("ads: value %v is not numeric", v)
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("ads: value %v is not numeric", v)
}
