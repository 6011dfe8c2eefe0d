package ads

import (
	"context"
	"encoding/binary"
	"fmt"

	"adslink/logging"
)

// Symbol flags (spec section 4.6).
const (
	SymFlagPersistent uint32 = 0x0001
	SymFlagBitValue   uint32 = 0x0002
	SymFlagReserved   uint32 = 0x0004
	SymFlagReference  uint32 = 0x0008
	SymFlagReadOnly   uint32 = 0x0010
	SymFlagStaticVar  uint32 = 0x0020
	SymFlagInput      uint32 = 0x0040
	SymFlagOutput     uint32 = 0x0080
	SymFlagInOut      uint32 = 0x0100
)

// Symbol describes one entry in the uploaded symbol table: a name bound to
// an (index group, index offset) pair along with enough type information to
// read and decode its value.
type Symbol struct {
	Name        string
	TypeName    string
	Comment     string
	DataType    uint16
	Size        uint32
	IndexGroup  uint32
	IndexOffset uint32
	Flags       uint32
}

// IsReadable reports whether the symbol can be read. The upload format does
// not encode a separate read-access bit; every discovered symbol is
// readable unless the server itself refuses the read.
func (s *Symbol) IsReadable() bool { return true }

// IsWritable reports whether the symbol accepts writes, per its flags.
func (s *Symbol) IsWritable() bool {
	return s.Flags&SymFlagReadOnly == 0
}

// IsPrimitive reports whether the symbol's type decodes to a scalar or
// array of scalars rather than an opaque struct/function block. Any symbol
// of 8 bytes or less also counts as primitive, whatever its type code.
func (s *Symbol) IsPrimitive() bool {
	if isRecognizedType(BaseType(s.DataType)) {
		return true
	}
	return s.Size <= 8
}

func (s *Symbol) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s, %d bytes)", s.Name, s.TypeName, s.Size)
}

// Catalog is the discovered symbol table for one ADS target (C6). It is
// built by a two-phase upload: UploadInfo2 for the counts and total buffer
// sizes, then Upload for the symbol blob itself.
type Catalog struct {
	Port    uint16
	Symbols []*Symbol
	byName  map[string]*Symbol
	Dropped int // entries skipped: malformed blob data, or an unrecognized datatype
}

// ByName looks up a symbol case-sensitively, matching TwinCAT's own naming.
func (c *Catalog) ByName(name string) (*Symbol, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Index adds sym to the catalog's name lookup table. Callers that
// reconstruct a Catalog from outside DiscoverCatalog (for example a cache
// load) must call this for each symbol before using ByName.
func (c *Catalog) Index(sym *Symbol) {
	if c.byName == nil {
		c.byName = make(map[string]*Symbol)
	}
	c.byName[sym.Name] = sym
}

type uploadInfo struct {
	SymbolCount  uint32
	SymbolLength uint32
}

// DiscoverCatalog performs the two-phase SYM_UPLOADINFO2 / SYM_UPLOAD
// sequence against targetPort and parses the resulting symbol table.
func DiscoverCatalog(ctx context.Context, c *Client, targetPort uint16) (*Catalog, error) {
	info, err := readUploadInfo(ctx, c, targetPort)
	if err != nil {
		return nil, err
	}
	if info.SymbolCount == 0 {
		return &Catalog{Port: targetPort, byName: make(map[string]*Symbol)}, nil
	}

	blob, err := c.Read(ctx, targetPort, IndexGroupSymbolUpload, 0, info.SymbolLength)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{Port: targetPort, byName: make(map[string]*Symbol)}
	off := 0
	for off < len(blob) {
		sym, consumed, ok := parseSymbolEntry(blob[off:])
		if !ok {
			logging.DebugLog("catalog", "dropping malformed symbol entry at offset %d", off)
			cat.Dropped++
			break // the entry length is what lets us resync; without it we can't skip safely
		}
		off += consumed

		base := BaseType(sym.DataType)
		if !isRecognizedType(base) && base != TypeBigType {
			logging.DebugLog("catalog", "symbol %q has unrecognized datatype 0x%04X, dropping", sym.Name, sym.DataType)
			cat.Dropped++
			continue
		}

		cat.Symbols = append(cat.Symbols, sym)
		cat.byName[sym.Name] = sym
	}

	return cat, nil
}

func readUploadInfo(ctx context.Context, c *Client, targetPort uint16) (uploadInfo, error) {
	payload, err := c.Read(ctx, targetPort, IndexGroupSymbolUploadInfo2, 0, 64)
	if err != nil {
		return uploadInfo{}, err
	}
	// Layout: symbolCount(4), symbolLength(4), dataTypeCount(4),
	// dataTypeLength(4), extraCount(4), extraLength(4), ...
	// Only the first two fields matter for the plain symbol upload.
	if len(payload) < 8 {
		return uploadInfo{}, newProtocolError("ads.DiscoverCatalog", fmt.Errorf("short upload-info response (%d bytes)", len(payload)))
	}
	return uploadInfo{
		SymbolCount:  binary.LittleEndian.Uint32(payload[0:4]),
		SymbolLength: binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// parseSymbolEntry decodes one binary symbol-table entry: entryLength(4),
// indexGroup(4), indexOffset(4), size(4), dataType(4), flags(4),
// nameLength(2), typeLength(2), commentLength(2), then the name, type name,
// and comment strings concatenated back to back (each NUL-terminated,
// little-endian lengths per the resolved Open Question in DESIGN.md).
func parseSymbolEntry(buf []byte) (*Symbol, int, bool) {
	const fixedHeader = 30
	if len(buf) < fixedHeader {
		return nil, 0, false
	}

	entryLength := binary.LittleEndian.Uint32(buf[0:4])
	if int(entryLength) < fixedHeader || int(entryLength) > len(buf) {
		return nil, 0, false
	}

	indexGroup := binary.LittleEndian.Uint32(buf[4:8])
	indexOffset := binary.LittleEndian.Uint32(buf[8:12])
	size := binary.LittleEndian.Uint32(buf[12:16])
	dataType := binary.LittleEndian.Uint32(buf[16:20])
	flags := binary.LittleEndian.Uint32(buf[20:24])
	nameLen := binary.LittleEndian.Uint16(buf[24:26])
	typeLen := binary.LittleEndian.Uint16(buf[26:28])
	commentLen := binary.LittleEndian.Uint16(buf[28:30])

	strStart := fixedHeader
	name, strStart, ok := readLengthPrefixedString(buf, strStart, int(nameLen))
	if !ok {
		return nil, 0, false
	}
	typeName, strStart, ok := readLengthPrefixedString(buf, strStart, int(typeLen))
	if !ok {
		return nil, 0, false
	}
	comment, _, ok := readLengthPrefixedString(buf, strStart, int(commentLen))
	if !ok {
		return nil, 0, false
	}

	sym := &Symbol{
		Name:        name,
		TypeName:    typeName,
		Comment:     comment,
		DataType:    uint16(dataType),
		Size:        size,
		IndexGroup:  indexGroup,
		IndexOffset: indexOffset,
		Flags:       flags,
	}
	return sym, int(entryLength), true
}

// readLengthPrefixedString reads a NUL-terminated string of the given
// logical length starting at off, then skips the trailing NUL.
func readLengthPrefixedString(buf []byte, off, length int) (string, int, bool) {
	end := off + length
	if end > len(buf) {
		return "", 0, false
	}
	return string(buf[off:end]), end + 1, true
}
