package ads

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

// encodeSymbolEntry builds one raw SYM_UPLOAD entry in the wire layout
// parseSymbolEntry expects, for use as test fixtures.
func encodeSymbolEntry(indexGroup, indexOffset, size, dataType, flags uint32, name, typeName, comment string) []byte {
	nameLen := len(name)
	typeLen := len(typeName)
	commentLen := len(comment)
	entryLen := 30 + nameLen + 1 + typeLen + 1 + commentLen + 1

	buf := make([]byte, entryLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(entryLen))
	binary.LittleEndian.PutUint32(buf[4:8], indexGroup)
	binary.LittleEndian.PutUint32(buf[8:12], indexOffset)
	binary.LittleEndian.PutUint32(buf[12:16], size)
	binary.LittleEndian.PutUint32(buf[16:20], dataType)
	binary.LittleEndian.PutUint32(buf[20:24], flags)
	binary.LittleEndian.PutUint16(buf[24:26], uint16(nameLen))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(typeLen))
	binary.LittleEndian.PutUint16(buf[28:30], uint16(commentLen))

	off := 30
	off += copy(buf[off:], name)
	buf[off] = 0
	off++
	off += copy(buf[off:], typeName)
	buf[off] = 0
	off++
	off += copy(buf[off:], comment)
	buf[off] = 0
	off++

	return buf
}

func TestParseSymbolEntry(t *testing.T) {
	raw := encodeSymbolEntry(0x4020, 0x10, 4, uint32(TypeInt32), 0, "MAIN.counter", "DINT", "a counter")

	sym, consumed, ok := parseSymbolEntry(raw)
	if !ok {
		t.Fatal("expected parseSymbolEntry to succeed")
	}
	if consumed != len(raw) {
		t.Errorf("consumed = %d, want %d", consumed, len(raw))
	}
	if sym.Name != "MAIN.counter" || sym.TypeName != "DINT" || sym.Comment != "a counter" {
		t.Errorf("got %+v", sym)
	}
	if sym.DataType != TypeInt32 || sym.Size != 4 || sym.IndexGroup != 0x4020 || sym.IndexOffset != 0x10 {
		t.Errorf("got %+v", sym)
	}
}

func TestParseSymbolEntryTooShort(t *testing.T) {
	if _, _, ok := parseSymbolEntry(make([]byte, 10)); ok {
		t.Error("expected failure parsing a buffer shorter than the fixed header")
	}
}

func TestParseSymbolEntryBadEntryLength(t *testing.T) {
	raw := encodeSymbolEntry(0xF020, 0, 1, uint32(TypeBit), 0, "x", "BOOL", "")
	binary.LittleEndian.PutUint32(raw[0:4], uint32(len(raw)+1000))
	if _, _, ok := parseSymbolEntry(raw); ok {
		t.Error("expected failure when entryLength exceeds the buffer")
	}
}

func TestParseMultipleSymbolEntries(t *testing.T) {
	a := encodeSymbolEntry(0x4020, 0, 4, uint32(TypeInt32), 0, "MAIN.a", "DINT", "")
	b := encodeSymbolEntry(0x4020, 4, 1, uint32(TypeBit), SymFlagReadOnly, "MAIN.b", "BOOL", "")
	blob := append(append([]byte{}, a...), b...)

	var symbols []*Symbol
	off := 0
	for off < len(blob) {
		sym, consumed, ok := parseSymbolEntry(blob[off:])
		if !ok {
			t.Fatalf("parse failed at offset %d", off)
		}
		symbols = append(symbols, sym)
		off += consumed
	}

	if len(symbols) != 2 {
		t.Fatalf("got %d symbols, want 2", len(symbols))
	}
	if symbols[0].Name != "MAIN.a" || symbols[1].Name != "MAIN.b" {
		t.Errorf("got names %q, %q", symbols[0].Name, symbols[1].Name)
	}
	if !symbols[0].IsWritable() {
		t.Error("MAIN.a should be writable (no ReadOnly flag)")
	}
	if symbols[1].IsWritable() {
		t.Error("MAIN.b should not be writable (ReadOnly flag set)")
	}
}

func TestSymbolIsPrimitive(t *testing.T) {
	prim := &Symbol{DataType: TypeInt32, Size: 4}
	if !prim.IsPrimitive() {
		t.Error("expected an INT32 symbol to be primitive")
	}

	opaque := &Symbol{DataType: TypeBigType, Size: 128}
	if opaque.IsPrimitive() {
		t.Error("expected a large BIGTYPE symbol not to be primitive")
	}

	smallOpaque := &Symbol{DataType: TypeBigType, Size: 4}
	if !smallOpaque.IsPrimitive() {
		t.Error("expected a small unrecognized-type symbol to still count as primitive by size")
	}
}

func TestSymbolString(t *testing.T) {
	s := &Symbol{Name: "MAIN.x", TypeName: "DINT", Size: 4}
	want := "MAIN.x (DINT, 4 bytes)"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	var nilSym *Symbol
	if got := nilSym.String(); got != "<nil>" {
		t.Errorf("nil String() = %q, want <nil>", got)
	}
}

// startCatalogFakeServer serves an UploadInfo2/Upload pair whose blob is
// exactly the bytes the caller provides, so DiscoverCatalog's parse loop can
// be exercised directly against hand-built fixtures.
func startCatalogFakeServer(t *testing.T, blob []byte) string {
	t.Helper()
	return startFakeServer(t, func(h header, payload []byte) ([]byte, uint32) {
		switch {
		case h.Command == CmdRead && uint32At(payload, 0) == IndexGroupSymbolUploadInfo2:
			info := make([]byte, 8)
			binary.LittleEndian.PutUint32(info[0:4], 1)
			binary.LittleEndian.PutUint32(info[4:8], uint32(len(blob)))
			resp := make([]byte, 4+len(info))
			binary.LittleEndian.PutUint32(resp[0:4], uint32(len(info)))
			copy(resp[4:], info)
			return resp, 0
		case h.Command == CmdRead && uint32At(payload, 0) == IndexGroupSymbolUpload:
			resp := make([]byte, 4+len(blob))
			binary.LittleEndian.PutUint32(resp[0:4], uint32(len(blob)))
			copy(resp[4:], blob)
			return resp, 0
		default:
			return make([]byte, 4), 0
		}
	})
}

func TestDiscoverCatalogDropsUnrecognizedDatatype(t *testing.T) {
	good := encodeSymbolEntry(0x4020, 0x10, 4, uint32(TypeInt32), 0, "MAIN.counter", "DINT", "")
	bigType := encodeSymbolEntry(0x4020, 0x20, 64, uint32(TypeBigType), 0, "MAIN.fb", "FB_Thing", "")
	unrecognized := encodeSymbolEntry(0x4020, 0x30, 4, 0xBEEF, 0, "MAIN.mystery", "MYSTERY_T", "")
	blob := append(append(append([]byte{}, good...), bigType...), unrecognized...)

	addr := startCatalogFakeServer(t, blob)
	c := dialTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cat, err := DiscoverCatalog(ctx, c, PortTC3PLC1)
	if err != nil {
		t.Fatalf("DiscoverCatalog: %v", err)
	}

	if cat.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", cat.Dropped)
	}
	if len(cat.Symbols) != 2 {
		t.Fatalf("got %d symbols, want 2 (good + BIGTYPE kept, unrecognized dropped)", len(cat.Symbols))
	}
	if _, ok := cat.ByName("MAIN.counter"); !ok {
		t.Error("expected MAIN.counter to survive")
	}
	if _, ok := cat.ByName("MAIN.fb"); !ok {
		t.Error("expected the BIGTYPE symbol MAIN.fb to be kept as an opaque symbol")
	}
	if _, ok := cat.ByName("MAIN.mystery"); ok {
		t.Error("expected the unrecognized-datatype symbol MAIN.mystery to be dropped")
	}
}

func TestDiscoverCatalogDropsTruncatedEntry(t *testing.T) {
	good := encodeSymbolEntry(0x4020, 0x10, 4, uint32(TypeInt32), 0, "MAIN.counter", "DINT", "")
	truncated := good[:len(good)-2] // cuts off the type name's trailing NUL and the empty comment's NUL
	blob := append(append([]byte{}, good...), truncated...)

	addr := startCatalogFakeServer(t, blob)
	c := dialTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cat, err := DiscoverCatalog(ctx, c, PortTC3PLC1)
	if err != nil {
		t.Fatalf("DiscoverCatalog: %v", err)
	}

	if cat.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", cat.Dropped)
	}
	if len(cat.Symbols) != 1 {
		t.Errorf("got %d symbols, want 1 (only the well-formed entry)", len(cat.Symbols))
	}
}

func TestCatalogByNameAndIndex(t *testing.T) {
	cat := &Catalog{Port: PortTC3PLC1}
	sym := &Symbol{Name: "MAIN.counter", DataType: TypeInt32}
	cat.Index(sym)

	got, ok := cat.ByName("MAIN.counter")
	if !ok || got != sym {
		t.Errorf("ByName(\"MAIN.counter\") = %v, %v; want %v, true", got, ok, sym)
	}
	if _, ok := cat.ByName("nope"); ok {
		t.Error("expected ByName to report false for a symbol never indexed")
	}
}
