// Package dex reads the parts of an Android DEX file needed to measure
// method bodies: strings, type and method identifiers, prototypes, class
// definitions, class data and the instruction count of code items.
//
// All structures are read lazily from the byte slice passed to Parse,
// which must stay valid for the lifetime of the File.
package dex

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
)

const (
	headerSize     = 0x70
	endianConstant = 0x12345678

	stringIDSize = 4
	typeIDSize   = 4
	protoIDSize  = 12
	methodIDSize = 8
	classDefSize = 32

	// NoIndex marks an absent index in class_def_item.
	NoIndex = 0xffffffff
)

// Access flags relevant to method bodies.
const (
	AccPublic   = 0x1
	AccPrivate  = 0x2
	AccStatic   = 0x8
	AccNative   = 0x100
	AccAbstract = 0x400
)

// FormatError reports a malformed DEX file.
type FormatError struct {
	Off uint32
	Msg string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed dex at offset %#x: %s", e.Off, e.Msg)
}

func formatErr(off uint32, format string, args ...interface{}) error {
	return &FormatError{Off: off, Msg: fmt.Sprintf(format, args...)}
}

// Section is the size/offset pair of one of the header's id tables.
type Section struct {
	Size uint32
	Off  uint32
}

// Header is the decoded header_item.
type Header struct {
	Version    string
	Checksum   uint32
	Signature  [20]byte
	FileSize   uint32
	HeaderSize uint32

	StringIDs Section
	TypeIDs   Section
	ProtoIDs  Section
	FieldIDs  Section
	MethodIDs Section
	ClassDefs Section
	Data      Section
}

// StringCache memoises decoded strings. It is satisfied by
// *github.com/hashicorp/golang-lru.Cache.
type StringCache interface {
	Get(key interface{}) (value interface{}, ok bool)
	Add(key, value interface{}) (evicted bool)
}

// File is a parsed DEX file.
type File struct {
	Header
	data  []byte
	cache StringCache
}

// Option configures Parse.
type Option func(*File)

// WithStringCache makes the File memoise decoded strings in c.
func WithStringCache(c StringCache) Option {
	return func(f *File) {
		f.cache = c
	}
}

// IsDex reports whether data starts with a DEX magic number.
func IsDex(data []byte) bool {
	return len(data) >= 8 && string(data[:4]) == "dex\n" && data[7] == 0
}

// Parse validates the header of the DEX file contained in data.
func Parse(data []byte, opts ...Option) (*File, error) {
	if len(data) < headerSize {
		return nil, formatErr(0, "file too short for header (%d bytes)", len(data))
	}
	if !IsDex(data) {
		return nil, formatErr(0, "bad magic %q", data[:8])
	}
	version := string(data[4:7])
	for _, c := range version {
		if c < '0' || c > '9' {
			return nil, formatErr(4, "bad version %q", version)
		}
	}

	f := &File{data: data}
	for _, opt := range opts {
		opt(f)
	}
	f.Version = version

	le := binary.LittleEndian
	if endian := le.Uint32(data[40:]); endian != endianConstant {
		return nil, formatErr(40, "unsupported endian tag %#x", endian)
	}
	f.Checksum = le.Uint32(data[8:])
	copy(f.Signature[:], data[12:32])
	f.FileSize = le.Uint32(data[32:])
	f.HeaderSize = le.Uint32(data[36:])
	if f.HeaderSize != headerSize {
		return nil, formatErr(36, "header size %#x, expected %#x", f.HeaderSize, headerSize)
	}
	if f.FileSize < headerSize {
		return nil, formatErr(32, "file size %d smaller than header", f.FileSize)
	}
	if uint64(f.FileSize) > uint64(len(data)) {
		return nil, formatErr(32, "file size %d exceeds available %d bytes", f.FileSize, len(data))
	}
	f.data = data[:f.FileSize]
	if sum := adler32.Checksum(f.data[12:]); sum != f.Checksum {
		return nil, formatErr(8, "checksum mismatch: header %#08x, computed %#08x", f.Checksum, sum)
	}

	sections := []struct {
		dst      *Section
		off      uint32
		itemSize uint32
	}{
		{&f.StringIDs, 56, stringIDSize},
		{&f.TypeIDs, 64, typeIDSize},
		{&f.ProtoIDs, 72, protoIDSize},
		{&f.FieldIDs, 80, 8},
		{&f.MethodIDs, 88, methodIDSize},
		{&f.ClassDefs, 96, classDefSize},
		{&f.Data, 104, 1},
	}
	for _, s := range sections {
		s.dst.Size = le.Uint32(data[s.off:])
		s.dst.Off = le.Uint32(data[s.off+4:])
		if s.dst.Size == 0 {
			continue
		}
		if uint64(s.dst.Off)+uint64(s.dst.Size)*uint64(s.itemSize) > uint64(len(f.data)) {
			return nil, formatErr(s.off, "section [%#x, %d items] out of bounds", s.dst.Off, s.dst.Size)
		}
	}
	return f, nil
}

func (f *File) u16(off uint32) (uint16, error) {
	if uint64(off)+2 > uint64(len(f.data)) {
		return 0, formatErr(off, "u16 out of bounds")
	}
	return binary.LittleEndian.Uint16(f.data[off:]), nil
}

func (f *File) u32(off uint32) (uint32, error) {
	if uint64(off)+4 > uint64(len(f.data)) {
		return 0, formatErr(off, "u32 out of bounds")
	}
	return binary.LittleEndian.Uint32(f.data[off:]), nil
}

func (f *File) item(s Section, idx, size uint32, what string) (uint32, error) {
	if idx >= s.Size {
		return 0, formatErr(s.Off, "%s index %d out of range [0, %d)", what, idx, s.Size)
	}
	return s.Off + idx*size, nil
}
