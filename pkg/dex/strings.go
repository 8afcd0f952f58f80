package dex

import (
	"bytes"
	"unicode/utf16"

	"github.com/prepost/prepost/pkg/leb128"
)

type stringKey struct {
	f   *File
	idx uint32
}

// String returns the string with index idx in string_ids.
func (f *File) String(idx uint32) (string, error) {
	if f.cache != nil {
		if v, ok := f.cache.Get(stringKey{f, idx}); ok {
			return v.(string), nil
		}
	}
	off, err := f.item(f.StringIDs, idx, stringIDSize, "string")
	if err != nil {
		return "", err
	}
	dataOff, err := f.u32(off)
	if err != nil {
		return "", err
	}
	if dataOff >= uint32(len(f.data)) {
		return "", formatErr(off, "string data offset %#x out of bounds", dataOff)
	}
	r := bytes.NewReader(f.data[dataOff:])
	utf16Len, n, err := leb128.DecodeUnsigned32(r)
	if err != nil {
		return "", formatErr(dataOff, "string length: %v", err)
	}
	s, err := decodeMUTF8(f.data[dataOff+n:], utf16Len)
	if err != nil {
		return "", formatErr(dataOff, "string %d: %v", idx, err)
	}
	if f.cache != nil {
		f.cache.Add(stringKey{f, idx}, s)
	}
	return s, nil
}

// TypeName returns the descriptor of the type with index idx in type_ids.
func (f *File) TypeName(idx uint32) (string, error) {
	off, err := f.item(f.TypeIDs, idx, typeIDSize, "type")
	if err != nil {
		return "", err
	}
	sidx, err := f.u32(off)
	if err != nil {
		return "", err
	}
	return f.String(sidx)
}

type mutf8Error string

func (e mutf8Error) Error() string { return string(e) }

// decodeMUTF8 decodes a NUL terminated Modified UTF-8 string holding
// utf16Len UTF-16 code units.
func decodeMUTF8(b []byte, utf16Len uint32) (string, error) {
	ascii := true
	end := -1
	for i, c := range b {
		if c == 0 {
			end = i
			break
		}
		if c >= 0x80 {
			ascii = false
		}
	}
	if end < 0 {
		return "", mutf8Error("unterminated string")
	}
	b = b[:end]
	if ascii {
		if uint32(len(b)) != utf16Len {
			return "", mutf8Error("length mismatch")
		}
		return string(b), nil
	}

	units := make([]uint16, 0, utf16Len)
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xe0 == 0xc0:
			if i+1 >= len(b) || b[i+1]&0xc0 != 0x80 {
				return "", mutf8Error("bad 2-byte sequence")
			}
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case c&0xf0 == 0xe0:
			if i+2 >= len(b) || b[i+1]&0xc0 != 0x80 || b[i+2]&0xc0 != 0x80 {
				return "", mutf8Error("bad 3-byte sequence")
			}
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			return "", mutf8Error("invalid lead byte")
		}
	}
	if uint32(len(units)) != utf16Len {
		return "", mutf8Error("length mismatch")
	}
	return string(utf16.Decode(units)), nil
}
