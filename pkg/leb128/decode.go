package leb128

import (
	"errors"
	"io"
)

// Reader is a io.ByteReader with a Len method. This interface is
// satisfied by both bytes.Buffer and bytes.Reader.
type Reader interface {
	io.ByteReader
	io.Reader
	Len() int
}

// MaxLen32 is the longest encoding of a 32 bit value.
const MaxLen32 = 5

var (
	// ErrTruncated is returned when the input ends in the middle of a value.
	ErrTruncated = errors.New("leb128: truncated value")
	// ErrOverflow is returned when a value does not fit in 64 bits.
	ErrOverflow = errors.New("leb128: value overflows 64 bits")
)

// DecodeUnsigned decodes an unsigned Little Endian Base 128
// represented number. It returns the value and the number of bytes
// consumed.
func DecodeUnsigned(buf Reader) (uint64, uint32, error) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0, ErrTruncated
	}

	for {
		b, err := buf.ReadByte()
		if err != nil {
			return 0, length, ErrTruncated
		}
		length++

		if shift >= 64 {
			return 0, length, ErrOverflow
		}
		result |= uint64(b&0x7f) << shift

		// If high order bit is 1.
		if b&0x80 == 0 {
			break
		}

		shift += 7
	}

	return result, length, nil
}

// DecodeUnsigned32 is DecodeUnsigned restricted to values that fit in 32
// bits, which is all the DEX format ever stores.
func DecodeUnsigned32(buf Reader) (uint32, uint32, error) {
	v, n, err := DecodeUnsigned(buf)
	if err != nil {
		return 0, n, err
	}
	if n > MaxLen32 || v > 0xffffffff {
		return 0, n, ErrOverflow
	}
	return uint32(v), n, nil
}
