package leb128

import (
	"bytes"
	"testing"
)

func TestDecodeUnsigned(t *testing.T) {
	leb128 := bytes.NewBuffer([]byte{0xE5, 0x8E, 0x26})

	n, c, err := DecodeUnsigned(leb128)
	if err != nil {
		t.Fatal(err)
	}
	if n != 624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}

	if c != 3 {
		t.Fatal("Count not returned correctly")
	}
}

func TestDecodeUnsignedTruncated(t *testing.T) {
	for _, in := range [][]byte{{}, {0x80}, {0xff, 0xff}} {
		_, _, err := DecodeUnsigned(bytes.NewReader(in))
		if err != ErrTruncated {
			t.Errorf("%x: expected ErrTruncated, got %v", in, err)
		}
	}
}

func TestDecodeUnsigned32Overflow(t *testing.T) {
	_, _, err := DecodeUnsigned32(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x7f}))
	if err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	v, c, err := DecodeUnsigned32(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x0f}))
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xffffffff || c != 5 {
		t.Fatalf("got %#x (%d bytes)", v, c)
	}
}
