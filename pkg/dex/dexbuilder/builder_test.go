package dexbuilder

import (
	"bytes"
	"testing"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in     string
		ret    string
		params int
		shorty string
	}{
		{"()V", "V", 0, "V"},
		{"(IJ)Z", "Z", 2, "ZIJ"},
		{"(Ljava/lang/String;[I)Ljava/lang/Object;", "Ljava/lang/Object;", 2, "LLL"},
		{"([[D)[Ljava/lang/String;", "[Ljava/lang/String;", 1, "LL"},
	}
	for _, tc := range tests {
		sig, err := parseSignature(tc.in)
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if sig.ret != tc.ret || len(sig.params) != tc.params {
			t.Errorf("%s: got ret %q, %d params", tc.in, sig.ret, len(sig.params))
		}
		if s := shorty(sig); s != tc.shorty {
			t.Errorf("%s: shorty %q, want %q", tc.in, s, tc.shorty)
		}
	}

	for _, bad := range []string{"V", "(I", "(Q)V", "(Ljava/lang/String)V", "()VV"} {
		if _, err := parseSignature(bad); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}

func TestEncodeMUTF8(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"abc", []byte("abc")},
		{"a\x00b", []byte{'a', 0xc0, 0x80, 'b'}},
		{"é", []byte{0xc3, 0xa9}},
		{"\U0001F600", []byte{0xed, 0xa0, 0xbd, 0xed, 0xb8, 0x80}},
	}
	for _, tc := range tests {
		if got := encodeMUTF8(tc.in); !bytes.Equal(got, tc.want) {
			t.Errorf("%q: got % x, want % x", tc.in, got, tc.want)
		}
	}
	if n := utf16Len("a\U0001F600"); n != 3 {
		t.Errorf("utf16Len: got %d", n)
	}
}
