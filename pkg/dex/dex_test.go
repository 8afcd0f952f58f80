package dex_test

import (
	"encoding/binary"
	"errors"
	"hash/adler32"
	"testing"

	"github.com/google/go-cmp/cmp"
	lru "github.com/hashicorp/golang-lru"

	"github.com/prepost/prepost/pkg/dex"
	"github.com/prepost/prepost/pkg/dex/dexbuilder"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion: %s - %s\n", s, err)
	}
}

func buildSample(t *testing.T) []byte {
	b := dexbuilder.New()
	b.Class("Lcom/example/Sample;").
		Virtual("m1", 10).
		VirtualProto("m2", "(IJLjava/lang/String;)Z", 20).
		Abstract("m3").
		Direct("<clinit>", 3)
	b.Class("com.example.Empty")
	data, err := b.Build()
	assertNoError(err, t, "Build")
	return data
}

func TestParseClasses(t *testing.T) {
	f, err := dex.Parse(buildSample(t))
	assertNoError(err, t, "Parse")
	if f.Version != "035" {
		t.Errorf("version %q", f.Version)
	}
	classes, err := f.Classes()
	assertNoError(err, t, "Classes")
	if len(classes) != 2 {
		t.Fatalf("expected 2 classes, got %d", len(classes))
	}

	type method struct {
		Name    string
		Proto   string
		HasCode bool
		Units   uint32
	}
	summarize := func(ms []dex.Method) []method {
		var r []method
		for i := range ms {
			r = append(r, method{ms[i].Name, ms[i].Proto, ms[i].HasCode(), ms[i].InsnsSize})
		}
		return r
	}

	sample := classes[0]
	if sample.Descriptor != "Lcom/example/Sample;" {
		t.Fatalf("descriptor %q", sample.Descriptor)
	}
	want := []method{
		{"m1", "()V", true, 10},
		{"m2", "(IJLjava/lang/String;)Z", true, 20},
		{"m3", "()V", false, 0},
	}
	if diff := cmp.Diff(want, summarize(sample.VirtualMethods)); diff != "" {
		t.Errorf("virtual methods mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]method{{"<clinit>", "()V", true, 3}}, summarize(sample.DirectMethods)); diff != "" {
		t.Errorf("direct methods mismatch (-want +got):\n%s", diff)
	}
	if sample.VirtualMethods[2].AccessFlags&dex.AccAbstract == 0 {
		t.Errorf("m3 is not abstract")
	}

	if classes[1].Descriptor != "Lcom/example/Empty;" || len(classes[1].VirtualMethods) != 0 {
		t.Errorf("unexpected empty class %#v", classes[1])
	}
}

func TestParseStringCache(t *testing.T) {
	cache, err := lru.New(64)
	assertNoError(err, t, "lru.New")
	f, err := dex.Parse(buildSample(t), dex.WithStringCache(cache))
	assertNoError(err, t, "Parse")
	first, err := f.Classes()
	assertNoError(err, t, "Classes")
	if cache.Len() == 0 {
		t.Fatalf("string cache not populated")
	}
	second, err := f.Classes()
	assertNoError(err, t, "Classes (cached)")
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached decode differs:\n%s", diff)
	}
}

func TestParseUnicodeNames(t *testing.T) {
	b := dexbuilder.New()
	b.Class("Lcom/example/Café;").Virtual("nul\x00name", 1).Virtual("smile\U0001F600", 2)
	f, err := dex.Parse(b.MustBuild())
	assertNoError(err, t, "Parse")
	classes, err := f.Classes()
	assertNoError(err, t, "Classes")
	if classes[0].Descriptor != "Lcom/example/Café;" {
		t.Errorf("descriptor %q", classes[0].Descriptor)
	}
	var names []string
	for _, m := range classes[0].VirtualMethods {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff([]string{"nul\x00name", "smile\U0001F600"}, names); diff != "" {
		t.Errorf("names mismatch:\n%s", diff)
	}
}

func TestParseMalformed(t *testing.T) {
	good := buildSample(t)

	corrupt := func(f func([]byte)) []byte {
		d := append([]byte{}, good...)
		f(d)
		return d
	}
	fixChecksum := func(d []byte) {
		binary.LittleEndian.PutUint32(d[8:], adler32.Checksum(d[12:]))
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", good[:0x40]},
		{"magic", corrupt(func(d []byte) { copy(d, "zip\n") })},
		{"version", corrupt(func(d []byte) { d[5] = 'x' })},
		{"checksum", corrupt(func(d []byte) { d[len(d)-1] ^= 0xff })},
		{"endian", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[40:], 0x78563412)
			fixChecksum(d)
		})},
		{"file size", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[32:], uint32(len(d)+1))
			fixChecksum(d)
		})},
		{"file size too small", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[32:], 4)
		})},
		{"method ids", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[88:], 0xffff)
			fixChecksum(d)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dex.Parse(tt.data)
			var ferr *dex.FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("expected *dex.FormatError, got %v", err)
			}
		})
	}
}

func TestDescriptor(t *testing.T) {
	for in, want := range map[string]string{
		"com.foo.Bar":          "Lcom/foo/Bar;",
		"Lcom/foo/Bar;":        "Lcom/foo/Bar;",
		"[I":                   "[I",
		"Outer$Inner":          "LOuter$Inner;",
		"com.facebook.redex.X": "Lcom/facebook/redex/X;",
	} {
		if got := dex.Descriptor(in); got != want {
			t.Errorf("Descriptor(%q) = %q, want %q", in, got, want)
		}
	}
}
