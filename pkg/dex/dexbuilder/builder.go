// Package dexbuilder provides a way to build DEX files with arbitrary
// classes and method bodies.
//
// The output carries valid header, id tables, class data and code items,
// including checksum and signature, but no map_list, annotations or debug
// info. Method bodies are filled with nop instructions.
package dexbuilder

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"sort"
	"strings"

	"github.com/prepost/prepost/pkg/dex"
	"github.com/prepost/prepost/pkg/leb128"
)

const (
	headerSize = 0x70
	objectType = "Ljava/lang/Object;"
)

// Builder dex builder
type Builder struct {
	classes []*ClassBuilder
}

// ClassBuilder accumulates the methods of one class.
type ClassBuilder struct {
	descriptor string
	direct     []methodDef
	virtual    []methodDef
}

type methodDef struct {
	name  string
	proto string
	flags uint32
	units int // negative means no code_item
}

// New creates a new DEX builder.
func New() *Builder {
	return &Builder{}
}

// Class starts a new class. Dotted names are converted to descriptors.
func (b *Builder) Class(name string) *ClassBuilder {
	c := &ClassBuilder{descriptor: dex.Descriptor(name)}
	b.classes = append(b.classes, c)
	return c
}

// Virtual adds a public virtual method with signature "()V" and a body of
// units code units.
func (c *ClassBuilder) Virtual(name string, units int) *ClassBuilder {
	return c.VirtualProto(name, "()V", units)
}

// VirtualProto adds a public virtual method with the given signature.
func (c *ClassBuilder) VirtualProto(name, proto string, units int) *ClassBuilder {
	c.virtual = append(c.virtual, methodDef{name, proto, dex.AccPublic, units})
	return c
}

// Abstract adds a virtual method without a body.
func (c *ClassBuilder) Abstract(name string) *ClassBuilder {
	c.virtual = append(c.virtual, methodDef{name, "()V", dex.AccPublic | dex.AccAbstract, -1})
	return c
}

// Direct adds a static method.
func (c *ClassBuilder) Direct(name string, units int) *ClassBuilder {
	c.direct = append(c.direct, methodDef{name, "()V", dex.AccPublic | dex.AccStatic, units})
	return c
}

type signature struct {
	ret    string
	params []string
}

func parseSignature(s string) (signature, error) {
	var sig signature
	if !strings.HasPrefix(s, "(") {
		return sig, fmt.Errorf("signature %q does not start with '('", s)
	}
	rest := s[1:]
	for !strings.HasPrefix(rest, ")") {
		t, n, err := parseType(rest)
		if err != nil {
			return sig, fmt.Errorf("signature %q: %v", s, err)
		}
		sig.params = append(sig.params, t)
		rest = rest[n:]
	}
	t, n, err := parseType(rest[1:])
	if err != nil || n != len(rest)-1 {
		return sig, fmt.Errorf("signature %q: bad return type", s)
	}
	sig.ret = t
	return sig, nil
}

func parseType(s string) (string, int, error) {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return "", 0, fmt.Errorf("unterminated type")
	}
	switch s[i] {
	case 'V', 'Z', 'B', 'S', 'C', 'I', 'J', 'F', 'D':
		return s[:i+1], i + 1, nil
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated class type")
		}
		return s[:i+end+1], i + end + 1, nil
	}
	return "", 0, fmt.Errorf("bad type character %q", s[i])
}

func shorty(sig signature) string {
	ch := func(t string) byte {
		if t[0] == '[' || t[0] == 'L' {
			return 'L'
		}
		return t[0]
	}
	out := []byte{ch(sig.ret)}
	for _, p := range sig.params {
		out = append(out, ch(p))
	}
	return string(out)
}

type methodKey struct {
	class, name, proto string
}

// Build returns the encoded DEX file.
func (b *Builder) Build() ([]byte, error) {
	// Collect strings, types and protos.
	strset := map[string]bool{objectType: true}
	typeset := map[string]bool{objectType: true}
	sigs := map[string]signature{}
	seenClass := map[string]bool{}
	for _, c := range b.classes {
		if seenClass[c.descriptor] {
			return nil, fmt.Errorf("class %s defined twice", c.descriptor)
		}
		seenClass[c.descriptor] = true
		strset[c.descriptor] = true
		typeset[c.descriptor] = true
		seenMethod := map[methodKey]bool{}
		for _, m := range append(append([]methodDef{}, c.direct...), c.virtual...) {
			k := methodKey{c.descriptor, m.name, m.proto}
			if seenMethod[k] {
				return nil, fmt.Errorf("method %s.%s%s defined twice", c.descriptor, m.name, m.proto)
			}
			seenMethod[k] = true
			sig, err := parseSignature(m.proto)
			if err != nil {
				return nil, err
			}
			sigs[m.proto] = sig
			strset[m.name] = true
			strset[shorty(sig)] = true
			strset[sig.ret] = true
			typeset[sig.ret] = true
			for _, p := range sig.params {
				strset[p] = true
				typeset[p] = true
			}
		}
	}

	strs := sortedKeys(strset)
	stridx := indexOf(strs)
	types := sortedKeys(typeset)
	typeidx := indexOf(types)

	protos := make([]string, 0, len(sigs))
	for p := range sigs {
		protos = append(protos, p)
	}
	sort.Slice(protos, func(i, j int) bool {
		a, b := sigs[protos[i]], sigs[protos[j]]
		if a.ret != b.ret {
			return typeidx[a.ret] < typeidx[b.ret]
		}
		for k := 0; k < len(a.params) && k < len(b.params); k++ {
			if a.params[k] != b.params[k] {
				return typeidx[a.params[k]] < typeidx[b.params[k]]
			}
		}
		return len(a.params) < len(b.params)
	})
	protoidx := indexOf(protos)

	var methods []methodKey
	for _, c := range b.classes {
		for _, m := range append(append([]methodDef{}, c.direct...), c.virtual...) {
			methods = append(methods, methodKey{c.descriptor, m.name, m.proto})
		}
	}
	sort.Slice(methods, func(i, j int) bool {
		a, b := methods[i], methods[j]
		if a.class != b.class {
			return typeidx[a.class] < typeidx[b.class]
		}
		if a.name != b.name {
			return stridx[a.name] < stridx[b.name]
		}
		return protoidx[a.proto] < protoidx[b.proto]
	})
	methodidx := make(map[methodKey]int, len(methods))
	for i, m := range methods {
		methodidx[m] = i
	}

	// Lay out the id sections, then the data section.
	off := uint32(headerSize)
	stringIDsOff := off
	off += 4 * uint32(len(strs))
	typeIDsOff := off
	off += 4 * uint32(len(types))
	protoIDsOff := off
	off += 12 * uint32(len(protos))
	methodIDsOff := off
	off += 8 * uint32(len(methods))
	classDefsOff := off
	off += 32 * uint32(len(b.classes))
	dataOff := off

	var data bytes.Buffer
	le := binary.LittleEndian
	pos := func() uint32 { return dataOff + uint32(data.Len()) }
	align4 := func() {
		for pos()%4 != 0 {
			data.WriteByte(0)
		}
	}
	u16 := func(v uint16) { binary.Write(&data, le, v) }
	u32 := func(v uint32) { binary.Write(&data, le, v) }

	paramsOff := make(map[string]uint32)
	for _, p := range protos {
		sig := sigs[p]
		if len(sig.params) == 0 {
			continue
		}
		align4()
		paramsOff[p] = pos()
		u32(uint32(len(sig.params)))
		for _, t := range sig.params {
			u16(uint16(typeidx[t]))
		}
	}

	stringDataOff := make([]uint32, len(strs))
	for i, s := range strs {
		stringDataOff[i] = pos()
		leb128.EncodeUnsigned(&data, uint64(utf16Len(s)))
		data.Write(encodeMUTF8(s))
		data.WriteByte(0)
	}

	codeOff := make(map[methodKey]uint32)
	for _, c := range b.classes {
		for _, m := range append(append([]methodDef{}, c.direct...), c.virtual...) {
			if m.units < 0 {
				continue
			}
			align4()
			codeOff[methodKey{c.descriptor, m.name, m.proto}] = pos()
			u16(1) // registers_size
			u16(0) // ins_size
			u16(0) // outs_size
			u16(0) // tries_size
			u32(0) // debug_info_off
			u32(uint32(m.units))
			data.Write(make([]byte, 2*m.units))
		}
	}

	classDataOff := make([]uint32, len(b.classes))
	for i, c := range b.classes {
		if len(c.direct) == 0 && len(c.virtual) == 0 {
			continue
		}
		classDataOff[i] = pos()
		leb128.EncodeUnsigned(&data, 0)
		leb128.EncodeUnsigned(&data, 0)
		leb128.EncodeUnsigned(&data, uint64(len(c.direct)))
		leb128.EncodeUnsigned(&data, uint64(len(c.virtual)))
		for _, list := range [][]methodDef{c.direct, c.virtual} {
			sorted := append([]methodDef{}, list...)
			sort.Slice(sorted, func(i, j int) bool {
				return methodidx[methodKey{c.descriptor, sorted[i].name, sorted[i].proto}] < methodidx[methodKey{c.descriptor, sorted[j].name, sorted[j].proto}]
			})
			prev := 0
			for _, m := range sorted {
				k := methodKey{c.descriptor, m.name, m.proto}
				leb128.EncodeUnsigned(&data, uint64(methodidx[k]-prev))
				leb128.EncodeUnsigned(&data, uint64(m.flags))
				leb128.EncodeUnsigned(&data, uint64(codeOff[k]))
				prev = methodidx[k]
			}
		}
	}
	align4()

	// Id sections.
	var ids bytes.Buffer
	w16 := func(v uint16) { binary.Write(&ids, le, v) }
	w32 := func(v uint32) { binary.Write(&ids, le, v) }
	for i := range strs {
		w32(stringDataOff[i])
	}
	for _, t := range types {
		w32(uint32(stridx[t]))
	}
	for _, p := range protos {
		sig := sigs[p]
		w32(uint32(stridx[shorty(sig)]))
		w32(uint32(typeidx[sig.ret]))
		w32(paramsOff[p])
	}
	for _, m := range methods {
		w16(uint16(typeidx[m.class]))
		w16(uint16(protoidx[m.proto]))
		w32(uint32(stridx[m.name]))
	}
	for i, c := range b.classes {
		w32(uint32(typeidx[c.descriptor]))
		w32(dex.AccPublic)
		w32(uint32(typeidx[objectType]))
		w32(0)           // interfaces_off
		w32(dex.NoIndex) // source_file_idx
		w32(0)           // annotations_off
		w32(classDataOff[i])
		w32(0) // static_values_off
	}

	out := make([]byte, headerSize, int(dataOff)+data.Len())
	out = append(out, ids.Bytes()...)
	out = append(out, data.Bytes()...)

	copy(out, "dex\n035\x00")
	le.PutUint32(out[32:], uint32(len(out)))
	le.PutUint32(out[36:], headerSize)
	le.PutUint32(out[40:], 0x12345678)
	sections := []struct {
		at        int
		size, off uint32
	}{
		{56, uint32(len(strs)), stringIDsOff},
		{64, uint32(len(types)), typeIDsOff},
		{72, uint32(len(protos)), protoIDsOff},
		{80, 0, 0},
		{88, uint32(len(methods)), methodIDsOff},
		{96, uint32(len(b.classes)), classDefsOff},
		{104, uint32(data.Len()), dataOff},
	}
	for _, s := range sections {
		if s.size == 0 {
			s.off = 0
		}
		le.PutUint32(out[s.at:], s.size)
		le.PutUint32(out[s.at+4:], s.off)
	}
	sig := sha1.Sum(out[32:])
	copy(out[12:32], sig[:])
	le.PutUint32(out[8:], adler32.Checksum(out[12:]))
	return out, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() []byte {
	out, err := b.Build()
	if err != nil {
		panic(err)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	r := make([]string, 0, len(m))
	for k := range m {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

func indexOf(s []string) map[string]int {
	m := make(map[string]int, len(s))
	for i, v := range s {
		m[v] = i
	}
	return m
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// encodeMUTF8 encodes s as Modified UTF-8: NUL is two bytes and
// supplementary characters are encoded as surrogate pairs.
func encodeMUTF8(s string) []byte {
	var out []byte
	put := func(u uint16) {
		switch {
		case u != 0 && u < 0x80:
			out = append(out, byte(u))
		case u < 0x800:
			out = append(out, 0xc0|byte(u>>6), 0x80|byte(u&0x3f))
		default:
			out = append(out, 0xe0|byte(u>>12), 0x80|byte(u>>6&0x3f), 0x80|byte(u&0x3f))
		}
	}
	for _, r := range s {
		if r >= 0x10000 {
			r -= 0x10000
			put(uint16(0xd800 + (r >> 10)))
			put(uint16(0xdc00 + (r & 0x3ff)))
			continue
		}
		put(uint16(r))
	}
	return out
}
