package dex

import (
	"bytes"
	"strings"

	"github.com/prepost/prepost/pkg/leb128"
)

// Method is one encoded_method of a class_data_item.
type Method struct {
	Index       uint32
	Name        string
	Proto       string
	AccessFlags uint32
	CodeOff     uint32
	// InsnsSize is the size of the method body in 16-bit code units.
	InsnsSize uint32
}

// HasCode reports whether the method has a code_item.
func (m *Method) HasCode() bool {
	return m.CodeOff != 0
}

// Class is a class_def_item together with its methods.
type Class struct {
	Descriptor     string
	AccessFlags    uint32
	DirectMethods  []Method
	VirtualMethods []Method
}

// Classes decodes every class defined in the file, in class_defs order.
func (f *File) Classes() ([]Class, error) {
	classes := make([]Class, 0, f.ClassDefs.Size)
	for i := uint32(0); i < f.ClassDefs.Size; i++ {
		cls, err := f.class(i)
		if err != nil {
			return nil, err
		}
		classes = append(classes, cls)
	}
	return classes, nil
}

func (f *File) class(i uint32) (Class, error) {
	off, err := f.item(f.ClassDefs, i, classDefSize, "class_def")
	if err != nil {
		return Class{}, err
	}
	var cls Class
	typeIdx, err := f.u32(off)
	if err != nil {
		return cls, err
	}
	if cls.Descriptor, err = f.TypeName(typeIdx); err != nil {
		return cls, err
	}
	if cls.AccessFlags, err = f.u32(off + 4); err != nil {
		return cls, err
	}
	dataOff, err := f.u32(off + 24)
	if err != nil || dataOff == 0 {
		return cls, err
	}
	if dataOff >= uint32(len(f.data)) {
		return cls, formatErr(off+24, "class data offset %#x out of bounds", dataOff)
	}

	r := bytes.NewReader(f.data[dataOff:])
	var counts [4]uint32
	for j := range counts {
		if counts[j], _, err = leb128.DecodeUnsigned32(r); err != nil {
			return cls, formatErr(dataOff, "class data header: %v", err)
		}
	}
	// encoded_field is two uleb128 values; only methods are of interest.
	for j := uint32(0); j < 2*(counts[0]+counts[1]); j++ {
		if _, _, err = leb128.DecodeUnsigned32(r); err != nil {
			return cls, formatErr(dataOff, "class data fields: %v", err)
		}
	}
	if cls.DirectMethods, err = f.encodedMethods(r, dataOff, counts[2]); err != nil {
		return cls, err
	}
	if cls.VirtualMethods, err = f.encodedMethods(r, dataOff, counts[3]); err != nil {
		return cls, err
	}
	return cls, nil
}

func (f *File) encodedMethods(r *bytes.Reader, dataOff, n uint32) ([]Method, error) {
	if uint64(n) > uint64(r.Len()) {
		return nil, formatErr(dataOff, "%d methods exceed class data", n)
	}
	methods := make([]Method, 0, n)
	var idx uint32
	for i := uint32(0); i < n; i++ {
		var vals [3]uint32
		for j := range vals {
			v, _, err := leb128.DecodeUnsigned32(r)
			if err != nil {
				return nil, formatErr(dataOff, "encoded_method: %v", err)
			}
			vals[j] = v
		}
		idx += vals[0]
		m, err := f.method(idx)
		if err != nil {
			return nil, err
		}
		m.AccessFlags = vals[1]
		m.CodeOff = vals[2]
		if m.HasCode() {
			if m.InsnsSize, err = f.insnsSize(m.CodeOff); err != nil {
				return nil, err
			}
		}
		methods = append(methods, m)
	}
	return methods, nil
}

func (f *File) method(idx uint32) (Method, error) {
	off, err := f.item(f.MethodIDs, idx, methodIDSize, "method")
	if err != nil {
		return Method{}, err
	}
	m := Method{Index: idx}
	protoIdx, err := f.u16(off + 2)
	if err != nil {
		return m, err
	}
	nameIdx, err := f.u32(off + 4)
	if err != nil {
		return m, err
	}
	if m.Name, err = f.String(nameIdx); err != nil {
		return m, err
	}
	m.Proto, err = f.proto(uint32(protoIdx))
	return m, err
}

// proto renders proto_id idx as a signature, for example "(IJ)V".
func (f *File) proto(idx uint32) (string, error) {
	off, err := f.item(f.ProtoIDs, idx, protoIDSize, "proto")
	if err != nil {
		return "", err
	}
	retIdx, err := f.u32(off + 4)
	if err != nil {
		return "", err
	}
	ret, err := f.TypeName(retIdx)
	if err != nil {
		return "", err
	}
	paramsOff, err := f.u32(off + 8)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteByte('(')
	if paramsOff != 0 {
		n, err := f.u32(paramsOff)
		if err != nil {
			return "", err
		}
		if uint64(paramsOff)+4+2*uint64(n) > uint64(len(f.data)) {
			return "", formatErr(paramsOff, "type_list of %d entries out of bounds", n)
		}
		for i := uint32(0); i < n; i++ {
			tidx, _ := f.u16(paramsOff + 4 + 2*i)
			name, err := f.TypeName(uint32(tidx))
			if err != nil {
				return "", err
			}
			sb.WriteString(name)
		}
	}
	sb.WriteByte(')')
	sb.WriteString(ret)
	return sb.String(), nil
}

// insnsSize reads the insns_size field of the code_item at off and checks
// that the instructions fit in the file.
func (f *File) insnsSize(off uint32) (uint32, error) {
	n, err := f.u32(off + 12)
	if err != nil {
		return 0, err
	}
	if uint64(off)+16+2*uint64(n) > uint64(len(f.data)) {
		return 0, formatErr(off, "code item with %d code units out of bounds", n)
	}
	return n, nil
}

// Descriptor converts a dotted Java class name such as "com.foo.Bar" to
// its type descriptor "Lcom/foo/Bar;". Descriptors are returned unchanged.
func Descriptor(name string) string {
	if strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";") || strings.HasPrefix(name, "[") {
		return name
	}
	return "L" + strings.ReplaceAll(name, ".", "/") + ";"
}
