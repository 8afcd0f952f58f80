// Package artifact loads binary containers into immutable, queryable
// collections of classes and methods.
//
// Loading happens under a Context, the process-wide parsing state. Only
// one Context may be live at a time and it must be released before the
// next one is acquired; Open wraps the whole acquire, load, use, release
// sequence.
package artifact

import (
	"errors"
	"fmt"
	"sort"

	"github.com/prepost/prepost/pkg/dex"
)

// Format is the kind of container an Artifact was loaded from.
type Format int

const (
	FormatUnknown Format = iota
	FormatDex
	FormatArchive
	FormatELF
)

func (f Format) String() string {
	switch f {
	case FormatDex:
		return "dex"
	case FormatArchive:
		return "archive"
	case FormatELF:
		return "elf"
	}
	return "unknown"
}

// Method is a method of a Class.
type Method struct {
	Name string
	// Proto distinguishes overloads: a signature for DEX methods, the
	// symbol address for ELF functions.
	Proto     string
	HasCode   bool
	CodeUnits int
}

// Class is a type declared in an artifact.
type Class struct {
	Name string
	// Source is the container member that defined the class, for example
	// "classes2.dex" inside an APK.
	Source         string
	VirtualMethods []Method
	DirectMethods  []Method
}

// Artifact is one loaded container. It holds copies of everything it
// exposes and stays valid after its Context is released.
type Artifact struct {
	Path   string
	Format Format

	classes []Class
	byName  map[string][]int
}

// LoadError is returned when an artifact cannot be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("could not load artifact: %v", e.Err)
	}
	return fmt.Sprintf("could not load artifact %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

var (
	errEmptyPath     = errors.New("no path specified")
	errUnknownFormat = errors.New("unknown container format")
)

func newArtifact(path string, format Format) *Artifact {
	return &Artifact{Path: path, Format: format, byName: make(map[string][]int)}
}

func (a *Artifact) addClass(cls Class) {
	a.byName[cls.Name] = append(a.byName[cls.Name], len(a.classes))
	a.classes = append(a.classes, cls)
}

// NormalizeClassName converts name to the form classes are indexed under:
// DEX descriptors for DEX-backed artifacts, the name itself otherwise.
func (a *Artifact) NormalizeClassName(name string) string {
	switch a.Format {
	case FormatDex, FormatArchive:
		return dex.Descriptor(name)
	}
	return name
}

// FindClass returns every class named name. Dotted Java names are
// accepted for DEX-backed artifacts.
func (a *Artifact) FindClass(name string) []*Class {
	idx := a.byName[a.NormalizeClassName(name)]
	r := make([]*Class, 0, len(idx))
	for _, i := range idx {
		r = append(r, &a.classes[i])
	}
	return r
}

// ClassNames returns the sorted names of all classes.
func (a *Artifact) ClassNames() []string {
	r := make([]string, 0, len(a.byName))
	for name := range a.byName {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

// NumClasses returns the number of class definitions, counting duplicates.
func (a *Artifact) NumClasses() int {
	return len(a.classes)
}
