// Package symsize resolves (class, method) symbol references inside an
// artifact and measures the size of their bodies in code units.
package symsize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/derekparker/trie"

	"github.com/prepost/prepost/pkg/artifact"
	"github.com/prepost/prepost/pkg/logflags"
)

const maxSuggestions = 5

// ErrSymbolNotFound is returned when a class, or a method of a class, does
// not exist in an artifact.
type ErrSymbolNotFound struct {
	Path   string
	Class  string
	Member string // empty if the class itself is missing
	// Suggestions holds similarly named symbols.
	Suggestions []string
}

func (err *ErrSymbolNotFound) Error() string {
	what := "class " + err.Class
	if err.Member != "" {
		what = fmt.Sprintf("virtual method %s in class %s", err.Member, err.Class)
	}
	msg := fmt.Sprintf("could not find %s in %s", what, err.Path)
	if len(err.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(err.Suggestions, ", "))
	}
	return msg
}

// ErrAmbiguousSymbol is returned when a reference matches more than one
// class or method.
type ErrAmbiguousSymbol struct {
	Path       string
	Class      string
	Member     string // empty if the class is defined more than once
	Candidates []string
}

func (err *ErrAmbiguousSymbol) Error() string {
	if err.Member == "" {
		return fmt.Sprintf("class %s is defined %d times in %s (%s)", err.Class, len(err.Candidates), err.Path, strings.Join(err.Candidates, ", "))
	}
	return fmt.Sprintf("virtual method %s in class %s of %s is overloaded: %s", err.Member, err.Class, err.Path, strings.Join(err.Candidates, ", "))
}

// ErrEmptyBody is returned when the resolved method has no code, for
// example because it is abstract or native.
type ErrEmptyBody struct {
	Path   string
	Class  string
	Member string
}

func (err *ErrEmptyBody) Error() string {
	return fmt.Sprintf("virtual method %s in class %s of %s has no code", err.Member, err.Class, err.Path)
}

// SizesFor returns the code unit count of every named virtual method of
// className. Every name must resolve to exactly one method with a body.
func SizesFor(a *artifact.Artifact, className string, names []string) (map[string]int, error) {
	log := logflags.SymsizeLogger().WithField("artifact", a.Path)
	cls, err := FindClass(a, className)
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int, len(names))
	for _, name := range names {
		m, err := findMethod(a, cls, className, name)
		if err != nil {
			return nil, err
		}
		log.Debugf("%s.%s%s: %d code units", className, m.Name, m.Proto, m.CodeUnits)
		sizes[name] = m.CodeUnits
	}
	return sizes, nil
}

// SizeOf returns the code unit count of a single virtual method.
func SizeOf(a *artifact.Artifact, className, name string) (int, error) {
	sizes, err := SizesFor(a, className, []string{name})
	if err != nil {
		return 0, err
	}
	return sizes[name], nil
}

// VirtualMethods returns every virtual method of className.
func VirtualMethods(a *artifact.Artifact, className string) ([]artifact.Method, error) {
	cls, err := FindClass(a, className)
	if err != nil {
		return nil, err
	}
	return append([]artifact.Method(nil), cls.VirtualMethods...), nil
}

// FindClass resolves className to exactly one class of a.
func FindClass(a *artifact.Artifact, className string) (*artifact.Class, error) {
	classes := a.FindClass(className)
	switch len(classes) {
	case 1:
		return classes[0], nil
	case 0:
		return nil, &ErrSymbolNotFound{
			Path:        a.Path,
			Class:       className,
			Suggestions: suggest(a.ClassNames(), a.NormalizeClassName(className)),
		}
	}
	candidates := make([]string, len(classes))
	for i, cls := range classes {
		candidates[i] = cls.Name
		if cls.Source != "" {
			candidates[i] = cls.Source + ":" + cls.Name
		}
	}
	return nil, &ErrAmbiguousSymbol{Path: a.Path, Class: className, Candidates: candidates}
}

func findMethod(a *artifact.Artifact, cls *artifact.Class, className, name string) (*artifact.Method, error) {
	var found []*artifact.Method
	for i := range cls.VirtualMethods {
		if cls.VirtualMethods[i].Name == name {
			found = append(found, &cls.VirtualMethods[i])
		}
	}
	switch len(found) {
	case 0:
		// Direct methods are never measured but are worth pointing at.
		names := make([]string, 0, len(cls.VirtualMethods)+len(cls.DirectMethods))
		for _, ms := range [][]artifact.Method{cls.VirtualMethods, cls.DirectMethods} {
			for i := range ms {
				names = append(names, ms[i].Name)
			}
		}
		return nil, &ErrSymbolNotFound{Path: a.Path, Class: className, Member: name, Suggestions: suggest(names, name)}
	case 1:
	default:
		candidates := make([]string, len(found))
		for i, m := range found {
			candidates[i] = m.Name + m.Proto
		}
		return nil, &ErrAmbiguousSymbol{Path: a.Path, Class: className, Member: name, Candidates: candidates}
	}
	if !found[0].HasCode {
		return nil, &ErrEmptyBody{Path: a.Path, Class: className, Member: name}
	}
	return found[0], nil
}

// suggest returns up to maxSuggestions keys resembling name: keys that
// contain name as a subsequence, else keys sharing the longest prefix of
// at least half of name.
func suggest(keys []string, name string) []string {
	if name == "" || len(keys) == 0 {
		return nil
	}
	t := trie.New()
	for _, k := range keys {
		if k != "" {
			t.Add(k, nil)
		}
	}
	r := t.FuzzySearch(name)
	for n := len(name) - 1; len(r) == 0 && n > 0 && n >= len(name)/2; n-- {
		r = t.PrefixSearch(name[:n])
	}
	sort.Strings(r)
	if len(r) > maxSuggestions {
		r = r[:maxSuggestions]
	}
	return r
}
