// Package casetable loads case tables from Starlark files.
//
// A case table file assigns the class under test to class_name and calls
// case(name, delta) once per method, in order:
//
//	class_name = "Lcom/example/Simplify;"
//	case("test_Coalesce_InitVoid_AppendString", 4)
//	case("test_Replace_ValueOfInt", 3 * 3 + 3 * 4 + 2 * 5)
//
// Deltas are integer expressions. print() output goes to the casetable
// logger.
package casetable

import (
	"errors"
	"fmt"
	"os"

	"go.starlark.net/starlark"

	"github.com/prepost/prepost/pkg/logflags"
	"github.com/prepost/prepost/pkg/verify"
)

const (
	classNameVar    = "class_name"
	caseBuiltinName = "case"
)

// Error is returned for any problem evaluating a case table file.
type Error struct {
	File string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("case table %s: %v", e.File, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Load evaluates the case table file at path.
func Load(path string) (verify.Table, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return verify.Table{}, &Error{File: path, Err: err}
	}
	return Parse(path, src)
}

// Parse evaluates a case table. filename is used in error messages; src
// may be a string, a []byte or an io.Reader.
func Parse(filename string, src interface{}) (verify.Table, error) {
	var table verify.Table
	seen := map[string]bool{}

	caseFn := starlark.NewBuiltin(caseBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var delta int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "delta", &delta); err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("%s: empty case name", b.Name())
		}
		if seen[name] {
			return nil, fmt.Errorf("%s: duplicate case %q", b.Name(), name)
		}
		seen[name] = true
		table.Cases = append(table.Cases, verify.Case{Name: name, ExpectedDelta: delta})
		return starlark.None, nil
	})

	log := logflags.CaseTableLogger().WithField("file", filename)
	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			log.Info(msg)
		},
	}
	globals, err := starlark.ExecFile(thread, filename, src, starlark.StringDict{caseBuiltinName: caseFn})
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			err = errors.New(evalErr.Backtrace())
		}
		return verify.Table{}, &Error{File: filename, Err: err}
	}

	v, ok := globals[classNameVar]
	if !ok {
		return verify.Table{}, &Error{File: filename, Err: fmt.Errorf("%s is not defined", classNameVar)}
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return verify.Table{}, &Error{File: filename, Err: fmt.Errorf("%s must be a string, not %s", classNameVar, v.Type())}
	}
	table.ClassName = s
	if err := table.Validate(); err != nil {
		return verify.Table{}, &Error{File: filename, Err: err}
	}
	log.Debugf("%d cases for %s", len(table.Cases), table.ClassName)
	return table, nil
}
