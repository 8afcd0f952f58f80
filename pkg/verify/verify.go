// Package verify compares the size of named methods between an artifact
// built without a transformation pass and one built with it, and checks
// every reduction against the value the author expects.
package verify

import (
	"errors"
	"fmt"

	"github.com/prepost/prepost/pkg/artifact"
	"github.com/prepost/prepost/pkg/config"
	"github.com/prepost/prepost/pkg/logflags"
	"github.com/prepost/prepost/pkg/symsize"
)

// Case is one named method and the number of code units the pass is
// expected to remove from it.
type Case struct {
	Name          string
	ExpectedDelta int
}

// Table lists the cases checked for one class.
type Table struct {
	ClassName string
	Cases     []Case
}

// Names returns the case names in table order.
func (t Table) Names() []string {
	names := make([]string, len(t.Cases))
	for i, c := range t.Cases {
		names[i] = c.Name
	}
	return names
}

// Validate checks that t names a class and has unique, non-empty cases.
func (t Table) Validate() error {
	if t.ClassName == "" {
		return errors.New("case table has no class name")
	}
	if len(t.Cases) == 0 {
		return errors.New("case table is empty")
	}
	seen := make(map[string]bool, len(t.Cases))
	for i, c := range t.Cases {
		if c.Name == "" {
			return fmt.Errorf("case %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate case %s", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Stage identifies the part of setup that failed.
type Stage string

const (
	StageTable  Stage = "table"
	StageBefore Stage = "before"
	StageAfter  Stage = "after"
)

// SetupError is returned when a Verifier cannot be constructed. No case
// is checked after a setup error.
type SetupError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *SetupError) Error() string {
	if e.Stage == StageTable {
		return fmt.Sprintf("invalid case table: %v", e.Err)
	}
	return fmt.Sprintf("measuring %s artifact %q: %v", e.Stage, e.Path, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// MismatchError reports a case whose measured delta differs from the
// expected one.
type MismatchError struct {
	Case     string
	Expected int
	Actual   int
	Before   int
	After    int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: expected delta %d, got %d (before %d, after %d)", e.Case, e.Expected, e.Actual, e.Before, e.After)
}

// Result is the outcome of one case.
type Result struct {
	Case     string
	Expected int
	Actual   int
	Before   int
	After    int
}

// Passed reports whether the measured delta is the expected one.
func (r Result) Passed() bool {
	return r.Actual == r.Expected
}

// Err returns a *MismatchError if the case failed, nil otherwise.
func (r Result) Err() error {
	if r.Passed() {
		return nil
	}
	return &MismatchError{Case: r.Case, Expected: r.Expected, Actual: r.Actual, Before: r.Before, After: r.After}
}

// Failed reports whether any result failed.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed() {
			return true
		}
	}
	return false
}

// Verifier holds the sizes measured in both artifacts for every case of a
// table. A Verifier only exists fully loaded.
type Verifier struct {
	table       Table
	beforeSizes map[string]int
	afterSizes  map[string]int
}

// New measures every case of table in the before artifact, releases it,
// then does the same for the after artifact.
func New(table Table, beforePath, afterPath string, opts ...artifact.Option) (*Verifier, error) {
	if err := table.Validate(); err != nil {
		return nil, &SetupError{Stage: StageTable, Err: err}
	}
	log := logflags.VerifyLogger().WithField("class", table.ClassName)

	v := &Verifier{table: table}
	var err error
	if v.beforeSizes, err = measure(table, beforePath, opts); err != nil {
		log.WithError(err).Errorf("before artifact")
		return nil, &SetupError{Stage: StageBefore, Path: beforePath, Err: err}
	}
	log.Debugf("measured %d cases in %s", len(v.beforeSizes), beforePath)
	if v.afterSizes, err = measure(table, afterPath, opts); err != nil {
		log.WithError(err).Errorf("after artifact")
		return nil, &SetupError{Stage: StageAfter, Path: afterPath, Err: err}
	}
	log.Debugf("measured %d cases in %s", len(v.afterSizes), afterPath)
	return v, nil
}

// NewFromConfig is New with the artifact paths and cache size taken from
// conf.
func NewFromConfig(table Table, conf *config.Config) (*Verifier, error) {
	var opts []artifact.Option
	if conf.StringCacheSize > 0 {
		opts = append(opts, artifact.WithStringCacheSize(conf.StringCacheSize))
	}
	return New(table, conf.Before, conf.After, opts...)
}

func measure(table Table, path string, opts []artifact.Option) (sizes map[string]int, err error) {
	err = artifact.Open(path, func(a *artifact.Artifact) error {
		sizes, err = symsize.SizesFor(a, table.ClassName, table.Names())
		return err
	}, opts...)
	return sizes, err
}

// Table returns the table v was built from.
func (v *Verifier) Table() Table {
	return v.table
}

// BeforeSizes returns a copy of the sizes measured in the before artifact.
func (v *Verifier) BeforeSizes() map[string]int {
	return copySizes(v.beforeSizes)
}

// AfterSizes returns a copy of the sizes measured in the after artifact.
func (v *Verifier) AfterSizes() map[string]int {
	return copySizes(v.afterSizes)
}

func copySizes(m map[string]int) map[string]int {
	r := make(map[string]int, len(m))
	for k, v := range m {
		r[k] = v
	}
	return r
}

// Check evaluates every case, in table order. A failing case does not stop
// the evaluation of the following ones.
func (v *Verifier) Check() []Result {
	log := logflags.VerifyLogger().WithField("class", v.table.ClassName)
	results := make([]Result, 0, len(v.table.Cases))
	for _, c := range v.table.Cases {
		r := Result{
			Case:     c.Name,
			Expected: c.ExpectedDelta,
			Before:   v.beforeSizes[c.Name],
			After:    v.afterSizes[c.Name],
		}
		r.Actual = r.Before - r.After
		if r.Passed() {
			log.Debugf("%s: delta %d", c.Name, r.Actual)
		} else {
			log.Debugf("%s: %v", c.Name, r.Err())
		}
		results = append(results, r)
	}
	return results
}
