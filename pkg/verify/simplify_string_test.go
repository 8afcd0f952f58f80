package verify_test

import (
	"testing"

	"github.com/prepost/prepost/pkg/casetable"
	"github.com/prepost/prepost/pkg/verify/verifytest"
)

// TestSimplifyString checks the string simplification pass against the
// artifacts named by dex_pre and dex_post.
func TestSimplifyString(t *testing.T) {
	verifytest.SkipWithoutArtifacts(t)
	table, err := casetable.Load("testdata/simplify_string.star")
	if err != nil {
		t.Fatal(err)
	}
	verifytest.Run(t, table)
}
