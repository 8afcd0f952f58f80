// Package verifytest runs case tables as Go tests, one subtest per case.
package verifytest

import (
	"os"
	"testing"

	"github.com/prepost/prepost/pkg/config"
	"github.com/prepost/prepost/pkg/verify"
)

// Run measures table in the artifacts named by the configuration (the
// dex_pre and dex_post environment variables override the config file)
// and reports every case as its own subtest. Setup errors fail t
// immediately and no case is reported.
func Run(t *testing.T, table verify.Table) {
	t.Helper()
	conf, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("loading configuration: %v", err)
	}
	RunConfig(t, table, conf)
}

// RunConfig is like Run with an explicit configuration.
func RunConfig(t *testing.T, table verify.Table, conf *config.Config) {
	t.Helper()
	v, err := verify.NewFromConfig(table, conf)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range v.Check() {
		r := r
		t.Run(r.Case, func(t *testing.T) {
			if err := r.Err(); err != nil {
				t.Error(err)
			}
		})
	}
}

// SkipWithoutArtifacts skips t unless both dex_pre and dex_post are set.
func SkipWithoutArtifacts(t *testing.T) {
	t.Helper()
	if os.Getenv(config.EnvBefore) == "" || os.Getenv(config.EnvAfter) == "" {
		t.Skipf("%s and %s must name the artifacts built without and with the pass", config.EnvBefore, config.EnvAfter)
	}
}
