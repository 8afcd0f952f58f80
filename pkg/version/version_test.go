package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestRevision(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abc123"},
		{Key: "vcs.modified", Value: "true"},
	}}
	read := func() (*debug.BuildInfo, bool) { return info, true }
	if got := revision("$Id$", read); got != "abc123-dirty" {
		t.Errorf("revision: got %q", got)
	}
	if got := revision("v0.3.0", read); got != "v0.3.0" {
		t.Errorf("explicit build overwritten: %q", got)
	}
	none := func() (*debug.BuildInfo, bool) { return nil, false }
	if got := revision("$Id$", none); got != "$Id$" {
		t.Errorf("revision without build info: %q", got)
	}
}

func TestModuleBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/prepost/prepost", Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: "github.com/sirupsen/logrus", Version: "v1.6.0", Sum: "h1:x",
				Replace: &debug.Module{Path: "../logrus"}},
		},
	}
	out := moduleBuildInfo(func() (*debug.BuildInfo, bool) { return info, true })
	for _, want := range []string{"mod\tgithub.com/prepost/prepost\t(devel)", "dep\tgithub.com/sirupsen/logrus\tv1.6.0\th1:x\t=> ../logrus"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "deadbeef"}
	if got := v.String(); got != "Version: 1.2.3-rc1\nBuild: deadbeef" {
		t.Errorf("got %q", got)
	}
}
