// Package version holds the prepost version and build information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of prepost.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// PrepostVersion is the current version of prepost.
var PrepostVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	v.Build = revision(v.Build, debug.ReadBuildInfo)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version and the module list of the binary.
func BuildInfo() string {
	return fmt.Sprintf("%s\n%s", runtime.Version(), moduleBuildInfo(debug.ReadBuildInfo))
}

// revision replaces an unexpanded git ident with the VCS revision recorded
// by the go command, if any.
func revision(build string, read func() (*debug.BuildInfo, bool)) string {
	if !strings.HasPrefix(build, "$Id") {
		return build
	}
	info, ok := read()
	if !ok {
		return build
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			rev := setting.Value
			for _, s := range info.Settings {
				if s.Key == "vcs.modified" && s.Value == "true" {
					rev += "-dirty"
				}
			}
			return rev
		}
	}
	return build
}
