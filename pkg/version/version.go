// Package version exposes the build identity of the innerloop binary.
//
// Resolution order for the commit: -ldflags override, then vcs.revision from
// debug.BuildInfo, then "dev" (go test, non-git builds).
package version

import "runtime/debug"

// AppName is used in version strings, user agents and startup logs.
const AppName = "innerloop"

// commitOverride is set via -ldflags for container builds without .git.
var commitOverride string

// Info describes the running build.
type Info struct {
	Commit   string
	Modified bool
	GoVer    string
}

var current = resolve()

func resolve() Info {
	info := Info{Commit: "dev"}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		info.GoVer = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					info.Commit = short(s.Value)
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if commitOverride != "" {
		info.Commit = short(commitOverride)
		info.Modified = false
	}
	return info
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Build returns the resolved build info.
func Build() Info { return current }

// Full returns "innerloop/<commit>", with a "+" suffix for builds from a
// dirty working tree.
func Full() string {
	s := AppName + "/" + current.Commit
	if current.Modified {
		s += "+"
	}
	return s
}
