package version

import (
	"runtime/debug"
	"strings"
)

// Version is stamped at release time with
// -ldflags "-X github.com/lkarlslund/qwengate/pkg/version.Version=vX.Y.Z".
// Untagged builds fall back to the VCS metadata the Go toolchain embeds.
var Version = "dev"

// String renders the version plus the embedded VCS revision, e.g.
// "v1.2.0+3f9c2d1a4b7e" or "dev+3f9c2d1a4b7e+dirty".
func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		v = "dev"
	}
	parts := []string{v}
	if rev, dirty := vcsState(); rev != "" {
		parts = append(parts, rev)
		if dirty {
			parts = append(parts, "dirty")
		}
	}
	return strings.Join(parts, "+")
}

// Detailed is the long form the version command prints.
func Detailed(component string) string {
	if strings.TrimSpace(component) == "" {
		component = "qwengate"
	}
	return component + " " + String()
}

func vcsState() (rev string, dirty bool) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return rev, dirty
}
