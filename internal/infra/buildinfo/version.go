package buildinfo

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Info describes a build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	readOnce sync.Once
	embedded Info
)

// Get returns the build information. Values left unset by ldflags are
// filled from the VCS stamp the toolchain embeds.
func Get() Info {
	readOnce.Do(func() {
		embedded = Info{GoVersion: runtime.Version()}
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			embedded.Version = v
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				embedded.Commit = s.Value
			case "vcs.time":
				embedded.BuildTime = s.Value
			case "vcs.modified":
				embedded.Modified = s.Value == "true"
			}
		}
	})

	info := embedded
	if Version != "dev" || info.Version == "" {
		info.Version = Version
	}
	if Commit != "" {
		info.Commit = Commit
	}
	if BuildTime != "" {
		info.BuildTime = BuildTime
	}
	return info
}

// Product returns "keepstore/<version>", stamped on exported envelopes.
func Product() string {
	return "keepstore/" + Get().Version
}

// String returns a one-line description such as
// "v1.2.0 (abc1234, 2026-01-02T03:04:05Z, go1.23.0)".
func String() string {
	info := Get()
	s := info.Version + " ("
	if info.Commit != "" {
		c := info.Commit
		if len(c) > 7 {
			c = c[:7]
		}
		if info.Modified {
			c += "-dirty"
		}
		s += c + ", "
	}
	if info.BuildTime != "" {
		s += info.BuildTime + ", "
	}
	return s + info.GoVersion + ")"
}
