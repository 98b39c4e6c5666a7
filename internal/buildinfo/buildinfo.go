// Package buildinfo reports the version the binary was built from.
// Release builds stamp the variables below with -ldflags -X; other
// builds fall back to the VCS settings the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info is the build metadata served by /version and `domos version`.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime,omitempty"`
}

// Get returns the build metadata without uptime.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromVCS(&info, bi.Settings)
	}
	return info
}

// Running returns [Get] plus the process uptime.
func Running() Info {
	info := Get()
	info.Uptime = Uptime().String()
	return info
}

// Fields lists the populated fields in display order.
func (i Info) Fields() [][2]string {
	all := [][2]string{
		{"version", i.Version},
		{"git_commit", i.GitCommit},
		{"git_branch", i.GitBranch},
		{"build_time", i.BuildTime},
		{"go_version", i.GoVersion},
		{"os", i.OS},
		{"arch", i.Arch},
		{"uptime", i.Uptime},
	}
	out := all[:0]
	for _, f := range all {
		if f[1] != "" {
			out = append(out, f)
		}
	}
	return out
}

// fillFromVCS replaces unstamped commit and time values with the
// toolchain's vcs.* settings.
func fillFromVCS(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" && s.Value != "" {
				info.GitCommit = s.Value
				if len(info.GitCommit) > 12 {
					info.GitCommit = info.GitCommit[:12]
				}
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		}
	}
}

// Uptime is the time since process start, in whole seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the one-line banner printed by `domos version`.
func String() string {
	i := Get()
	return fmt.Sprintf("Domos %s (%s@%s) built %s", i.Version, i.GitCommit, i.GitBranch, i.BuildTime)
}

// UserAgent identifies domos to brokers and HTTP clients.
func UserAgent() string {
	return "domos/" + Version
}
