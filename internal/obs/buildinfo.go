package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	GoVersion string
	Dirty     bool
}

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_build_info",
			Help: "Constant 1 labelled with the running build.",
		},
		[]string{"version", "commit", "goversion", "dirty"},
	)
)

// InitBuildInfo publishes gatekeeper_build_info and returns what it published.
// A commit of "" or "unknown" is taken from the VCS stamp the toolchain embeds.
func InitBuildInfo(version, commit string) BuildInfo {
	bi, _ := debug.ReadBuildInfo()
	info := resolveBuildInfo(bi, version, commit)

	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	dirty := "false"
	if info.Dirty {
		dirty = "true"
	}
	buildInfo.WithLabelValues(info.Version, info.Commit, info.GoVersion, dirty).Set(1)
	return info
}

func resolveBuildInfo(bi *debug.BuildInfo, version, commit string) BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if bi != nil {
		if bi.GoVersion != "" {
			info.GoVersion = bi.GoVersion
		}
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" || info.Commit == "unknown" {
					info.Commit = shortRevision(s.Value)
				}
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
