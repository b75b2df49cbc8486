package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X github.com/babelcloud/camlink/internal/version.Version=...".
// Commit and BuildTime fall back to the VCS stamp of the build.
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// CameraAPIVersion is the camera REST API generation camlink speaks.
const CameraAPIVersion = "2"

// Info describes the running binary.
type Info struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	Modified  bool      `json:"modified,omitempty"`
	BuildTime time.Time `json:"buildTime,omitzero"`
	CameraAPI string    `json:"cameraApi"`
	GoVersion string    `json:"goVersion"`
	Platform  string    `json:"platform"`
}

// Get collects the version of the running binary.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		CameraAPI: CameraAPIVersion,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
		info.BuildTime = t
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildSettings(&info, bi.Settings)
	}
	return info
}

// applyBuildSettings fills what ldflags left unset from the vcs.* settings.
func applyBuildSettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil && info.BuildTime.IsZero() {
				info.BuildTime = t
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

// ShortCommit is the first 7 characters of the commit, or "unknown".
func (i Info) ShortCommit() string {
	switch {
	case i.Commit == "":
		return "unknown"
	case len(i.Commit) > 7:
		return i.Commit[:7]
	default:
		return i.Commit
	}
}

// String renders the one-line form printed by --version.
func (i Info) String() string {
	commit := i.ShortCommit()
	if i.Modified {
		commit += "-dirty"
	}
	built := "unknown"
	if !i.BuildTime.IsZero() {
		built = i.BuildTime.UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("camlink %s (%s, built %s) %s, camera API %s", i.Version, commit, built, i.Platform, i.CameraAPI)
}
