// Package version carries build information set through ldflags:
//
//	go build -ldflags "-X bluetooth-serial/internal/version.Version=1.0.0 \
//	                   -X bluetooth-serial/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X bluetooth-serial/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the JSON form used by the health endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
