package version

// Build and Commit are injected via -ldflags. Defaults identify a dev build.
var (
	Build  = "dev"
	Commit = ""
)

// String is the human-readable build identifier.
func String() string {
	if Commit == "" {
		return Build
	}
	if len(Commit) > 7 {
		return Build + "+" + Commit[:7]
	}
	return Build + "+" + Commit
}
