package version

var (
	version   = "v0.3.1"
	commit    = "release"
	buildDate = "2026-08-31"
)

func Version() string   { return version }
func Commit() string    { return commit }
func BuildDate() string { return buildDate }
