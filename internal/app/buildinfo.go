package app

// Set with -ldflags "-X github.com/hyperifyio/pagecheck/internal/app.BuildVersion=...".
// BuildVersion also ends up in the default User-Agent and the report footer.
var (
	BuildVersion = "0.0.0-dev"
	BuildCommit  = "unknown"
	BuildDate    = "unknown"
)
