package version

// VERSION is overridden at build time with -ldflags.
var VERSION = "dev"

// UserAgent is sent by the HTTP clients of this program.
func UserAgent() string {
	return "keylink-relay/" + VERSION
}
