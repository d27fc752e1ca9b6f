package relay

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode is the role of a relay process. It is fixed at startup.
type Mode int

const (
	_ Mode = iota
	// ModeFrontend accepts requests from the custody client.
	ModeFrontend
	// ModeBackend holds the keys and signs.
	ModeBackend
)

// ParseMode returns the mode named by s.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "frontend":
		return ModeFrontend, nil
	case "backend":
		return ModeBackend, nil
	}
	return 0, errors.Errorf("unknown mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeFrontend:
		return "frontend"
	case ModeBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// ErrUnsupportedOperation is returned when an operation is called in a mode
// that does not offer it.
var ErrUnsupportedOperation = errors.New("operation not supported in this mode")
