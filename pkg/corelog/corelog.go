// Package corelog centralizes structured logging for the resource-control
// core around zerolog, matching the field-naming and level-parsing
// conventions the rest of the platform uses.
package corelog

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger at the given level ("debug", "info", "warn",
// "error"; unrecognized or empty values fall back to info).
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// Nop returns a logger that discards everything. Components constructed
// without an explicit logger do not call it: they use the zero-value
// zerolog.Logger, which also discards.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Secret wraps sensitive material so that passing it to a zerolog field by
// mistake never leaks the value. It implements fmt.Stringer.
type Secret string

func (Secret) String() string { return "***" }

// MarshalZerologObject satisfies zerolog.LogObjectMarshaler so a Secret
// logged as a sub-object still redacts.
func (s Secret) MarshalZerologObject(e *zerolog.Event) {
	e.Str("value", "***")
}

// Component returns a child logger tagged with the owning component name,
// e.g. "queue", "limiter", "breaker", "endpoint".
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// EndpointField is the canonical field name used by every component when
// logging which endpoint a call concerns.
const EndpointField = "endpoint"

// CallIDField is the canonical field name for an ApiCall's id.
const CallIDField = "call_id"
