// Package loggingutil carries the small pslog helpers shared by resvd
// packages: disabled fallbacks and subsystem tagging.
package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the structured field used to tag the emitting subsystem.
const SubsystemKey = pslog.TrustedString("sys")

// NoopLogger returns a pslog.Logger that discards everything.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// EnsureLogger returns l, or a disabled logger when l is nil.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins non-empty parts into a dotted subsystem path.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through the returned logger with the
// given subsystem path.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
