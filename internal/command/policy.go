package command

import (
	"time"

	"github.com/nerrad567/biogate/internal/device"
)

// Policy holds the delivery limits. It is a value; copies never share state.
type Policy struct {
	// MaxAttempts is the dispatch limit before a command fails.
	MaxAttempts int

	// ForceCloseAge closes any non-terminal command older than this.
	ForceCloseAge time.Duration

	// AckTimeout is how long a Processing command waits for a result.
	AckTimeout time.Duration
}

// Default policy values.
const (
	DefaultMaxAttempts   = 3
	DefaultForceCloseAge = 7 * 24 * time.Hour
	DefaultAckTimeout    = 5 * time.Minute
)

// DefaultPolicy returns the stock delivery limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   DefaultMaxAttempts,
		ForceCloseAge: DefaultForceCloseAge,
		AckTimeout:    DefaultAckTimeout,
	}
}

// MaxAttemptsFor returns the attempt limit for d, honouring its override.
func (p Policy) MaxAttemptsFor(d *device.Device) int {
	if d != nil && d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return p.maxAttempts()
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}
