// Package preflight validates connectivity and path preconditions before
// any backup mutation happens. Checks are stateless and never modify the
// system; a failure here aborts the run with nothing touched.
package preflight

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/wshanks/wsbackup/pkg/config"
	"github.com/wshanks/wsbackup/pkg/plog"
	"github.com/wshanks/wsbackup/pkg/runner"
)

// Error is the structured error for failed preconditions: the remote host
// is unreachable or an expected path is missing.
type Error struct {
	Host   string
	Path   string
	Reason string
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Host != "":
		return fmt.Sprintf("validation failed: path %s does not exist on %s", e.Path, e.Host)
	case e.Path != "":
		return fmt.Sprintf("validation failed: path %s does not exist", e.Path)
	default:
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
}

// Validator runs the pre-mutation checks for one configuration.
type Validator struct {
	// ConnectTimeout bounds only the initial reachability probe; all
	// later external calls block until completion.
	ConnectTimeout time.Duration
}

// NewValidator creates a Validator with the default connection timeout.
func NewValidator() *Validator {
	return &Validator{ConnectTimeout: 10 * time.Second}
}

// Run validates the configured endpoints. For a remote endpoint it probes
// ssh connectivity and checks that the expected remote directories exist:
// the sources when the remote side is the source, the destination
// otherwise. Purely local configurations check the local destination.
func (v *Validator) Run(ctx context.Context, cfg *config.Resolved) error {
	if cfg.Remote == nil {
		if info, err := os.Stat(cfg.Destination); err != nil || !info.IsDir() {
			return &Error{Path: cfg.Destination}
		}
		return nil
	}

	remote := runner.Remote{Host: cfg.Remote.Host}
	plog.Debug("Checking remote connectivity", "host", cfg.Remote.Host)
	if err := remote.CheckConnection(ctx, v.ConnectTimeout); err != nil {
		return &Error{Host: cfg.Remote.Host, Reason: err.Error()}
	}

	var paths []string
	if cfg.Remote.Location == config.RemoteSrc {
		paths = cfg.Sources
		// The destination stays local when the sources are remote.
		if info, err := os.Stat(cfg.Destination); err != nil || !info.IsDir() {
			return &Error{Path: cfg.Destination}
		}
	} else {
		paths = []string{cfg.Destination}
	}

	for _, path := range paths {
		if err := remote.Run(ctx, "test", "-d", path); err != nil {
			return &Error{Host: cfg.Remote.Host, Path: path}
		}
	}
	return nil
}
