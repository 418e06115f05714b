// Package transfer drives the external rsync tool. It owns the
// deterministic flag set, the staging-directory convention and the
// hard-link optimization against the most recent completed snapshot.
// rsync's delta computation and wire protocol are entirely its own
// business; this package only assembles arguments and inspects the exit
// status.
package transfer

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/wshanks/wsbackup/pkg/config"
	"github.com/wshanks/wsbackup/pkg/plog"
	"github.com/wshanks/wsbackup/pkg/runner"
)

// StagingDirName is the in-progress transfer target inside the
// destination. It is renamed to a snapshot label only on success.
const StagingDirName = "incomplete"

// LatestLinkName is the symbolic pointer to the most recent completed
// snapshot, used both by restores and as rsync's hard-link reference.
const LatestLinkName = "latest"

// rsyncBin is the transfer tool invoked for all data movement.
const rsyncBin = "rsync"

// logLineFormat is the fixed per-file log line layout handed to rsync.
const logLineFormat = "%t [%p] %o %f (%b / %l)"

// Syncer invokes rsync through a Runner, which is always local: remote
// endpoints are expressed as host: prefixes on the rsync arguments.
type Syncer struct {
	run runner.Runner
}

// NewSyncer creates a Syncer that executes rsync via run.
func NewSyncer(run runner.Runner) *Syncer {
	return &Syncer{run: run}
}

// Sync transfers all sources into the staging directory at the
// destination. linkLatest enables --link-dest against the current latest
// snapshot and should only be set when that pointer exists.
func (s *Syncer) Sync(ctx context.Context, cfg *config.Resolved, linkLatest bool) error {
	args := BuildArgs(cfg, linkLatest)
	plog.Info("Starting transfer", "sources", strings.Join(cfg.Sources, ", "), "staging", path.Join(cfg.Destination, StagingDirName))
	if err := s.run.Run(ctx, rsyncBin, args...); err != nil {
		return fmt.Errorf("rsync transfer failed: %w", err)
	}
	return nil
}

// BuildArgs assembles the rsync argument list for one run: hard-link
// reference, log file settings, the merged option set, exclude files and
// the computed source/destination endpoints.
func BuildArgs(cfg *config.Resolved, linkLatest bool) []string {
	var args []string

	if linkLatest {
		// Relative to the staging directory, which sits beside "latest".
		args = append(args, "--link-dest=../"+LatestLinkName)
	}

	args = append(args,
		"--log-file="+cfg.Logfile.Path,
		"--log-file-format="+logLineFormat,
	)
	if needsOutFormat(cfg.RsyncOpts) {
		args = append(args, "--out-format="+logLineFormat)
	}

	args = append(args, cfg.RsyncOpts...)

	for _, xcl := range cfg.Excludes {
		args = append(args, "--exclude-from="+xcl)
	}

	for _, src := range cfg.Sources {
		if cfg.RemoteIs(config.RemoteSrc) {
			src = cfg.Remote.Host + ":" + src
		}
		args = append(args, src)
	}

	dest := path.Join(cfg.Destination, StagingDirName)
	if cfg.RemoteIs(config.RemoteDest) {
		dest = cfg.Remote.Host + ":" + dest
	}
	args = append(args, dest)

	return args
}

// needsOutFormat reports whether an out-format flag should be added:
// verbosity was requested but no out-format was configured by the user.
func needsOutFormat(opts []string) bool {
	verbose := false
	for _, opt := range opts {
		trimmed := strings.TrimSpace(opt)
		if strings.HasPrefix(trimmed, "-v") || strings.HasPrefix(trimmed, "--verbose") {
			verbose = true
		}
		if strings.HasPrefix(trimmed, "--out-format") {
			return false
		}
	}
	return verbose
}

// ShipLogs copies the log file and its rotated siblings to the remote
// destination. Only meaningful when the destination is remote and
// logfile.copy_to_dest is set; callers treat failures as warnings since
// the snapshot is already committed.
func (s *Syncer) ShipLogs(ctx context.Context, cfg *config.Resolved, rotated []string) error {
	if !cfg.RemoteIs(config.RemoteDest) || !cfg.Logfile.CopyToDest {
		return nil
	}
	dest := cfg.Remote.Host + ":" + cfg.Destination
	for _, logPath := range append([]string{cfg.Logfile.Path}, rotated...) {
		if err := s.run.Run(ctx, rsyncBin, logPath, dest); err != nil {
			return fmt.Errorf("failed to ship log %s: %w", logPath, err)
		}
	}
	return nil
}

// RotatedLogs globs for rotated siblings of the given log file, covering
// both numeric suffixes and timestamped rotation schemes, compressed or
// not.
func RotatedLogs(logPath string) []string {
	ext := filepath.Ext(logPath)
	base := strings.TrimSuffix(logPath, ext)
	var rotated []string
	for _, pattern := range []string{logPath + ".*", base + "-*" + ext, base + "-*" + ext + ".gz"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		rotated = append(rotated, matches...)
	}
	return rotated
}
