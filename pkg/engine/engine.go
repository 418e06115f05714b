// --- ARCHITECTURAL OVERVIEW: Run Lifecycle ---
//
// One backup run is a strictly sequential pass through the stages
//
//	Locking -> Validating -> Transferring -> Finalizing -> Pruning
//
// with clearly separated failure semantics:
//
//   - Locking and Validating abort before any mutation; an immediate
//     retry is always safe.
//   - A Transferring failure only ever affects the "incomplete" staging
//     directory, never a committed snapshot.
//   - Once Finalizing has committed a snapshot, later failures (pruning,
//     log shipping) are downgraded to warnings: the run's primary goal
//     was already achieved.
//   - The lock is released on every path out of Locking, except when the
//     lock was never ours (held by a live run) so releasing would steal it.
//
// The timestamp minted during Finalizing is the single "now" fed to the
// retention engine, keeping the new snapshot's age and the pruning
// decision mutually consistent.

// Package engine implements the backup orchestrator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wshanks/wsbackup/pkg/config"
	"github.com/wshanks/wsbackup/pkg/lockfile"
	"github.com/wshanks/wsbackup/pkg/plog"
	"github.com/wshanks/wsbackup/pkg/preflight"
	"github.com/wshanks/wsbackup/pkg/retention"
	"github.com/wshanks/wsbackup/pkg/runner"
	"github.com/wshanks/wsbackup/pkg/transfer"
)

// Stage identifies where in the run an error occurred.
type Stage int

const (
	StageLocking Stage = iota
	StageValidating
	StageTransferring
	StageFinalizing
	StagePruning
)

// String returns the stage name for logging.
func (s Stage) String() string {
	switch s {
	case StageLocking:
		return "locking"
	case StageValidating:
		return "validating"
	case StageTransferring:
		return "transferring"
	case StageFinalizing:
		return "finalizing"
	case StagePruning:
		return "pruning"
	default:
		return "unknown"
	}
}

// TransferError wraps a failure of the external sync tool. The staging
// area is left in place for inspection; no committed snapshot is touched.
type TransferError struct {
	Err error
}

// Error implements the error interface for TransferError.
func (e *TransferError) Error() string { return fmt.Sprintf("transfer failed: %v", e.Err) }

// Unwrap returns the underlying error.
func (e *TransferError) Unwrap() error { return e.Err }

// PruneError wraps a listing or deletion failure during retention. It is
// logged but never fails the run: the new snapshot is already committed.
type PruneError struct {
	Err error
}

// Error implements the error interface for PruneError.
func (e *PruneError) Error() string { return fmt.Sprintf("prune failed: %v", e.Err) }

// Unwrap returns the underlying error.
func (e *PruneError) Unwrap() error { return e.Err }

// Engine drives one backup run through its stages.
type Engine struct {
	cfg       *config.Resolved
	validator *preflight.Validator
	syncer    *transfer.Syncer
	store     Store
	now       func() time.Time
}

// New wires an Engine for the given configuration: a local or remote
// destination store depending on the remote settings, rsync via the local
// runner, and the default preflight validator.
func New(cfg *config.Resolved) *Engine {
	var store Store
	if cfg.RemoteIs(config.RemoteDest) {
		store = &RemoteStore{Dest: cfg.Destination, Run: runner.Remote{Host: cfg.Remote.Host}}
	} else {
		store = &LocalStore{Dest: cfg.Destination}
	}
	return &Engine{
		cfg:       cfg,
		validator: preflight.NewValidator(),
		syncer:    transfer.NewSyncer(runner.Local{}),
		store:     store,
		now:       time.Now,
	}
}

// NewWithParts wires an Engine from explicit collaborators. Used by tests
// and by callers that need a custom store or clock.
func NewWithParts(cfg *config.Resolved, validator *preflight.Validator, syncer *transfer.Syncer, store Store, now func() time.Time) *Engine {
	return &Engine{cfg: cfg, validator: validator, syncer: syncer, store: store, now: now}
}

// Execute performs one complete backup run. It returns a non-nil error
// exactly when the run ends in the Aborted state; a run whose snapshot was
// committed reports success even if pruning had to be skipped.
func (e *Engine) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// --- Locking ---
	lock, err := lockfile.Acquire(e.cfg.LockPath)
	if err != nil {
		var held *lockfile.ErrLockHeld
		if errors.As(err, &held) {
			plog.Warn("Another backup run is active, aborting", "owner_pid", held.OwnerPID, "stage", StageLocking)
		}
		return err
	}
	defer lock.Release()

	// --- Validating ---
	if err := e.validator.Run(ctx, e.cfg); err != nil {
		plog.Error("Preflight validation failed", "stage", StageValidating, "error", err)
		return err
	}

	// --- Transferring ---
	linkLatest, err := e.store.LatestExists(ctx)
	if err != nil {
		plog.Warn("Could not check latest pointer, transferring without hard links", "error", err)
		linkLatest = false
	}
	if err := e.syncer.Sync(ctx, e.cfg, linkLatest); err != nil {
		return &TransferError{Err: err}
	}

	if config.IsDryRun(e.cfg.RsyncOpts) {
		plog.Info("Dry run requested, skipping finalize and prune")
		return nil
	}

	// --- Finalizing ---
	minted, label, err := e.finalize(ctx)
	if err != nil {
		plog.Error("Failed to finalize snapshot", "stage", StageFinalizing, "error", err)
		return err
	}
	plog.Info("Snapshot committed", "label", label)

	// --- Pruning ---
	if err := e.prune(ctx, minted); err != nil {
		plog.Warn("Retention pruning skipped", "stage", StagePruning, "error", err)
	}

	e.shipLogs(ctx)

	plog.Info("Backup finished")
	return nil
}

// finalize mints the snapshot label, commits the staging directory under
// it and repoints the latest marker. The returned timestamp is the label
// re-parsed to second precision, the single reference time for pruning.
func (e *Engine) finalize(ctx context.Context) (time.Time, string, error) {
	label := retention.FormatLabel(e.now())
	minted, err := retention.ParseLabel(label)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("minted label %q does not round-trip: %w", label, err)
	}
	e.cfg.BackupTime = minted

	if err := e.store.CommitStaging(ctx, label); err != nil {
		return time.Time{}, "", err
	}
	if err := e.store.Relink(ctx, label); err != nil {
		return time.Time{}, "", err
	}
	return minted, label, nil
}

// prune lists the destination, asks the retention engine what is
// redundant and deletes it. All decisions come from one consistent
// listing and the single minted timestamp.
func (e *Engine) prune(ctx context.Context, now time.Time) error {
	entries, err := e.store.ListEntries(ctx)
	if err != nil {
		return &PruneError{Err: err}
	}

	deletions := retention.Decide(entries, now, e.cfg.Tiers)
	if len(deletions) == 0 {
		plog.Debug("No snapshots need deletion")
		return nil
	}

	plog.Info("Pruning outdated snapshots", "count", len(deletions), "labels", strings.Join(deletions, " "))
	if err := e.store.RemoveSnapshots(ctx, deletions); err != nil {
		return &PruneError{Err: err}
	}
	return nil
}

// shipLogs copies the run's log files to a remote destination when
// configured. Best-effort: the snapshot is already committed.
func (e *Engine) shipLogs(ctx context.Context) {
	if !e.cfg.RemoteIs(config.RemoteDest) || !e.cfg.Logfile.CopyToDest {
		return
	}
	rotated := transfer.RotatedLogs(e.cfg.Logfile.Path)
	if err := e.syncer.ShipLogs(ctx, e.cfg, rotated); err != nil {
		plog.Warn("Failed to copy log files to destination", "error", err)
	}
}
