package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/wshanks/wsbackup/pkg/plog"
	"github.com/wshanks/wsbackup/pkg/runner"
	"github.com/wshanks/wsbackup/pkg/transfer"
)

// Store is the destination-side capability object: everything the
// orchestrator does to the backup directory tree goes through it, so the
// local and remote cases never branch at a call site.
type Store interface {
	// ListEntries returns the names of all entries in the destination
	// root, snapshots and otherwise; callers filter by label format.
	ListEntries(ctx context.Context) ([]string, error)
	// LatestExists reports whether the "latest" pointer exists.
	LatestExists(ctx context.Context) (bool, error)
	// CommitStaging atomically renames the staging directory to the
	// given snapshot label.
	CommitStaging(ctx context.Context, label string) error
	// Relink repoints the "latest" marker at the given snapshot label.
	Relink(ctx context.Context, label string) error
	// RemoveSnapshots deletes the given snapshot directories.
	RemoveSnapshots(ctx context.Context, labels []string) error
}

// localDeleteWorkers bounds the number of concurrent snapshot deletions on
// a local destination. Deleting whole snapshot trees is I/O bound, so a
// small pool is enough.
const localDeleteWorkers = 4

// LocalStore operates on a destination directory on this machine.
type LocalStore struct {
	Dest string
}

// Statically assert that *LocalStore implements the Store interface.
var _ Store = (*LocalStore)(nil)

// ListEntries reads the destination directory.
func (s *LocalStore) ListEntries(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dest)
	if err != nil {
		return nil, fmt.Errorf("failed to read destination %s: %w", s.Dest, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// LatestExists checks for the latest pointer, following nothing: a
// dangling symlink still counts as present.
func (s *LocalStore) LatestExists(ctx context.Context) (bool, error) {
	_, err := os.Lstat(filepath.Join(s.Dest, transfer.LatestLinkName))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// CommitStaging renames the staging directory to the snapshot label.
func (s *LocalStore) CommitStaging(ctx context.Context, label string) error {
	from := filepath.Join(s.Dest, transfer.StagingDirName)
	to := filepath.Join(s.Dest, label)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to commit staging directory: %w", err)
	}
	return nil
}

// Relink replaces the latest pointer with a symlink to label.
func (s *LocalStore) Relink(ctx context.Context, label string) error {
	link := filepath.Join(s.Dest, transfer.LatestLinkName)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old latest pointer: %w", err)
	}
	// Relative target so the destination tree can be relocated wholesale.
	if err := os.Symlink(label, link); err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}
	return nil
}

// RemoveSnapshots deletes snapshot directories with a bounded worker pool.
// Parallelism pays off on network-mounted destinations where latency
// dominates.
func (s *LocalStore) RemoveSnapshots(ctx context.Context, labels []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(localDeleteWorkers)
	for _, label := range labels {
		label := label
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dir := filepath.Join(s.Dest, label)
			plog.Notice("DELETE", "path", dir)
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to delete snapshot %s: %w", dir, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RemoteStore operates on a destination directory on a remote host,
// issuing every operation through the remote command runner.
type RemoteStore struct {
	Dest string
	Run  runner.Runner
}

// Statically assert that *RemoteStore implements the Store interface.
var _ Store = (*RemoteStore)(nil)

// ListEntries lists the remote destination directory.
func (s *RemoteStore) ListEntries(ctx context.Context) ([]string, error) {
	out, err := s.Run.Output(ctx, "ls", s.Dest)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote destination %s: %w", s.Dest, err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// LatestExists probes the latest pointer with test -e.
func (s *RemoteStore) LatestExists(ctx context.Context) (bool, error) {
	err := s.Run.Run(ctx, "test", "-e", path.Join(s.Dest, transfer.LatestLinkName))
	if err == nil {
		return true, nil
	}
	if runner.IsRemoteFailure(err) || runner.ExitCode(err) < 0 {
		return false, err
	}
	return false, nil
}

// CommitStaging renames the remote staging directory to the label.
func (s *RemoteStore) CommitStaging(ctx context.Context, label string) error {
	from := path.Join(s.Dest, transfer.StagingDirName)
	to := path.Join(s.Dest, label)
	if err := s.Run.Run(ctx, "mv", from, to); err != nil {
		return fmt.Errorf("failed to commit remote staging directory: %w", err)
	}
	return nil
}

// Relink removes and recreates the remote latest symlink. The link target
// is the bare label so the pointer stays valid inside the destination.
func (s *RemoteStore) Relink(ctx context.Context, label string) error {
	link := path.Join(s.Dest, transfer.LatestLinkName)
	if err := s.Run.Run(ctx, "rm", "-f", link); err != nil {
		return fmt.Errorf("failed to remove old remote latest pointer: %w", err)
	}
	if err := s.Run.Run(ctx, "ln", "-s", label, link); err != nil {
		return fmt.Errorf("failed to update remote latest pointer: %w", err)
	}
	return nil
}

// RemoveSnapshots deletes the remote snapshot directories in one command.
func (s *RemoteStore) RemoveSnapshots(ctx context.Context, labels []string) error {
	args := []string{"-rf"}
	for _, label := range labels {
		dir := path.Join(s.Dest, label)
		plog.Notice("DELETE", "path", dir)
		args = append(args, dir)
	}
	if err := s.Run.Run(ctx, "rm", args...); err != nil {
		return fmt.Errorf("failed to delete remote snapshots: %w", err)
	}
	return nil
}
