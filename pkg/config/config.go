// Package config loads the YAML backup definition and resolves it into a
// fully-defaulted, validated configuration for one run. All semantic work
// happens here: numeric expression evaluation, rsync option merging,
// exclude-file auto-discovery and retention tier construction. The rest of
// the program only ever sees a Resolved value.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wshanks/wsbackup/pkg/numexpr"
	"github.com/wshanks/wsbackup/pkg/plog"
	"github.com/wshanks/wsbackup/pkg/retention"
)

// DefaultID is used when the config file does not name the backup set.
const DefaultID = "wsbackup"

// Remote location values.
const (
	RemoteSrc  = "src"
	RemoteDest = "dest"
)

// defaultRsyncOpts is the built-in rsync flag set. User options are merged
// on top with MergeOpts.
// chmod: necessary for old backups to be deletable.
var defaultRsyncOpts = []string{"--archive", "-hhh", "--delete", "--stats", "--chmod=u+rw"}

// Error is the structured error for malformed or contradictory settings.
// Config errors are fatal; no partial run is attempted.
type Error struct {
	Reason string
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	return "config: " + e.Reason
}

func errorf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Raw mirrors the YAML document structure before any defaulting. Fields
// holding mixed scalar types (numbers or expression strings) are decoded
// loosely and resolved afterwards.
type Raw struct {
	ID          string     `yaml:"id"`
	Sources     []string   `yaml:"sources"`
	Destination string     `yaml:"destination"`
	Remote      *RawRemote `yaml:"remote"`
	Excludes    []string   `yaml:"excludes"`
	RsyncOpts   []string   `yaml:"rsync_opts"`
	AgingParams [][]any    `yaml:"aging_params"`
	Logfile     any        `yaml:"logfile"`
	Lockfile    string     `yaml:"lockfile"`
}

// RawRemote is the optional remote endpoint section.
type RawRemote struct {
	Host     string `yaml:"host"`
	Location string `yaml:"location"`
}

// Remote describes the resolved remote endpoint. A nil *Remote means a
// purely local backup.
type Remote struct {
	Host     string
	Location string // RemoteSrc or RemoteDest
}

// LogfileSettings holds the resolved log file configuration.
type LogfileSettings struct {
	Path        string
	MaxBytes    int64
	BackupCount int
	CopyToDest  bool
}

// Resolved is the immutable-for-the-run configuration. The only mutation
// after resolve time is recording the run's own minted backup timestamp.
type Resolved struct {
	ID          string
	WorkingDir  string
	Sources     []string
	Destination string
	Remote      *Remote
	Excludes    []string
	RsyncOpts   []string
	Tiers       []retention.Tier
	LockPath    string
	Logfile     LogfileSettings

	// BackupTime is the timestamp minted during Finalizing. Zero until a
	// snapshot has been committed in this run.
	BackupTime time.Time
}

// RemoteIs reports whether a remote endpoint with the given location is
// configured.
func (r *Resolved) RemoteIs(location string) bool {
	return r.Remote != nil && r.Remote.Location == location
}

// Load reads and resolves the config file at path. The directory holding
// the file is the working directory for all derived defaults (lock file,
// log file, exclude file).
func Load(path string) (*Resolved, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errorf("could not determine absolute path for %s: %v", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errorf("could not read config file %s: %v", absPath, err)
	}

	var raw Raw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errorf("could not parse config file %s: %v", absPath, err)
	}

	return Resolve(raw, filepath.Dir(absPath))
}

// Resolve normalizes raw settings into a Resolved config, applying
// defaults and failing with *Error on structurally invalid input.
func Resolve(raw Raw, workingDir string) (*Resolved, error) {
	cfg := &Resolved{
		ID:          raw.ID,
		WorkingDir:  workingDir,
		Sources:     raw.Sources,
		Destination: raw.Destination,
		Excludes:    append([]string(nil), raw.Excludes...),
		LockPath:    raw.Lockfile,
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}

	if len(cfg.Sources) == 0 {
		return nil, errorf("at least one source path is required")
	}
	if cfg.Destination == "" {
		return nil, errorf("destination path is required")
	}

	if raw.Remote != nil {
		if raw.Remote.Host == "" || raw.Remote.Location == "" {
			return nil, errorf(`"remote" setting must include host and location`)
		}
		if raw.Remote.Location != RemoteSrc && raw.Remote.Location != RemoteDest {
			return nil, errorf(`"remote.location" must be %q or %q, got %q`, RemoteSrc, RemoteDest, raw.Remote.Location)
		}
		cfg.Remote = &Remote{Host: raw.Remote.Host, Location: raw.Remote.Location}
	}

	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(workingDir, cfg.ID+".lck")
	}

	logfile, err := resolveLogfile(raw.Logfile, cfg.ID, workingDir)
	if err != nil {
		return nil, err
	}
	cfg.Logfile = logfile

	discoverExcludeFile(cfg)

	cfg.RsyncOpts = MergeOpts(defaultRsyncOpts, raw.RsyncOpts)

	tiers, err := resolveTiers(raw.AgingParams)
	if err != nil {
		return nil, err
	}
	cfg.Tiers = tiers

	return cfg, nil
}

// discoverExcludeFile appends <id>.xcl next to the config file to the
// exclude list if it exists and is not already listed.
func discoverExcludeFile(cfg *Resolved) {
	xclDefault := filepath.Join(cfg.WorkingDir, cfg.ID+".xcl")
	if _, err := os.Stat(xclDefault); err != nil {
		return
	}
	for _, xcl := range cfg.Excludes {
		if sameFile(xcl, xclDefault) {
			return
		}
	}
	plog.Debug("Discovered default exclude file", "path", xclDefault)
	cfg.Excludes = append(cfg.Excludes, xclDefault)
}

// sameFile compares two paths, preferring inode identity when both exist.
func sameFile(a, b string) bool {
	ai, aErr := os.Stat(a)
	bi, bErr := os.Stat(b)
	if aErr == nil && bErr == nil {
		return os.SameFile(ai, bi)
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && filepath.Clean(absA) == filepath.Clean(absB)
}

// MergeOpts merges override flags into opts. An override of the form
// "no<flag>", e.g. "no--delete", removes every existing flag equal to or
// prefixed by <flag> and adds nothing itself; other entries are appended,
// except entries that are not flags at all, which are ignored.
func MergeOpts(opts, overrides []string) []string {
	merged := append([]string(nil), opts...)
	for _, opt := range overrides {
		if name, ok := strings.CutPrefix(opt, "no"); ok && strings.HasPrefix(name, "-") {
			kept := merged[:0]
			for _, existing := range merged {
				if !strings.HasPrefix(existing, name) {
					kept = append(kept, existing)
				}
			}
			merged = kept
			continue
		}
		if strings.HasPrefix(opt, "-") {
			merged = append(merged, opt)
		}
	}
	return merged
}

// IsDryRun reports whether the merged rsync option set requests a dry run.
// The orchestrator then skips Finalizing and Pruning entirely.
func IsDryRun(opts []string) bool {
	for _, opt := range opts {
		trimmed := strings.TrimSpace(opt)
		if trimmed == "-n" || trimmed == "--dry-run" {
			return true
		}
	}
	return false
}

// resolveTiers converts raw aging parameters into retention tiers. Each
// entry is a [spacing, bound] pair in days; values may be numbers or
// expression strings such as "0.5/24". A bound of -1 marks the unbounded
// final tier. An absent list yields the built-in five-tier default.
func resolveTiers(params [][]any) ([]retention.Tier, error) {
	if len(params) == 0 {
		return retention.DefaultTiers(), nil
	}

	tiers := make([]retention.Tier, 0, len(params))
	for i, pair := range params {
		if len(pair) != 2 {
			return nil, errorf("aging_params entry %d must be a [spacing, bound] pair", i)
		}
		spacingDays, err := resolveNumber(pair[0])
		if err != nil {
			return nil, errorf("aging_params entry %d spacing: %v", i, err)
		}
		boundDays, err := resolveNumber(pair[1])
		if err != nil {
			return nil, errorf("aging_params entry %d bound: %v", i, err)
		}
		tier := retention.Tier{Spacing: daysToDuration(spacingDays)}
		if boundDays > 0 {
			tier.Bound = daysToDuration(boundDays)
		}
		tiers = append(tiers, tier)
	}

	if err := retention.ValidateTiers(tiers); err != nil {
		return nil, errorf("%v", err)
	}
	return tiers, nil
}

// resolveLogfile accepts the logfile setting as absent, a string (a
// directory, an absolute file path, or a file name relative to the config
// directory) or a mapping with path, max_bytes,
// backup_count and copy_to_dest keys.
func resolveLogfile(raw any, id, workingDir string) (LogfileSettings, error) {
	settings := LogfileSettings{
		Path:        filepath.Join(workingDir, id+".log"),
		MaxBytes:    1e6,
		BackupCount: 5,
	}

	switch v := raw.(type) {
	case nil:
	case string:
		if info, err := os.Stat(v); err == nil && info.IsDir() {
			settings.Path = filepath.Join(v, id+".log")
		} else if filepath.IsAbs(v) {
			settings.Path = v
		} else {
			settings.Path = filepath.Join(workingDir, v)
		}
	case map[string]any:
		if path, ok := v["path"].(string); ok && path != "" {
			settings.Path = path
		}
		if rawMax, ok := v["max_bytes"]; ok {
			maxBytes, err := resolveNumber(rawMax)
			if err != nil {
				return settings, errorf("logfile.max_bytes: %v", err)
			}
			if maxBytes <= 0 {
				return settings, errorf("logfile.max_bytes must be positive")
			}
			settings.MaxBytes = int64(maxBytes)
		}
		if rawCount, ok := v["backup_count"]; ok {
			count, err := resolveNumber(rawCount)
			if err != nil {
				return settings, errorf("logfile.backup_count: %v", err)
			}
			if count < 0 {
				return settings, errorf("logfile.backup_count cannot be negative")
			}
			settings.BackupCount = int(count)
		}
		if copyToDest, ok := v["copy_to_dest"].(bool); ok {
			settings.CopyToDest = copyToDest
		}
	default:
		return settings, errorf("logfile must be a path or a mapping, got %T", raw)
	}

	return settings, nil
}

// resolveNumber accepts a plain YAML number or an expression string.
func resolveNumber(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return numexpr.Eval(n)
	default:
		return 0, fmt.Errorf("expected a number or expression string, got %T", v)
	}
}

// daysToDuration rounds to the nearest nanosecond so expression inputs
// like "0.5/24" land exactly on the duration they denote.
func daysToDuration(days float64) time.Duration {
	return time.Duration(math.Round(days * 24 * float64(time.Hour)))
}

// LogSummary prints a one-line overview of the resolved configuration.
func (r *Resolved) LogSummary() {
	logArgs := []any{
		"id", r.ID,
		"sources", strings.Join(r.Sources, ", "),
		"destination", r.Destination,
		"lockfile", r.LockPath,
		"logfile", r.Logfile.Path,
		"tiers", len(r.Tiers),
		"dry_run", IsDryRun(r.RsyncOpts),
	}
	if r.Remote != nil {
		logArgs = append(logArgs, "remote_host", r.Remote.Host, "remote_location", r.Remote.Location)
	}
	if len(r.Excludes) > 0 {
		logArgs = append(logArgs, "excludes", strings.Join(r.Excludes, ", "))
	}
	plog.Info("Configuration loaded", logArgs...)
}
