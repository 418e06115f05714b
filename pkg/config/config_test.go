package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/wshanks/wsbackup/pkg/retention"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "backup.yml", `
sources:
  - /home/user/docs
destination: /mnt/backup
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ID != DefaultID {
		t.Errorf("ID = %q, want %q", cfg.ID, DefaultID)
	}
	if want := filepath.Join(dir, DefaultID+".lck"); cfg.LockPath != want {
		t.Errorf("LockPath = %q, want %q", cfg.LockPath, want)
	}
	if want := filepath.Join(dir, DefaultID+".log"); cfg.Logfile.Path != want {
		t.Errorf("Logfile.Path = %q, want %q", cfg.Logfile.Path, want)
	}
	if cfg.Logfile.MaxBytes != 1e6 || cfg.Logfile.BackupCount != 5 {
		t.Errorf("Logfile defaults = %+v", cfg.Logfile)
	}
	if cfg.Remote != nil {
		t.Errorf("Remote = %+v, want nil", cfg.Remote)
	}
	if !reflect.DeepEqual(cfg.RsyncOpts, defaultRsyncOpts) {
		t.Errorf("RsyncOpts = %v, want defaults %v", cfg.RsyncOpts, defaultRsyncOpts)
	}
	if !reflect.DeepEqual(cfg.Tiers, retention.DefaultTiers()) {
		t.Errorf("Tiers = %v, want defaults", cfg.Tiers)
	}
}

func TestLoadFullDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "media.yml", `
id: media
sources:
  - /srv/photos
  - /srv/videos
destination: /backups/media
remote:
  host: nas.local
  location: dest
excludes:
  - /etc/wsbackup/global.xcl
rsync_opts:
  - no--delete
  - --compress
aging_params:
  - [0.5/24, 2]
  - [1, 14]
  - [7, -1]
lockfile: /run/media.lck
logfile:
  path: /var/log/media.log
  max_bytes: 5e6
  backup_count: 3
  copy_to_dest: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ID != "media" {
		t.Errorf("ID = %q, want media", cfg.ID)
	}
	if !cfg.RemoteIs(RemoteDest) || cfg.Remote.Host != "nas.local" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.LockPath != "/run/media.lck" {
		t.Errorf("LockPath = %q", cfg.LockPath)
	}

	wantLog := LogfileSettings{Path: "/var/log/media.log", MaxBytes: 5e6, BackupCount: 3, CopyToDest: true}
	if cfg.Logfile != wantLog {
		t.Errorf("Logfile = %+v, want %+v", cfg.Logfile, wantLog)
	}

	wantTiers := []retention.Tier{
		{Spacing: 30 * time.Minute, Bound: 48 * time.Hour},
		{Spacing: 24 * time.Hour, Bound: 14 * 24 * time.Hour},
		{Spacing: 7 * 24 * time.Hour, Bound: 0},
	}
	if !reflect.DeepEqual(cfg.Tiers, wantTiers) {
		t.Errorf("Tiers = %v, want %v", cfg.Tiers, wantTiers)
	}

	for _, opt := range cfg.RsyncOpts {
		if opt == "--delete" {
			t.Errorf("negated --delete survived: %v", cfg.RsyncOpts)
		}
	}
	if cfg.RsyncOpts[len(cfg.RsyncOpts)-1] != "--compress" {
		t.Errorf("override not appended: %v", cfg.RsyncOpts)
	}
}

func TestResolveValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
	}{
		{"no sources", Raw{Destination: "/b"}},
		{"no destination", Raw{Sources: []string{"/a"}}},
		{"remote missing host", Raw{
			Sources: []string{"/a"}, Destination: "/b",
			Remote: &RawRemote{Location: RemoteDest},
		}},
		{"remote missing location", Raw{
			Sources: []string{"/a"}, Destination: "/b",
			Remote: &RawRemote{Host: "nas"},
		}},
		{"remote bad location", Raw{
			Sources: []string{"/a"}, Destination: "/b",
			Remote: &RawRemote{Host: "nas", Location: "both"},
		}},
		{"aging params not pairs", Raw{
			Sources: []string{"/a"}, Destination: "/b",
			AgingParams: [][]any{{1}},
		}},
		{"aging params bad expression", Raw{
			Sources: []string{"/a"}, Destination: "/b",
			AgingParams: [][]any{{"1+1", -1}},
		}},
		{"aging params bounds not increasing", Raw{
			Sources: []string{"/a"}, Destination: "/b",
			AgingParams: [][]any{{1, 14}, {7, 7}},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(tc.raw, t.TempDir())
			if err == nil {
				t.Fatal("Resolve succeeded, want error")
			}
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Errorf("error type = %T, want *Error", err)
			}
		})
	}
}

func TestExcludeFileDiscovery(t *testing.T) {
	dir := t.TempDir()
	xcl := writeConfig(t, dir, "mirror.xcl", "*.tmp\n")

	raw := Raw{ID: "mirror", Sources: []string{"/a"}, Destination: "/b"}
	cfg, err := Resolve(raw, dir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.Excludes, []string{xcl}) {
		t.Errorf("Excludes = %v, want [%s]", cfg.Excludes, xcl)
	}

	// Listing the same file explicitly must not duplicate it.
	raw.Excludes = []string{xcl}
	cfg, err = Resolve(raw, dir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.Excludes, []string{xcl}) {
		t.Errorf("Excludes = %v, want [%s]", cfg.Excludes, xcl)
	}
}

func TestExcludeFileAbsent(t *testing.T) {
	raw := Raw{Sources: []string{"/a"}, Destination: "/b"}
	cfg, err := Resolve(raw, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(cfg.Excludes) != 0 {
		t.Errorf("Excludes = %v, want none", cfg.Excludes)
	}
}

func TestLogfileStringForms(t *testing.T) {
	workingDir := t.TempDir()
	logDir := t.TempDir()

	// An existing directory gets <id>.log appended.
	raw := Raw{ID: "x", Sources: []string{"/a"}, Destination: "/b", Logfile: logDir}
	cfg, err := Resolve(raw, workingDir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if want := filepath.Join(logDir, "x.log"); cfg.Logfile.Path != want {
		t.Errorf("Logfile.Path = %q, want %q", cfg.Logfile.Path, want)
	}

	// A relative file name is resolved against the working directory.
	raw.Logfile = "runs.log"
	cfg, err = Resolve(raw, workingDir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if want := filepath.Join(workingDir, "runs.log"); cfg.Logfile.Path != want {
		t.Errorf("Logfile.Path = %q, want %q", cfg.Logfile.Path, want)
	}

	// An absolute file path is taken as-is, never rerooted under the
	// working directory, even when the file does not exist yet.
	abs := filepath.Join(logDir, "runs.log")
	raw.Logfile = abs
	cfg, err = Resolve(raw, workingDir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.Logfile.Path != abs {
		t.Errorf("Logfile.Path = %q, want %q", cfg.Logfile.Path, abs)
	}
}

func TestMergeOpts(t *testing.T) {
	tests := []struct {
		name      string
		opts      []string
		overrides []string
		want      []string
	}{
		{
			"append flag",
			[]string{"--archive"},
			[]string{"--compress"},
			[]string{"--archive", "--compress"},
		},
		{
			"negation removes exact flag",
			[]string{"--archive", "--delete"},
			[]string{"no--delete"},
			[]string{"--archive"},
		},
		{
			"negation removes prefixed variants",
			[]string{"--archive", "--chmod=u+rw"},
			[]string{"no--chmod"},
			[]string{"--archive"},
		},
		{
			"negation adds nothing when absent",
			[]string{"--archive"},
			[]string{"no--delete"},
			[]string{"--archive"},
		},
		{
			"non-flag override ignored",
			[]string{"--archive"},
			[]string{"verbose"},
			[]string{"--archive"},
		},
		{
			"negate then re-add",
			[]string{"--delete"},
			[]string{"no--delete", "--delete-after"},
			[]string{"--delete-after"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := MergeOpts(tc.opts, tc.overrides)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("MergeOpts(%v, %v) = %v, want %v", tc.opts, tc.overrides, got, tc.want)
			}
		})
	}
}

func TestMergeOptsDoesNotMutateInput(t *testing.T) {
	opts := []string{"--archive", "--delete"}
	MergeOpts(opts, []string{"no--delete"})
	if !reflect.DeepEqual(opts, []string{"--archive", "--delete"}) {
		t.Errorf("input slice mutated: %v", opts)
	}
}

func TestIsDryRun(t *testing.T) {
	tests := []struct {
		opts []string
		want bool
	}{
		{[]string{"--archive"}, false},
		{[]string{"--archive", "-n"}, true},
		{[]string{"--dry-run"}, true},
		{[]string{" --dry-run "}, true},
		{[]string{"--dry-run=yes"}, false},
		{nil, false},
	}
	for _, tc := range tests {
		if got := IsDryRun(tc.opts); got != tc.want {
			t.Errorf("IsDryRun(%v) = %v, want %v", tc.opts, got, tc.want)
		}
	}
}
