package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wshanks/wsbackup/pkg/config"
)

func TestRunLocalDestination(t *testing.T) {
	dest := t.TempDir()
	cfg := &config.Resolved{Sources: []string{"/src"}, Destination: dest}

	if err := NewValidator().Run(context.Background(), cfg); err != nil {
		t.Errorf("Run failed on existing destination: %v", err)
	}
}

func TestRunLocalDestinationMissing(t *testing.T) {
	cfg := &config.Resolved{
		Sources:     []string{"/src"},
		Destination: filepath.Join(t.TempDir(), "missing"),
	}

	err := NewValidator().Run(context.Background(), cfg)
	var vErr *Error
	if !errors.As(err, &vErr) {
		t.Fatalf("Run error = %v, want *Error", err)
	}
	if vErr.Path != cfg.Destination {
		t.Errorf("Error.Path = %q, want %q", vErr.Path, cfg.Destination)
	}
}

func TestRunLocalDestinationIsFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(dest, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Resolved{Sources: []string{"/src"}, Destination: dest}

	if err := NewValidator().Run(context.Background(), cfg); err == nil {
		t.Error("Run succeeded on a plain file destination, want error")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Path: "/b"}, "path /b does not exist"},
		{&Error{Host: "nas", Path: "/b"}, "path /b does not exist on nas"},
		{&Error{Host: "nas", Reason: "connection refused"}, "connection refused"},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); !strings.Contains(got, tc.want) {
			t.Errorf("Error() = %q, want it to contain %q", got, tc.want)
		}
	}
}
