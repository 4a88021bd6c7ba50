package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cumulusfs/cumulus/internal/logging"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte(strings.Repeat("x", 5000)), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRunWritesDescriptorChecksumsAndDBMeta(t *testing.T) {
	srcRoot := t.TempDir()
	writeTree(t, srcRoot)

	dest := t.TempDir()
	tmp := t.TempDir()

	opts := Options{
		Dest:   dest,
		TmpDir: tmp,
		Scheme: "daily",
		Paths:  []string{srcRoot},
	}

	result, err := Run(opts, logging.New(false, false))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Root.IsNull() {
		t.Error("expected a non-null root reference")
	}
	if len(result.Segments) == 0 {
		t.Error("expected at least one used segment")
	}

	for _, remote := range []string{result.DescriptorPath, result.ChecksumsPath, result.DBMetaPath} {
		if _, err := os.Stat(filepath.Join(dest, remote)); err != nil {
			t.Errorf("expected %s to exist: %v", remote, err)
		}
	}

	descriptor, err := os.ReadFile(filepath.Join(dest, result.DescriptorPath))
	if err != nil {
		t.Fatalf("reading descriptor: %v", err)
	}
	text := string(descriptor)
	for _, want := range []string{"Format: Cumulus Snapshot", "Producer: Cumulus", "Scheme: daily", "Root: ", "Segments:"} {
		if !strings.Contains(text, want) {
			t.Errorf("descriptor missing %q:\n%s", want, text)
		}
	}

	if _, err := os.Stat(filepath.Join(dest, "localdb.sqlite")); err != nil {
		t.Errorf("expected local db to exist: %v", err)
	}
}

func TestRunDryRunWritesNoSegmentsOrDescriptor(t *testing.T) {
	srcRoot := t.TempDir()
	writeTree(t, srcRoot)

	dest := t.TempDir()
	tmp := t.TempDir()

	opts := Options{
		Dest:   dest,
		TmpDir: tmp,
		Paths:  []string{srcRoot},
		DryRun: true,
	}

	result, err := Run(opts, logging.New(false, false))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dest, "segments"))
	if err == nil && len(entries) != 0 {
		t.Errorf("dry run should not have written any segments, found %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dest, result.DescriptorPath)); !os.IsNotExist(err) {
		t.Errorf("dry run should not have written a descriptor")
	}
}

func TestRunRejectsConflictingDestinations(t *testing.T) {
	opts := Options{
		Dest:         "/tmp/dest",
		UploadScript: "cat",
		Paths:        []string{"/tmp"},
	}
	if _, err := Run(opts, logging.New(false, false)); err == nil {
		t.Error("expected an error when both Dest and UploadScript are set")
	}
}

func TestRunRejectsNoPaths(t *testing.T) {
	opts := Options{Dest: t.TempDir()}
	if _, err := Run(opts, logging.New(false, false)); err == nil {
		t.Error("expected an error when no paths are given")
	}
}
