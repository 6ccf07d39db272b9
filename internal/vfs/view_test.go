// Package vfs tests cover confinement, invisibility, read-only mode,
// and data protection logging.
package vfs

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gridgate/internal/gateerr"
	"gridgate/internal/gdp"
	"gridgate/internal/pathguard"
)

func testView(t *testing.T, opt Options) (*View, string) {
	t.Helper()
	if opt.Root == "" {
		opt.Root = t.TempDir()
	}
	return New(opt), opt.Root
}

// TestViewConfinement blocks traversal outside the chroot.
func TestViewConfinement(t *testing.T) {
	v, root := testView(t, Options{})
	if err := os.WriteFile(filepath.Join(root, "ok.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := v.Open("ok.txt"); err != nil {
		t.Fatalf("Open inside chroot: %v", err)
	}
	if _, err := v.Open("../../etc/passwd"); !errors.Is(err, gateerr.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if _, err := v.Open("bad|name"); !errors.Is(err, gateerr.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

// TestViewHidesInvisibleEntries filters listings and refuses access.
func TestViewHidesInvisibleEntries(t *testing.T) {
	v, root := testView(t, Options{})
	for _, name := range []string{"visible.txt", ".authorized_keys.sftp", ".htaccess"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	f, err := v.Open("/")
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	defer f.Close()
	infos, err := f.Readdir(-1)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(infos) != 1 || infos[0].Name() != "visible.txt" {
		t.Fatalf("expected only visible.txt, got %d entries", len(infos))
	}
	if _, err := v.Open(".authorized_keys.sftp"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := v.Remove(".htaccess"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden on remove, got %v", err)
	}
}

// TestViewReadOnly refuses every mutation.
func TestViewReadOnly(t *testing.T) {
	v, root := testView(t, Options{ReadOnly: true})
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := v.Open("f.txt"); err != nil {
		t.Fatalf("read in read-only view: %v", err)
	}
	if _, err := v.Create("new.txt"); !errors.Is(err, gateerr.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := v.Remove("f.txt"); !errors.Is(err, gateerr.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly on remove, got %v", err)
	}
	if err := v.Rename("f.txt", "g.txt"); !errors.Is(err, gateerr.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly on rename, got %v", err)
	}
}

// TestViewRemoveAllRoot never deletes the chroot itself.
func TestViewRemoveAllRoot(t *testing.T) {
	v, _ := testView(t, Options{})
	if err := v.RemoveAll("/"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

// TestViewChmodGuard refuses lockouts through the chmod predicate.
func TestViewChmodGuard(t *testing.T) {
	v, root := testView(t, Options{})
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := v.Chmod("f.txt", 0o644); err != nil {
		t.Fatalf("Chmod 0644: %v", err)
	}
	if err := v.Chmod("f.txt", 0o000); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected lockout chmod refused, got %v", err)
	}
}

// TestViewShareRootProtected keeps group share mountpoints intact.
func TestViewShareRootProtected(t *testing.T) {
	vgridHome := t.TempDir()
	share := filepath.Join(vgridHome, "eScience")
	if err := os.MkdirAll(share, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	v := New(Options{
		Root:           vgridHome,
		ExceptionRoots: []string{vgridHome},
		Guard:          pathguard.New(vgridHome, false),
	})
	if err := v.Remove("eScience"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected share root protected, got %v", err)
	}
	if err := v.Rename("eScience", "stolen"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected share root rename refused, got %v", err)
	}
	// Content inside the share stays writable.
	if err := v.Mkdir("eScience/data", 0o700); err != nil {
		t.Fatalf("Mkdir inside share: %v", err)
	}
}

// TestViewSymlinkMutationRefused keeps symlinks untouchable: remove,
// rename and chmod on a link fail regardless of where it points, while
// reading through it still works.
func TestViewSymlinkMutationRefused(t *testing.T) {
	v, root := testView(t, Options{})
	if err := os.WriteFile(filepath.Join(root, "target.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "target.txt"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := v.Open("link"); err != nil {
		t.Fatalf("read through link: %v", err)
	}
	if err := v.Remove("link"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected link remove refused, got %v", err)
	}
	if err := v.Rename("link", "moved"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected link rename refused, got %v", err)
	}
	if err := v.Rename("target.txt", "link"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected rename onto link refused, got %v", err)
	}
	if err := v.Chmod("link", 0o644); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected link chmod refused, got %v", err)
	}

	// A link escaping the chroot is refused the same way.
	if err := os.Symlink("/etc/passwd", filepath.Join(root, "escape")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := v.Remove("escape"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected escaping link remove refused, got %v", err)
	}
}

// TestViewLogsOutOfBounds emits an error line with the offending
// virtual path.
func TestViewLogsOutOfBounds(t *testing.T) {
	var buf bytes.Buffer
	v, _ := testView(t, Options{
		Log: slog.New(slog.NewTextHandler(&buf, nil)),
	})
	if _, err := v.Open("../../etc/passwd"); !errors.Is(err, gateerr.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "../../etc/passwd") {
		t.Fatalf("expected error line with path, got %q", out)
	}
}

// TestViewDataLog records accesses and refuses when the log is broken.
func TestViewDataLog(t *testing.T) {
	logDir := t.TempDir()
	dl, err := gdp.NewDataLogger(logDir, nil)
	if err != nil {
		t.Fatalf("NewDataLogger: %v", err)
	}
	v, root := testView(t, Options{
		DataLog: dl,
		User:    "alice@example.org",
		Project: "genomics",
	})
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := v.Open("f.txt"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(logDir, "genomics.log"))
	if err != nil || len(raw) == 0 {
		t.Fatalf("expected data log line, err=%v", err)
	}

	if os.Getuid() == 0 {
		t.Skip("running as root ignores directory permissions")
	}
	// Break the log: no file to append to and no way to create one.
	if err := os.Remove(filepath.Join(logDir, "genomics.log")); err != nil {
		t.Fatalf("remove log: %v", err)
	}
	if err := os.Chmod(logDir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(logDir, 0o700)
	if _, err := v.Open("f.txt"); !errors.Is(err, gateerr.ErrForbidden) {
		t.Fatalf("expected refused op on broken data log, got %v", err)
	}
}
