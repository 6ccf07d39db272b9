// Package pathguard validates and confines virtual paths to a user chroot.
// It is the single place that decides whether a protocol-visible path is
// well-formed, inside bounds, invisible, or safe to chmod. All decisions
// operate on explicit absolute paths to avoid `..` surprises downstream.
package pathguard

import (
	"os"
	"path/filepath"
	"strings"

	"gridgate/internal/gateerr"
)

// ordinaryPunct is accepted in any virtual path. safePunct is the subset
// accepted where the value may reach external utilities: no spaces, no
// shell metacharacters.
const (
	ordinaryPunct = "/.,:;+=@_- ()~'"
	safePunct     = "/.+=@_-"
)

// extendedRunes is the curated accented-character set sites may opt into.
const extendedRunes = "ÆØÅæøåÄÖÜäöüßÁÉÍÓÚáéíóúÀÈÌÒÙàèìòùÂÊÎÔÛâêîôûÃÑÕãñõÇç"

// Names hidden from every listing and refused for every operation: auth
// files, trash folders, and internal metadata.
var invisibleFilePrefixes = []string{
	"authorized_keys.",
	"authorized_passwords.",
	"authorized_digests.",
}

var invisibleFiles = map[string]bool{
	".htaccess": true,
}

var invisibleDirs = map[string]bool{
	".trash":        true,
	".gridgate":     true,
	".vgridwiki":    true,
	".vgridscm":     true,
	".vgridtracker": true,
	".vgridforum":   true,
}

// Guard holds the compiled path predicates for one site configuration.
type Guard struct {
	vgridHome string
	ordinary  map[rune]bool
	safe      map[rune]bool
}

// New compiles the character allow-lists once. vgridHome may be empty
// when the site runs without group shares. extendedChars additionally
// accepts the curated accented-character set in ordinary paths.
func New(vgridHome string, extendedChars bool) *Guard {
	g := &Guard{
		vgridHome: strings.TrimRight(vgridHome, string(filepath.Separator)),
		ordinary:  map[rune]bool{},
		safe:      map[rune]bool{},
	}
	for _, r := range ordinaryPunct {
		g.ordinary[r] = true
	}
	for _, r := range safePunct {
		g.safe[r] = true
	}
	if extendedChars {
		for _, r := range extendedRunes {
			g.ordinary[r] = true
		}
	}
	return g
}

func alnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// ValidName fails with ErrInvalidPath when the virtual path contains
// characters outside the ordinary allow-list.
func (g *Guard) ValidName(virtualPath string) error {
	if virtualPath == "" {
		return gateerr.ErrInvalidPath
	}
	for _, r := range virtualPath {
		if !alnum(r) && !g.ordinary[r] {
			return gateerr.ErrInvalidPath
		}
	}
	return nil
}

// ValidSafeName is the stricter variant used where the value will be
// passed to external utilities.
func (g *Guard) ValidSafeName(virtualPath string) error {
	if virtualPath == "" {
		return gateerr.ErrInvalidPath
	}
	for _, r := range virtualPath {
		if !alnum(r) && !g.safe[r] {
			return gateerr.ErrInvalidPath
		}
	}
	return nil
}

// Invisible reports whether any component of path matches the site's
// reserved-names predicate. Invisible entries are hidden from listings
// and refused for all operations.
func Invisible(path string) bool {
	base := filepath.Base(path)
	if invisibleFiles[base] {
		return true
	}
	for _, prefix := range invisibleFilePrefixes {
		if strings.HasPrefix(base, "."+prefix) || strings.HasPrefix(base, prefix) {
			return true
		}
	}
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if invisibleDirs[part] {
			return true
		}
	}
	return false
}

// ResolveUnderChroot canonicalizes requested relative to root and verifies
// the result stays inside root or one of the exception roots. A request
// resolving to root itself is accepted only when allowEqual is set.
// Existing symlink components are expanded and re-checked so a planted
// link cannot smuggle the result outside bounds.
func ResolveUnderChroot(requested, root string, exceptionRoots []string, allowEqual bool) (string, error) {
	if root == "" || !filepath.IsAbs(root) {
		return "", gateerr.ErrOutOfBounds
	}
	rootAbs := filepath.Clean(root)

	// Leading separators must not discard the root on join.
	rel := filepath.FromSlash(strings.TrimLeft(requested, "/\\"))
	abs := filepath.Clean(filepath.Join(rootAbs, rel))

	accepted := append([]string{rootAbs}, exceptionRoots...)
	if !within(abs, accepted, allowEqual, rootAbs) {
		return "", gateerr.ErrOutOfBounds
	}

	// Expand any existing symlink prefix and verify the real location too.
	if existing := nearestExisting(abs); existing != "" {
		real, err := filepath.EvalSymlinks(existing)
		if err != nil {
			return "", gateerr.ErrOutOfBounds
		}
		if !within(filepath.Clean(real), realRoots(accepted), true, rootAbs) {
			return "", gateerr.ErrOutOfBounds
		}
	}
	return abs, nil
}

// within reports whether candidate is under one of roots. Equality with
// the primary root is only accepted when allowEqual is set; equality with
// an exception root is always accepted.
func within(candidate string, roots []string, allowEqual bool, primary string) bool {
	sep := string(filepath.Separator)
	for _, r := range roots {
		if r == "" {
			continue
		}
		r = filepath.Clean(r)
		if candidate == r {
			if r == primary && !allowEqual {
				return false
			}
			return true
		}
		if strings.HasPrefix(candidate, r+sep) {
			return true
		}
	}
	return false
}

// realRoots resolves each accepted root through symlinks so that a chroot
// that is itself a symlink (e.g. an alias home) still matches.
func realRoots(roots []string) []string {
	out := make([]string, 0, 2*len(roots))
	for _, r := range roots {
		out = append(out, r)
		if real, err := filepath.EvalSymlinks(r); err == nil {
			out = append(out, real)
		}
	}
	return out
}

func nearestExisting(p string) string {
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			return cur
		} else if !os.IsNotExist(err) {
			return ""
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}

// AcceptableChmod reports whether a chmod request is safe: it must not
// target invisible entries or exception roots, must not set special bits,
// and must preserve user read+write on files and user read+write+execute
// on directories so users cannot lock themselves out.
func (g *Guard) AcceptableChmod(absPath string, mode os.FileMode, exceptionRoots []string) bool {
	if Invisible(absPath) {
		return false
	}
	sep := string(filepath.Separator)
	for _, r := range exceptionRoots {
		if r != "" && strings.HasPrefix(absPath, filepath.Clean(r)+sep) {
			return false
		}
	}
	if mode&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky) != 0 {
		return false
	}
	fi, err := os.Lstat(absPath)
	if err != nil {
		return false
	}
	if fi.IsDir() {
		return mode.Perm()&0o700 == 0o700
	}
	return mode.Perm()&0o600 == 0o600
}

// VGridShareRoot reports whether absPath is a reserved group-share
// mountpoint: a direct child of the vgrid files home, whose lifecycle is
// managed out-of-band and must survive rename/delete/chmod attempts.
func (g *Guard) VGridShareRoot(absPath string) bool {
	if g.vgridHome == "" {
		return false
	}
	dir := filepath.Dir(filepath.Clean(absPath))
	return dir == g.vgridHome
}
