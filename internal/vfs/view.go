// Package vfs is the chrooted filesystem view every protocol front-end
// serves from. All paths are validated and confined by pathguard before
// touching the OS, invisible entries never leave the view, and data
// protection mode appends its access record before any operation runs.
package vfs

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"gridgate/internal/gateerr"
	"gridgate/internal/gdp"
	"gridgate/internal/metrics"
	"gridgate/internal/pathguard"
)

// Options configures one user's view.
type Options struct {
	Root           string
	ExceptionRoots []string
	ReadOnly       bool
	Guard          *pathguard.Guard

	// Data protection mode: every operation is recorded for User and
	// Project, and refused when the record cannot be written.
	DataLog *gdp.DataLogger
	User    string
	Project string

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// View implements afero.Fs over one chroot.
type View struct {
	root       string
	exceptions []string
	readOnly   bool
	guard      *pathguard.Guard
	osfs       afero.Fs

	dataLog *gdp.DataLogger
	user    string
	project string
	metrics *metrics.Metrics
	log     *slog.Logger
}

var _ afero.Fs = (*View)(nil)

// New builds a view rooted at opt.Root.
func New(opt Options) *View {
	g := opt.Guard
	if g == nil {
		g = pathguard.New("", false)
	}
	lg := opt.Log
	if lg == nil {
		lg = slog.Default()
	}
	return &View{
		root:       filepath.Clean(opt.Root),
		exceptions: opt.ExceptionRoots,
		readOnly:   opt.ReadOnly,
		guard:      g,
		osfs:       afero.NewOsFs(),
		dataLog:    opt.DataLog,
		user:       opt.User,
		project:    opt.Project,
		metrics:    opt.Metrics,
		log:        lg,
	}
}

// Root returns the chroot this view serves.
func (v *View) Root() string { return v.root }

// resolve maps a virtual name to a confined absolute path.
func (v *View) resolve(name string) (string, error) {
	if err := v.guard.ValidName(name); err != nil {
		return "", err
	}
	if pathguard.Invisible(name) {
		return "", gateerr.ErrForbidden
	}
	return v.confine(name)
}

// confine runs the chroot check, logging every out-of-bounds request
// with the offending virtual path.
func (v *View) confine(name string) (string, error) {
	abs, err := pathguard.ResolveUnderChroot(name, v.root, v.exceptions, true)
	if err != nil && errors.Is(err, gateerr.ErrOutOfBounds) {
		v.log.Error("path out of bounds", "path", name, "user", v.user)
	}
	return abs, err
}

// resolveMutable additionally enforces read-only mode, refuses symlink
// final components, and protects group share mountpoints from
// modification.
func (v *View) resolveMutable(name string) (string, error) {
	if err := v.guard.ValidName(name); err != nil {
		return "", err
	}
	if pathguard.Invisible(name) {
		return "", gateerr.ErrForbidden
	}
	if v.readOnly {
		return "", gateerr.ErrReadOnly
	}
	// Symbolic links are never followed for rename, delete, chmod or
	// any other mutation, wherever they point. The lexical path is
	// checked so a link with an out-of-bounds target is refused as
	// forbidden too.
	lex := filepath.Join(v.root, filepath.FromSlash(strings.TrimLeft(name, "/\\")))
	if fi, err := os.Lstat(lex); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return "", gateerr.ErrForbidden
	}
	abs, err := v.confine(name)
	if err != nil {
		return "", err
	}
	if v.guard.VGridShareRoot(abs) {
		return "", gateerr.ErrForbidden
	}
	return abs, nil
}

// record appends the data protection log line for one operation and
// refuses the operation when the line cannot be written.
func (v *View) record(action, name, target string) error {
	if v.dataLog == nil {
		return nil
	}
	return v.dataLog.Record(v.user, v.project, action, name, target)
}

func (v *View) Name() string { return "gridgate-view" }

func (v *View) Create(name string) (afero.File, error) {
	abs, err := v.resolveMutable(name)
	if err != nil {
		v.metrics.ObserveFSOp("create", err)
		return nil, err
	}
	if err := v.record(gdp.ActionCreated, name, ""); err != nil {
		return nil, err
	}
	f, err := v.osfs.Create(abs)
	v.metrics.ObserveFSOp("create", err)
	if err != nil {
		return nil, err
	}
	return &file{File: f, view: v}, nil
}

func (v *View) Open(name string) (afero.File, error) {
	abs, err := v.resolve(name)
	if err != nil {
		v.metrics.ObserveFSOp("open", err)
		return nil, err
	}
	if err := v.record(gdp.ActionAccessed, name, ""); err != nil {
		return nil, err
	}
	f, err := v.osfs.Open(abs)
	v.metrics.ObserveFSOp("open", err)
	if err != nil {
		return nil, err
	}
	return &file{File: f, view: v}, nil
}

func (v *View) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	writing := flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0
	var abs string
	var err error
	if writing {
		abs, err = v.resolveMutable(name)
	} else {
		abs, err = v.resolve(name)
	}
	if err != nil {
		v.metrics.ObserveFSOp("openfile", err)
		return nil, err
	}
	action := gdp.ActionAccessed
	if flag&os.O_CREATE != 0 {
		action = gdp.ActionCreated
	} else if writing {
		action = gdp.ActionModified
	}
	if err := v.record(action, name, ""); err != nil {
		return nil, err
	}
	f, err := v.osfs.OpenFile(abs, flag, perm)
	v.metrics.ObserveFSOp("openfile", err)
	if err != nil {
		return nil, err
	}
	return &file{File: f, view: v}, nil
}

func (v *View) Mkdir(name string, perm os.FileMode) error {
	abs, err := v.resolveMutable(name)
	if err != nil {
		v.metrics.ObserveFSOp("mkdir", err)
		return err
	}
	if err := v.record(gdp.ActionCreated, name, ""); err != nil {
		return err
	}
	err = v.osfs.Mkdir(abs, perm)
	v.metrics.ObserveFSOp("mkdir", err)
	return err
}

func (v *View) MkdirAll(path string, perm os.FileMode) error {
	abs, err := v.resolveMutable(path)
	if err != nil {
		v.metrics.ObserveFSOp("mkdir", err)
		return err
	}
	if err := v.record(gdp.ActionCreated, path, ""); err != nil {
		return err
	}
	err = v.osfs.MkdirAll(abs, perm)
	v.metrics.ObserveFSOp("mkdir", err)
	return err
}

func (v *View) Remove(name string) error {
	abs, err := v.resolveMutable(name)
	if err != nil {
		v.metrics.ObserveFSOp("remove", err)
		return err
	}
	if err := v.record(gdp.ActionDeleted, name, ""); err != nil {
		return err
	}
	err = v.osfs.Remove(abs)
	v.metrics.ObserveFSOp("remove", err)
	return err
}

func (v *View) RemoveAll(path string) error {
	abs, err := v.resolveMutable(path)
	if err != nil {
		v.metrics.ObserveFSOp("remove", err)
		return err
	}
	// Never take out the chroot itself.
	if abs == v.root {
		return gateerr.ErrForbidden
	}
	if err := v.record(gdp.ActionDeleted, path, ""); err != nil {
		return err
	}
	err = v.osfs.RemoveAll(abs)
	v.metrics.ObserveFSOp("remove", err)
	return err
}

func (v *View) Rename(oldname, newname string) error {
	oldAbs, err := v.resolveMutable(oldname)
	if err != nil {
		v.metrics.ObserveFSOp("rename", err)
		return err
	}
	newAbs, err := v.resolveMutable(newname)
	if err != nil {
		v.metrics.ObserveFSOp("rename", err)
		return err
	}
	if err := v.record(gdp.ActionMoved, oldname, newname); err != nil {
		return err
	}
	err = v.osfs.Rename(oldAbs, newAbs)
	v.metrics.ObserveFSOp("rename", err)
	return err
}

func (v *View) Stat(name string) (os.FileInfo, error) {
	abs, err := v.resolve(name)
	if err != nil {
		v.metrics.ObserveFSOp("stat", err)
		return nil, err
	}
	fi, err := v.osfs.Stat(abs)
	v.metrics.ObserveFSOp("stat", err)
	return fi, err
}

func (v *View) Chmod(name string, mode os.FileMode) error {
	abs, err := v.resolveMutable(name)
	if err != nil {
		v.metrics.ObserveFSOp("chmod", err)
		return err
	}
	if !v.guard.AcceptableChmod(abs, mode, v.exceptions) {
		v.metrics.ObserveFSOp("chmod", gateerr.ErrForbidden)
		return gateerr.ErrForbidden
	}
	if err := v.record(gdp.ActionModified, name, ""); err != nil {
		return err
	}
	err = v.osfs.Chmod(abs, mode)
	v.metrics.ObserveFSOp("chmod", err)
	return err
}

func (v *View) Chown(name string, uid, gid int) error {
	return errors.New("chown not supported")
}

func (v *View) Chtimes(name string, atime, mtime time.Time) error {
	abs, err := v.resolveMutable(name)
	if err != nil {
		v.metrics.ObserveFSOp("chtimes", err)
		return err
	}
	if err := v.record(gdp.ActionModified, name, ""); err != nil {
		return err
	}
	err = v.osfs.Chtimes(abs, atime, mtime)
	v.metrics.ObserveFSOp("chtimes", err)
	return err
}

// Truncate resizes a file, for SFTP Setstat size requests.
func (v *View) Truncate(name string, size int64) error {
	abs, err := v.resolveMutable(name)
	if err != nil {
		return err
	}
	if err := v.record(gdp.ActionModified, name, ""); err != nil {
		return err
	}
	return os.Truncate(abs, size)
}

// file wraps afero.File to hide invisible entries from listings.
type file struct {
	afero.File
	view *View
}

func (f *file) Readdir(count int) ([]os.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	if err != nil {
		return infos, err
	}
	out := infos[:0]
	for _, fi := range infos {
		if pathguard.Invisible(fi.Name()) {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

func (f *file) Readdirnames(n int) ([]string, error) {
	names, err := f.File.Readdirnames(n)
	if err != nil {
		return names, err
	}
	out := names[:0]
	for _, name := range names {
		if pathguard.Invisible(name) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}
