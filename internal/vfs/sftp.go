package vfs

import (
	"errors"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// Handlers implements sftp.Handlers over a View.
type Handlers struct {
	view *View
}

// NewHandlers wraps a view for the SFTP request server.
func NewHandlers(v *View) sftp.Handlers {
	h := Handlers{view: v}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

// Fileread opens a file for reading inside the view.
func (h Handlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	f, err := h.view.OpenFile(r.Filepath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Filewrite opens a file for writing inside the view.
func (h Handlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	pf := r.Pflags()
	flags := 0
	if pf.Read && pf.Write {
		flags |= os.O_RDWR
	} else if pf.Write {
		flags |= os.O_WRONLY
	} else {
		flags |= os.O_RDONLY
	}
	if pf.Creat {
		flags |= os.O_CREATE
	}
	if pf.Trunc {
		flags |= os.O_TRUNC
	}
	if pf.Excl {
		flags |= os.O_EXCL
	}

	// Never O_APPEND with WriterAt.
	f, err := h.view.OpenFile(r.Filepath, flags, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Filecmd handles mutations: rename, mkdir, remove, and setstat.
func (h Handlers) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		attrs := r.Attributes()
		flags := r.AttrFlags()
		if flags.Permissions {
			if err := h.view.Chmod(r.Filepath, attrs.FileMode()); err != nil {
				return err
			}
		}
		if flags.Size {
			if err := h.view.Truncate(r.Filepath, int64(attrs.Size)); err != nil {
				return err
			}
		}
		if flags.Acmodtime {
			if err := h.view.Chtimes(r.Filepath, attrs.AccessTime(), attrs.ModTime()); err != nil {
				return err
			}
		}
		if flags.UidGid {
			return errors.New("chown not supported")
		}
		return nil
	case "Rename":
		return h.view.Rename(r.Filepath, r.Target)
	case "Rmdir":
		return h.view.Remove(r.Filepath)
	case "Mkdir":
		return h.view.Mkdir(r.Filepath, 0o700)
	case "Remove":
		return h.view.Remove(r.Filepath)
	case "Link", "Symlink":
		return errors.New("links not supported")
	default:
		return errors.New("unsupported command")
	}
}

// Filelist lists directories or stats entries inside the view.
func (h Handlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		f, err := h.view.Open(r.Filepath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		infos, err := f.Readdir(-1)
		if err != nil {
			return nil, err
		}
		return staticLister(infos), nil
	case "Stat":
		fi, err := h.view.Stat(r.Filepath)
		if err != nil {
			return nil, err
		}
		return staticLister([]os.FileInfo{fi}), nil
	case "Readlink":
		return nil, errors.New("readlink not supported")
	default:
		return nil, errors.New("unsupported list")
	}
}

// staticLister serves a fixed FileInfo slice with pagination.
type staticLister []os.FileInfo

func (l staticLister) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset < 0 || offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if int64(n)+offset >= int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}
