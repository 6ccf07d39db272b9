package vfs

import (
	"context"
	"os"

	"golang.org/x/net/webdav"
)

// DavFS adapts a View to webdav.FileSystem.
type DavFS struct {
	view *View
}

var _ webdav.FileSystem = (*DavFS)(nil)

// NewDavFS wraps a view for the WebDAV handler.
func NewDavFS(v *View) *DavFS {
	return &DavFS{view: v}
}

func (fs *DavFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return fs.view.Mkdir(name, perm)
}

func (fs *DavFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	f, err := fs.view.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (fs *DavFS) RemoveAll(ctx context.Context, name string) error {
	return fs.view.RemoveAll(name)
}

func (fs *DavFS) Rename(ctx context.Context, oldName, newName string) error {
	return fs.view.Rename(oldName, newName)
}

func (fs *DavFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	return fs.view.Stat(name)
}
