package ota

import (
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// Workspace is the temp directory a build extracts and writes into. It is removed by Close.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a workspace under parent, or the system temp dir when empty
func NewWorkspace(parent string) (*Workspace, error) {
	dir, err := os.MkdirTemp(parent, "otatools-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	log.Debugf("workspace %v", dir)
	return &Workspace{Dir: dir}, nil
}

// Path joins elem under the workspace
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Dir}, elem...)...)
}

// Subdir creates and returns a directory under the workspace
func (w *Workspace) Subdir(name string) (string, error) {
	dir := w.Path(name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// Close removes the workspace and everything in it
func (w *Workspace) Close() error {
	return os.RemoveAll(w.Dir)
}

// moveFile renames src to dst, copying when they are on different filesystems. dst only
// ever appears complete.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	tmp := dst + ".tmp"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
