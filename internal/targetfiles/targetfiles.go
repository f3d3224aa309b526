package targetfiles

import (
	"archive/zip"
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

var (
	// ErrMissingEntry is returned when a required target-files entry does not exist
	ErrMissingEntry = errors.New("missing target-files entry")
	// ErrMalformedInfo is returned when an info file cannot be parsed
	ErrMalformedInfo = errors.New("malformed target-files info")
)

// TargetFiles is a read-only view of a target-files archive or its unpacked directory
type TargetFiles struct {
	path   string
	dir    string
	fsys   fs.FS
	closer io.Closer
}

// Open opens a target-files zip or directory
func Open(path string) (*TargetFiles, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return &TargetFiles{path: path, dir: path, fsys: os.DirFS(path)}, nil
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("'%v': %w", path, err)
	}
	return &TargetFiles{path: path, fsys: r, closer: r}, nil
}

// Close releases the underlying archive
func (t *TargetFiles) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// Path returns the path the target-files were opened from
func (t *TargetFiles) Path() string {
	return t.path
}

// FS exposes the target-files tree
func (t *TargetFiles) FS() fs.FS {
	return t.fsys
}

// Exists reports whether name is a regular entry
func (t *TargetFiles) Exists(name string) bool {
	info, err := fs.Stat(t.fsys, name)
	return err == nil && !info.IsDir()
}

// ReadFile returns the contents of name
func (t *TargetFiles) ReadFile(name string) ([]byte, error) {
	data, err := fs.ReadFile(t.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("'%v' in %v: %w", name, t.path, ErrMissingEntry)
	}
	return data, err
}

// Open opens name for streaming
func (t *TargetFiles) Open(name string) (fs.File, error) {
	f, err := t.fsys.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("'%v' in %v: %w", name, t.path, ErrMissingEntry)
	}
	return f, err
}

// Names returns every regular entry, sorted
func (t *TargetFiles) Names() ([]string, error) {
	var names []string
	err := fs.WalkDir(t.fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Extract returns a filesystem path holding name. Directory backed target-files return
// the entry in place, zip entries are copied into workDir.
func (t *TargetFiles) Extract(name, workDir string) (string, error) {
	if t.dir != "" {
		path := filepath.Join(t.dir, filepath.FromSlash(name))
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("'%v' in %v: %w", name, t.path, ErrMissingEntry)
		}
		return path, nil
	}

	in, err := t.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	dest := filepath.Join(workDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return "", err
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", err
	}
	log.Debugf("extracted %v to %v", name, dest)
	return dest, out.Close()
}
