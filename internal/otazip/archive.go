package otazip

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"github.com/klauspost/compress/flate"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

const (
	// Store writes an entry uncompressed
	Store = zip.Store
	// Deflate compresses an entry
	Deflate = zip.Deflate

	// 2009-01-01 00:00:00 in MS-DOS date/time form
	fixedDate = (2009-1980)<<9 | 1<<5 | 1
	fixedTime = 0
)

var (
	// ErrDuplicateEntry is returned when an entry name is added twice
	ErrDuplicateEntry = errors.New("duplicate zip entry")
	// ErrMissingEntry is returned when a referenced entry is not in the archive
	ErrMissingEntry = errors.New("missing zip entry")
	// ErrInsufficientSpace is returned when finalized property files do not fit their reservation
	ErrInsufficientSpace = errors.New("insufficient space reserved for property files")
	// ErrPropertyFilesMismatch is returned when property files do not address their entries
	ErrPropertyFilesMismatch = errors.New("property files mismatch")
)

// Entry is one file of an Archive, held in memory or read from Path when written
type Entry struct {
	Name   string
	Method uint16
	Data   []byte
	Path   string
}

func (e *Entry) open() (io.ReadCloser, error) {
	if e.Path == "" {
		return io.NopCloser(bytes.NewReader(e.Data)), nil
	}
	return os.Open(e.Path)
}

// Archive is an ordered set of entries written as a byte-for-byte reproducible zip:
// fixed timestamps and permissions, no data descriptors, entries in insertion order.
type Archive struct {
	entries []*Entry
	index   map[string]*Entry
}

// New returns an empty archive
func New() *Archive {
	return &Archive{index: map[string]*Entry{}}
}

func (a *Archive) add(e *Entry) error {
	if _, ok := a.index[e.Name]; ok {
		return fmt.Errorf("'%v': %w", e.Name, ErrDuplicateEntry)
	}
	a.entries = append(a.entries, e)
	a.index[e.Name] = e
	return nil
}

// Add appends an in-memory entry
func (a *Archive) Add(name string, data []byte, method uint16) error {
	return a.add(&Entry{Name: name, Data: data, Method: method})
}

// AddFile appends an entry whose contents are read from path when the archive is written
func (a *Archive) AddFile(name, path string, method uint16) error {
	return a.add(&Entry{Name: name, Path: path, Method: method})
}

// Set replaces the contents of an existing entry
func (a *Archive) Set(name string, data []byte) error {
	e, ok := a.index[name]
	if !ok {
		return fmt.Errorf("'%v': %w", name, ErrMissingEntry)
	}
	e.Data, e.Path = data, ""
	return nil
}

// Entry returns the named entry
func (a *Archive) Entry(name string) (*Entry, bool) {
	e, ok := a.index[name]
	return e, ok
}

// Names returns the entry names in archive order
func (a *Archive) Names() []string {
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Name)
	}
	return out
}

// size returns an upper bound of the data size of e
func (e *Entry) size() (int64, error) {
	if e.Path == "" {
		return int64(len(e.Data)), nil
	}
	info, err := os.Stat(e.Path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// WriteTo writes the archive
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	zw := zip.NewWriter(cw)
	for _, e := range a.entries {
		if err := writeEntry(zw, e); err != nil {
			return cw.n, fmt.Errorf("'%v': %w", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// WriteFile writes the archive to path
func (a *Archive) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := a.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeEntry(zw *zip.Writer, e *Entry) error {
	r, err := e.open()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	fh := &zip.FileHeader{
		Name:         e.Name,
		Method:       e.Method,
		ModifiedDate: fixedDate,
		ModifiedTime: fixedTime,
	}
	fh.SetMode(0644)

	if e.Method == Store {
		// first pass for the checksum so the local header carries final sizes
		crc := crc32.NewIEEE()
		n, err := io.Copy(crc, r)
		if err != nil {
			return err
		}
		fh.CRC32 = crc.Sum32()
		fh.CompressedSize64, fh.UncompressedSize64 = uint64(n), uint64(n)
		r2, err := e.open()
		if err != nil {
			return err
		}
		defer func() { _ = r2.Close() }()
		out, err := zw.CreateRaw(fh)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, r2)
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}
	fh.CRC32 = crc32.ChecksumIEEE(data)
	fh.UncompressedSize64 = uint64(len(data))
	fh.CompressedSize64 = uint64(compressed.Len())
	out, err := zw.CreateRaw(fh)
	if err != nil {
		return err
	}
	_, err = out.Write(compressed.Bytes())
	return err
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
