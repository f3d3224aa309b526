package sparse

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"io"
	"sort"
)

const (
	// BlockSize is the unit of all image I/O
	BlockSize = 4096
)

var (
	// ErrInvalidSparseImage is returned when an image file is malformed
	ErrInvalidSparseImage = errors.New("invalid sparse image")
	// ErrOutOfRange is returned when blocks past the end of the image or outside the care map are read
	ErrOutOfRange = errors.New("block range out of image")
	// ErrFileMapOverlap is returned when two files of a block map claim the same blocks and sharing is not allowed
	ErrFileMapOverlap = errors.New("block map files overlap")
	// ErrNoFileMap is returned when a file map is needed but was never loaded
	ErrNoFileMap = errors.New("image has no file map")
)

// Options configures how an image is opened
type Options struct {
	// ClobberedBlocks are always rewritten by an update even if they did not change
	ClobberedBlocks rangeset.RangeSet
}

// Image is a read-only view over a partition image. It is safe for concurrent reads
// once its file map has been loaded.
type Image struct {
	name            string
	r               io.ReaderAt
	closer          io.Closer
	totalBlocks     int
	chunks          []chunk
	careMap         rangeset.RangeSet
	clobberedBlocks rangeset.RangeSet
	hashtreeRange   rangeset.RangeSet
	fileMap         map[string]rangeset.RangeSet
}

func newImage(name string, r io.ReaderAt, closer io.Closer, totalBlocks int, chunks []chunk, opts Options) *Image {
	var care [][2]int
	for _, c := range chunks {
		if c.kind != chunkTypeDontCare && c.blocks > 0 {
			care = append(care, [2]int{c.start, c.end()})
		}
	}
	careMap := rangeset.FromPairs(care)
	return &Image{
		name:            name,
		r:               r,
		closer:          closer,
		totalBlocks:     totalBlocks,
		chunks:          chunks,
		careMap:         careMap,
		clobberedBlocks: opts.ClobberedBlocks.Intersect(careMap),
	}
}

// NewDataImage wraps an in-memory image. A trailing partial block is padded with zeros.
func NewDataImage(name string, data []byte, opts Options) *Image {
	if rem := len(data) % BlockSize; rem != 0 {
		padded := make([]byte, len(data)+BlockSize-rem)
		copy(padded, data)
		data = padded
	}
	blocks := len(data) / BlockSize
	var chunks []chunk
	if blocks > 0 {
		chunks = []chunk{{kind: chunkTypeRaw, start: 0, blocks: blocks}}
	}
	return newImage(name, bytes.NewReader(data), nil, blocks, chunks, opts)
}

// Close releases the backing file, if any
func (i *Image) Close() error {
	if i.closer == nil {
		return nil
	}
	return i.closer.Close()
}

// Name is the path or label the image was created with
func (i *Image) Name() string {
	return i.name
}

// BlockSize returns the image block size
func (i *Image) BlockSize() int {
	return BlockSize
}

// TotalBlocks returns the number of blocks in the image
func (i *Image) TotalBlocks() int {
	return i.totalBlocks
}

// CareMap returns the blocks that carry meaningful data
func (i *Image) CareMap() rangeset.RangeSet {
	return i.careMap
}

// ClobberedBlocks returns the blocks rewritten unconditionally
func (i *Image) ClobberedBlocks() rangeset.RangeSet {
	return i.clobberedBlocks
}

// HashtreeRange returns the dm-verity hashtree blocks recorded by LoadFileMap
func (i *Image) HashtreeRange() rangeset.RangeSet {
	return i.hashtreeRange
}

// HasFileMap reports whether LoadFileMap has been called
func (i *Image) HasFileMap() bool {
	return i.fileMap != nil
}

// FileMap returns a copy of the name to ranges mapping
func (i *Image) FileMap() map[string]rangeset.RangeSet {
	out := make(map[string]rangeset.RangeSet, len(i.fileMap))
	for k, v := range i.fileMap {
		out[k] = v
	}
	return out
}

// FileNames returns the file map keys in sorted order
func (i *Image) FileNames() []string {
	names := make([]string, 0, len(i.fileMap))
	for k := range i.fileMap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// File returns the ranges recorded for name
func (i *Image) File(name string) (rangeset.RangeSet, bool) {
	rs, ok := i.fileMap[name]
	return rs, ok
}

// ReadRangeSet returns one buffer per interval of rs, in rs order
func (i *Image) ReadRangeSet(rs rangeset.RangeSet) ([][]byte, error) {
	if err := i.checkRange(rs); err != nil {
		return nil, err
	}
	var out [][]byte
	for _, p := range rs.Pairs() {
		buf := make([]byte, (p[1]-p[0])*BlockSize)
		if err := i.readBlocks(p[0], p[1], buf); err != nil {
			return nil, err
		}
		out = append(out, buf)
	}
	return out, nil
}

// ReadAll returns the concatenated bytes of rs
func (i *Image) ReadAll(rs rangeset.RangeSet) ([]byte, error) {
	var b bytes.Buffer
	b.Grow(rs.Size() * BlockSize)
	if err := i.WriteRangeDataTo(rs, &b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// RangeSha1 returns the hex SHA-1 of the bytes of rs
func (i *Image) RangeSha1(rs rangeset.RangeSet) (string, error) {
	h := sha1.New()
	if err := i.WriteRangeDataTo(rs, h); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TotalSha1 returns the hex SHA-1 of the care map, leaving out the clobbered blocks
// unless includeClobbered is set.
func (i *Image) TotalSha1(includeClobbered bool) (string, error) {
	rs := i.careMap
	if !includeClobbered {
		rs = rs.Subtract(i.clobberedBlocks)
	}
	return i.RangeSha1(rs)
}

// WriteRangeDataTo streams the bytes of rs to w without holding more than one
// interval in memory.
func (i *Image) WriteRangeDataTo(rs rangeset.RangeSet, w io.Writer) error {
	if err := i.checkRange(rs); err != nil {
		return err
	}
	const step = 256
	buf := make([]byte, step*BlockSize)
	for _, p := range rs.Pairs() {
		for start := p[0]; start < p[1]; start += step {
			end := min(start+step, p[1])
			chunk := buf[:(end-start)*BlockSize]
			if err := i.readBlocks(start, end, chunk); err != nil {
				return err
			}
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (i *Image) checkRange(rs rangeset.RangeSet) error {
	if rs.End() > i.totalBlocks {
		return fmt.Errorf("'%v': range %v past %d blocks: %w", i.name, rs, i.totalBlocks, ErrOutOfRange)
	}
	if outside := rs.Subtract(i.careMap); !outside.IsEmpty() {
		return fmt.Errorf("'%v': range %v outside care map: %w", i.name, outside, ErrOutOfRange)
	}
	return nil
}

// readBlocks fills buf with blocks [start,end) from the chunks covering them
func (i *Image) readBlocks(start, end int, buf []byte) error {
	idx := sort.Search(len(i.chunks), func(n int) bool {
		return i.chunks[n].end() > start
	})
	pos := start
	for ; idx < len(i.chunks) && pos < end; idx++ {
		c := i.chunks[idx]
		if c.start >= end {
			break
		}
		from := max(pos, c.start)
		to := min(end, c.end())
		dst := buf[(from-start)*BlockSize : (to-start)*BlockSize]
		switch c.kind {
		case chunkTypeRaw:
			off := c.offset + int64(from-c.start)*BlockSize
			if _, err := i.r.ReadAt(dst, off); err != nil {
				return fmt.Errorf("'%v': reading blocks %d-%d: %w", i.name, from, to, err)
			}
		case chunkTypeFill:
			for j := 0; j < len(dst); j += 4 {
				copy(dst[j:j+4], c.fill[:])
			}
		default:
			for j := range dst {
				dst[j] = 0
			}
		}
		pos = to
	}
	if pos < end {
		return fmt.Errorf("'%v': blocks %d-%d not backed by any chunk: %w", i.name, pos, end, ErrOutOfRange)
	}
	return nil
}
