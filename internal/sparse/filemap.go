package sparse

import (
	"bufio"
	"bytes"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	log "github.com/sirupsen/logrus"
	"io"
	"strings"
)

const (
	// ZeroKey holds the care blocks outside any file that are all zero
	ZeroKey = "__ZERO"
	// NonZeroPrefix prefixes the buckets of care blocks outside any file that hold data
	NonZeroPrefix = "__NONZERO"
	// CopyKey holds the clobbered blocks
	CopyKey = "__COPY"
	// HashtreeKey holds the dm-verity hashtree blocks
	HashtreeKey = "__HASHTREE"

	// MaxBlocksPerGroup bounds the size of each __NONZERO bucket
	MaxBlocksPerGroup = 1024
)

// FileMapOptions controls how LoadFileMap attributes blocks
type FileMapOptions struct {
	// HashtreeRange is excluded from file attribution and recorded under __HASHTREE
	HashtreeRange rangeset.RangeSet
	// AllowSharedBlocks attributes blocks claimed by several files to the first one
	// instead of failing
	AllowSharedBlocks bool
}

// IsReservedName reports whether name is one of the synthetic file map keys
func IsReservedName(name string) bool {
	return strings.HasPrefix(name, ZeroKey) || strings.HasPrefix(name, NonZeroPrefix) ||
		name == CopyKey || name == HashtreeKey
}

// LoadFileMap builds the file map from a block map ("<path> <ranges>" per line, may be
// nil) and classifies the remaining care blocks into __ZERO and __NONZERO-<n>. It must
// be called before the image is shared between goroutines.
func (i *Image) LoadFileMap(blockMap io.Reader, opts FileMapOptions) error {
	hashtree := opts.HashtreeRange.Intersect(i.careMap).Subtract(i.clobberedBlocks)
	reserved := i.clobberedBlocks.Union(hashtree)
	remaining := i.careMap.Subtract(reserved)
	out := map[string]rangeset.RangeSet{}

	if blockMap != nil {
		scanner := bufio.NewScanner(blockMap)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			fields := strings.SplitN(line, " ", 2)
			if len(fields) != 2 {
				return fmt.Errorf("'%v': block map line %q: %w", i.name, line, ErrInvalidSparseImage)
			}
			name := fields[0]
			ranges, err := rangeset.Parse(fields[1])
			if err != nil {
				return fmt.Errorf("'%v': block map entry %v: %w", i.name, name, err)
			}
			if outside := ranges.Subtract(i.careMap); !outside.IsEmpty() {
				return fmt.Errorf("'%v': %v claims %v outside care map: %w", i.name, name, outside, ErrOutOfRange)
			}
			ranges = ranges.Subtract(reserved)
			if ranges.IsEmpty() {
				continue
			}

			if shared := ranges.Subtract(remaining); !shared.IsEmpty() {
				if !opts.AllowSharedBlocks {
					return fmt.Errorf("'%v': %v shares blocks %v: %w", i.name, name, shared, ErrFileMapOverlap)
				}
				nonShared := ranges.Subtract(shared)
				if nonShared.IsEmpty() {
					log.WithField("image", i.name).Debugf("dropping %v, all of its blocks are shared", name)
					continue
				}
				ranges = nonShared.WithExtra(rangeset.ExtraUsesSharedBlocks, ranges)
			}
			out[name] = ranges
			remaining = remaining.Subtract(ranges)
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("'%v': reading block map: %w", i.name, err)
		}
	}

	zero, nonZero, err := i.classify(remaining)
	if err != nil {
		return err
	}
	if !zero.IsEmpty() {
		out[ZeroKey] = zero
	}
	for n, group := range nonZero {
		out[fmt.Sprintf("%s-%d", NonZeroPrefix, n)] = group
	}
	if !i.clobberedBlocks.IsEmpty() {
		out[CopyKey] = i.clobberedBlocks
	}
	if !hashtree.IsEmpty() {
		out[HashtreeKey] = hashtree
	}

	i.hashtreeRange = hashtree
	i.fileMap = out
	return nil
}

// classify splits blocks into all-zero blocks and groups of at most MaxBlocksPerGroup
// non-zero blocks, in ascending block order.
func (i *Image) classify(blocks rangeset.RangeSet) (rangeset.RangeSet, []rangeset.RangeSet, error) {
	zeroBlock := make([]byte, BlockSize)
	var zero [][2]int
	var groups []rangeset.RangeSet
	var current [][2]int
	currentSize := 0

	const step = 256
	buf := make([]byte, step*BlockSize)
	for _, p := range blocks.Pairs() {
		for start := p[0]; start < p[1]; start += step {
			end := min(start+step, p[1])
			if err := i.readBlocks(start, end, buf[:(end-start)*BlockSize]); err != nil {
				return rangeset.RangeSet{}, nil, err
			}
			for b := start; b < end; b++ {
				off := (b - start) * BlockSize
				if bytes.Equal(buf[off:off+BlockSize], zeroBlock) {
					zero = append(zero, [2]int{b, b + 1})
					continue
				}
				current = append(current, [2]int{b, b + 1})
				currentSize++
				if currentSize >= MaxBlocksPerGroup {
					groups = append(groups, rangeset.FromPairs(current))
					current, currentSize = nil, 0
				}
			}
		}
	}
	if currentSize > 0 {
		groups = append(groups, rangeset.FromPairs(current))
	}
	return rangeset.FromPairs(zero), groups, nil
}
