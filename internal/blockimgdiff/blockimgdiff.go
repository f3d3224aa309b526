package blockimgdiff

import (
	"context"
	"errors"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"github.com/rattlesnakeos/otatools/internal/sparse"
	log "github.com/sirupsen/logrus"
	"io"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// BlockSize is the unit of every range in a transfer list
	BlockSize = sparse.BlockSize
	// DefaultVersion is the transfer list version written when none is set
	DefaultVersion = 4
	// DefaultStashThreshold is the share of the cache the stash may occupy
	DefaultStashThreshold = 0.8
)

var (
	// ErrStashTooLarge is returned when the stash budget can only be met by shipping more new data than allowed
	ErrStashTooLarge = errors.New("stash budget cannot be met")
	// ErrSequenceViolation is returned when a transfer list reads blocks that were already overwritten
	ErrSequenceViolation = errors.New("transfer sequence violation")
	// ErrReplayMismatch is returned when replaying a transfer list does not produce the expected bytes
	ErrReplayMismatch = errors.New("replay mismatch")
	// ErrMalformedTransferList is returned when a transfer list cannot be parsed
	ErrMalformedTransferList = errors.New("malformed transfer list")
	// ErrUnsupportedVersion is returned for transfer list versions below 3
	ErrUnsupportedVersion = errors.New("unsupported transfer list version")
)

var imgdiffExtensions = map[string]bool{
	".apk":  true,
	".jar":  true,
	".zip":  true,
	".apex": true,
}

// Options tunes a BlockImageDiff run
type Options struct {
	// Version of the transfer list, 3 or later
	Version int
	// CacheSize in bytes bounds the stash; zero or less means unlimited
	CacheSize int64
	// StashThreshold is the share of CacheSize the stash may use
	StashThreshold float64
	// MaxNewBlocks bounds how many blocks may be converted to new data to fit the stash; zero means unlimited
	MaxNewBlocks int
	// Workers bounds concurrent differ invocations
	Workers int
	// DisableImgdiff forces bsdiff for zip-structured files
	DisableImgdiff bool
}

func (o Options) withDefaults() Options {
	if o.Version == 0 {
		o.Version = DefaultVersion
	}
	if o.StashThreshold <= 0 || o.StashThreshold > 1 {
		o.StashThreshold = DefaultStashThreshold
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// StashBudget returns the number of blocks the stash may hold, or -1 when unlimited
func (o Options) StashBudget() int {
	o = o.withDefaults()
	if o.CacheSize <= 0 {
		return -1
	}
	return int(o.StashThreshold * float64(o.CacheSize) / BlockSize)
}

// Image is the read side of a partition image with a loaded file map
type Image interface {
	Name() string
	TotalBlocks() int
	CareMap() rangeset.RangeSet
	HasFileMap() bool
	FileNames() []string
	File(name string) (rangeset.RangeSet, bool)
	RangeSha1(rs rangeset.RangeSet) (string, error)
	ReadAll(rs rangeset.RangeSet) ([]byte, error)
	WriteRangeDataTo(rs rangeset.RangeSet, w io.Writer) error
}

// BlockImageDiff computes the transfers turning src into tgt. src is nil for a full update.
type BlockImageDiff struct {
	src    Image
	tgt    Image
	differ Differ
	opts   Options
	log    *log.Entry

	transfers []*Transfer
	order     []*Transfer
	broken    []int
	stashes   []*stashEntry
	converted int
}

// New returns a BlockImageDiff for the given images
func New(src, tgt Image, differ Differ, opts Options) *BlockImageDiff {
	return &BlockImageDiff{
		src:    src,
		tgt:    tgt,
		differ: differ,
		opts:   opts.withDefaults(),
		log:    log.WithField("partition", tgt.Name()),
	}
}

// Compute runs every phase and returns the emitted transfer list with its data streams
func (b *BlockImageDiff) Compute(ctx context.Context) (*Result, error) {
	if b.opts.Version < 3 {
		return nil, fmt.Errorf("'%v': version %d: %w", b.tgt.Name(), b.opts.Version, ErrUnsupportedVersion)
	}

	b.log.Infof("finding transfers")
	if _, err := b.FindTransfers(); err != nil {
		return nil, err
	}
	b.generateDigraph()
	b.findVertexSequence()
	b.log.Debugf("ordered %d transfers, %d broken vertices", len(b.order), len(b.broken))

	if err := b.planStashes(); err != nil {
		return nil, err
	}
	if err := b.enforceStashBudget(); err != nil {
		return nil, err
	}

	b.log.Infof("computing patches")
	if err := ComputePatches(ctx, b.src, b.tgt, b.order, b.differ, b.opts.Workers); err != nil {
		return nil, err
	}

	result := b.emit()
	if err := AssertSequenceGood(result.List); err != nil {
		return nil, fmt.Errorf("'%v': %w", b.tgt.Name(), err)
	}
	b.log.Infof("%d commands, %d blocks written, stash max %d blocks", len(result.List.Commands),
		result.List.TotalBlocksWritten, result.List.StashBlocksMax)
	return result, nil
}

// Transfers returns the transfers in their final order
func (b *BlockImageDiff) Transfers() []*Transfer {
	return b.order
}

// FindTransfers pairs target files with source files and picks a style for each pair.
// The result is in target name order and is the input of every later phase.
func (b *BlockImageDiff) FindTransfers() ([]*Transfer, error) {
	if !b.tgt.HasFileMap() {
		return nil, fmt.Errorf("'%v': %w", b.tgt.Name(), sparse.ErrNoFileMap)
	}
	if b.src != nil && !b.src.HasFileMap() {
		return nil, fmt.Errorf("'%v': %w", b.src.Name(), sparse.ErrNoFileMap)
	}

	b.transfers = nil
	basenames := b.uniqueSourceBasenames()
	for _, name := range b.tgt.FileNames() {
		tgtRanges, _ := b.tgt.File(name)
		switch {
		case strings.HasPrefix(name, sparse.ZeroKey):
			b.addTransfer(name, "", tgtRanges, rangeset.RangeSet{}, StyleZero)
			continue
		case name == sparse.CopyKey:
			b.addTransfer(name, "", tgtRanges, rangeset.RangeSet{}, StyleNew)
			continue
		}

		srcName, srcRanges, ok := b.findSource(name, basenames)
		if !ok {
			b.addTransfer(name, "", tgtRanges, rangeset.RangeSet{}, StyleNew)
			continue
		}

		tgtSha1, err := b.tgt.RangeSha1(tgtRanges)
		if err != nil {
			return nil, err
		}
		srcSha1, err := b.src.RangeSha1(srcRanges)
		if err != nil {
			return nil, err
		}
		style := StyleBsdiff
		switch {
		case tgtSha1 == srcSha1:
			style = StyleMove
		case b.canImgdiff(name, tgtRanges, srcRanges):
			style = StyleImgdiff
		}
		t := b.addTransfer(name, srcName, tgtRanges, srcRanges, style)
		t.TgtSha1, t.SrcSha1 = tgtSha1, srcSha1
	}

	for _, t := range b.transfers {
		if t.TgtSha1 != "" {
			continue
		}
		sha, err := b.tgt.RangeSha1(t.TgtRanges)
		if err != nil {
			return nil, err
		}
		t.TgtSha1 = sha
	}
	return b.transfers, nil
}

func (b *BlockImageDiff) addTransfer(tgtName, srcName string, tgtRanges, srcRanges rangeset.RangeSet, style Style) *Transfer {
	t := &Transfer{
		ID:        len(b.transfers),
		TgtName:   tgtName,
		SrcName:   srcName,
		TgtRanges: tgtRanges,
		SrcRanges: srcRanges,
		Style:     style,
	}
	b.transfers = append(b.transfers, t)
	return t
}

// findSource returns the source file for a target file: the file with the same name,
// or else the only source file with the same basename.
func (b *BlockImageDiff) findSource(name string, basenames map[string]string) (string, rangeset.RangeSet, bool) {
	if b.src == nil {
		return "", rangeset.RangeSet{}, false
	}
	if ranges, ok := b.src.File(name); ok {
		return name, ranges, true
	}
	if sparse.IsReservedName(name) {
		return "", rangeset.RangeSet{}, false
	}
	srcName, ok := basenames[filepath.Base(name)]
	if !ok || srcName == "" {
		return "", rangeset.RangeSet{}, false
	}
	ranges, _ := b.src.File(srcName)
	return srcName, ranges, true
}

// uniqueSourceBasenames maps each basename to its source file, or to "" when several
// source files share it.
func (b *BlockImageDiff) uniqueSourceBasenames() map[string]string {
	out := map[string]string{}
	if b.src == nil {
		return out
	}
	for _, name := range b.src.FileNames() {
		if sparse.IsReservedName(name) {
			continue
		}
		base := filepath.Base(name)
		if _, seen := out[base]; seen {
			out[base] = ""
			continue
		}
		out[base] = name
	}
	return out
}

func (b *BlockImageDiff) canImgdiff(name string, tgtRanges, srcRanges rangeset.RangeSet) bool {
	if b.opts.DisableImgdiff || sparse.IsReservedName(name) {
		return false
	}
	if tgtRanges.UsesSharedBlocks() || srcRanges.UsesSharedBlocks() {
		return false
	}
	return imgdiffExtensions[strings.ToLower(filepath.Ext(name))]
}

// generateDigraph records, for every transfer reading source blocks, the transfers
// that write some of those blocks.
func (b *BlockImageDiff) generateDigraph() {
	for _, t := range b.transfers {
		t.goesBefore = map[int]int{}
		t.goesAfter = map[int]int{}
		t.intrinsic = false
	}
	for _, reader := range b.transfers {
		if !reader.HasSource() || reader.SrcRanges.IsEmpty() {
			continue
		}
		for _, writer := range b.transfers {
			if writer == reader {
				reader.intrinsic = reader.SrcRanges.Overlaps(reader.TgtRanges) &&
					!reader.SrcRanges.Equal(reader.TgtRanges)
				continue
			}
			if !reader.SrcRanges.Overlaps(writer.TgtRanges) {
				continue
			}
			size := reader.SrcRanges.Intersect(writer.TgtRanges).Size()
			reader.goesBefore[writer.ID] = size
			writer.goesAfter[reader.ID] = size
		}
	}
}

// findVertexSequence orders the transfers so that readers run before the writers that
// overwrite their source wherever the graph allows. Cycles are broken greedily at the
// vertex with the largest outgoing minus incoming weight, lowest ID first.
func (b *BlockImageDiff) findVertexSequence() {
	remaining := make(map[int]bool, len(b.transfers))
	outCount := make([]int, len(b.transfers))
	inCount := make([]int, len(b.transfers))
	outWeight := make([]int, len(b.transfers))
	inWeight := make([]int, len(b.transfers))
	for _, t := range b.transfers {
		remaining[t.ID] = true
		for _, w := range t.goesBefore {
			outCount[t.ID]++
			outWeight[t.ID] += w
		}
		for _, w := range t.goesAfter {
			inCount[t.ID]++
			inWeight[t.ID] += w
		}
	}

	remove := func(id int) {
		delete(remaining, id)
		t := b.transfers[id]
		for v, w := range t.goesBefore {
			if remaining[v] {
				inCount[v]--
				inWeight[v] -= w
			}
		}
		for v, w := range t.goesAfter {
			if remaining[v] {
				outCount[v]--
				outWeight[v] -= w
			}
		}
	}
	collect := func(match func(id int) bool) []int {
		var ids []int
		for id := range remaining {
			if match(id) {
				ids = append(ids, id)
			}
		}
		sort.Ints(ids)
		return ids
	}

	var head, tail []int
	b.broken = nil
	for len(remaining) > 0 {
		for progress := true; progress; {
			progress = false
			sinks := collect(func(id int) bool { return outCount[id] == 0 })
			for i := len(sinks) - 1; i >= 0; i-- {
				tail = append(tail, sinks[i])
				remove(sinks[i])
			}
			sources := collect(func(id int) bool { return inCount[id] == 0 })
			for _, id := range sources {
				head = append(head, id)
				remove(id)
			}
			progress = len(sinks) > 0 || len(sources) > 0
		}
		if len(remaining) == 0 {
			break
		}

		best, bestScore := -1, 0
		for _, id := range collect(func(int) bool { return true }) {
			score := outWeight[id] - inWeight[id]
			if best == -1 || score > bestScore {
				best, bestScore = id, score
			}
		}
		head = append(head, best)
		b.broken = append(b.broken, best)
		remove(best)
	}

	b.order = make([]*Transfer, 0, len(b.transfers))
	for _, id := range head {
		b.order = append(b.order, b.transfers[id])
	}
	for i := len(tail) - 1; i >= 0; i-- {
		b.order = append(b.order, b.transfers[tail[i]])
	}
}
