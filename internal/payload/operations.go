package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"github.com/klauspost/compress/zstd"
	"github.com/rattlesnakeos/otatools/internal/blockimgdiff"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"github.com/rattlesnakeos/otatools/internal/verity"
	log "github.com/sirupsen/logrus"
)

const (
	// BlockSize is the payload block size
	BlockSize = blockimgdiff.BlockSize
	// ChunkBlocks bounds the target blocks of one REPLACE operation (2 MiB)
	ChunkBlocks = 512
)

// BrotliDiffer is implemented by differs whose bsdiff patches use the brotli-compressed
// BSDF2 format
type BrotliDiffer interface {
	BrotliPatches() bool
}

// Input is one partition to generate operations for
type Input struct {
	Name   string
	Target blockimgdiff.Image
	// Source is nil for a full update
	Source blockimgdiff.Image
	// Hashtree describes verity data the device recomputes; its blocks are not shipped
	Hashtree *verity.HashtreeInfo
	// FecRange holds FEC blocks the device recomputes
	FecRange rangeset.RangeSet
	FecRoots int
	Version  string
}

// GenerateOptions tunes operation generation
type GenerateOptions struct {
	Workers     int
	DisableZstd bool
}

// Partition is the update of one partition with the blob of each operation
type Partition struct {
	Update PartitionUpdate
	// Blobs holds the data of Update.Operations[i], nil for operations without data
	Blobs [][]byte
}

type generator struct {
	in      Input
	opts    GenerateOptions
	encoder *zstd.Encoder
	part    *Partition
}

// Generate builds the operations of one partition: a full stream when in.Source is
// nil, a diff stream against it otherwise.
func Generate(ctx context.Context, in Input, differ blockimgdiff.Differ, opts GenerateOptions) (*Partition, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	defer func() { _ = encoder.Close() }()

	g := &generator{in: in, opts: opts, encoder: encoder, part: &Partition{}}
	g.part.Update.PartitionName = in.Name
	g.part.Update.Version = in.Version
	if err := g.describeVerity(); err != nil {
		return nil, err
	}

	logger := log.WithField("partition", in.Name)
	if in.Source == nil {
		logger.Infof("generating full operations")
		err = g.full()
	} else {
		logger.Infof("generating diff operations")
		err = g.diff(ctx, differ)
	}
	if err != nil {
		return nil, err
	}

	if g.part.Update.NewPartitionInfo, err = partitionInfo(in.Target); err != nil {
		return nil, err
	}
	if in.Source != nil {
		if g.part.Update.OldPartitionInfo, err = partitionInfo(in.Source); err != nil {
			return nil, err
		}
	}
	logger.Debugf("%d operations", len(g.part.Update.Operations))
	return g.part, nil
}

// excluded returns the blocks the device computes itself
func (g *generator) excluded() rangeset.RangeSet {
	out := g.in.FecRange
	if g.in.Hashtree != nil {
		out = out.Union(g.in.Hashtree.HashtreeRange)
	}
	return out
}

func (g *generator) describeVerity() error {
	info := g.in.Hashtree
	if info == nil {
		return nil
	}
	salt, err := hex.DecodeString(info.Salt)
	if err != nil {
		return fmt.Errorf("'%v': salt %q: %w", g.in.Name, info.Salt, verity.ErrInvalidMetadata)
	}
	u := &g.part.Update
	u.HashTreeDataExtent = spanExtent(info.FilesystemRange)
	u.HashTreeExtent = spanExtent(info.HashtreeRange)
	u.HashTreeAlgorithm = info.HashAlgorithm
	u.HashTreeSalt = salt
	if !g.in.FecRange.IsEmpty() {
		fecStart := g.in.FecRange.Pairs()[0][0]
		u.FecDataExtent = &Extent{StartBlock: 0, NumBlocks: uint64(fecStart)}
		u.FecExtent = spanExtent(g.in.FecRange)
		u.FecRoots = uint32(g.in.FecRoots)
		if u.FecRoots == 0 {
			u.FecRoots = verity.DefaultFecRoots
		}
	}
	return nil
}

func (g *generator) full() error {
	if err := g.replace(g.in.Target.CareMap().Subtract(g.excluded())); err != nil {
		return err
	}
	g.zeroUncared()
	return nil
}

// zeroUncared adds ZERO operations for the target blocks outside the care map. The
// partition hash counts them as zeros while the slot may still hold stale data.
func (g *generator) zeroUncared() {
	tgt := g.in.Target
	uncared := rangeset.New(0, tgt.TotalBlocks()).Subtract(tgt.CareMap()).Subtract(g.excluded())
	for rest := uncared; !rest.IsEmpty(); {
		chunk := rest.First(ChunkBlocks)
		rest = rest.Subtract(chunk)
		g.add(InstallOperation{Type: OpZero, DstExtents: extents(chunk)}, nil)
	}
}

// replace adds REPLACE, REPLACE_ZSTD or ZERO operations writing the target blocks of rs
func (g *generator) replace(rs rangeset.RangeSet) error {
	for rest := rs; !rest.IsEmpty(); {
		chunk := rest.First(ChunkBlocks)
		rest = rest.Subtract(chunk)
		data, err := g.in.Target.ReadAll(chunk)
		if err != nil {
			return err
		}
		op := InstallOperation{Type: OpReplace, DstExtents: extents(chunk)}
		if isZero(data) {
			op.Type = OpZero
			g.add(op, nil)
			continue
		}
		blob := data
		if !g.opts.DisableZstd {
			if compressed := g.encoder.EncodeAll(data, nil); len(compressed) < len(data) {
				op.Type = OpReplaceZstd
				blob = compressed
			}
		}
		sum := sha256.Sum256(blob)
		op.DataSha256Hash = sum[:]
		g.add(op, blob)
	}
	return nil
}

func (g *generator) add(op InstallOperation, blob []byte) {
	op.DataLength = uint64(len(blob))
	g.part.Update.Operations = append(g.part.Update.Operations, op)
	g.part.Blobs = append(g.part.Blobs, blob)
}

func (g *generator) diff(ctx context.Context, differ blockimgdiff.Differ) error {
	b := blockimgdiff.New(g.in.Source, g.in.Target, differ, blockimgdiff.Options{
		Workers:        g.opts.Workers,
		DisableImgdiff: true,
	})
	transfers, err := b.FindTransfers()
	if err != nil {
		return err
	}

	excluded := g.excluded()
	var kept []*blockimgdiff.Transfer
	for _, t := range transfers {
		tgt := t.TgtRanges.Subtract(excluded)
		if tgt.IsEmpty() {
			continue
		}
		if !tgt.Equal(t.TgtRanges) && t.HasSource() {
			t.Style = blockimgdiff.StyleNew
			t.SrcRanges = rangeset.RangeSet{}
		}
		t.TgtRanges = tgt
		kept = append(kept, t)
	}
	if err := blockimgdiff.ComputePatches(ctx, g.in.Source, g.in.Target, kept, differ, g.opts.Workers); err != nil {
		return err
	}

	bsdiffType := OpSourceBsdiff
	if bd, ok := differ.(BrotliDiffer); ok && bd.BrotliPatches() {
		bsdiffType = OpBrotliBsdiff
	}
	for _, t := range kept {
		switch t.Style {
		case blockimgdiff.StyleZero:
			for rest := t.TgtRanges; !rest.IsEmpty(); {
				chunk := rest.First(ChunkBlocks)
				rest = rest.Subtract(chunk)
				g.add(InstallOperation{Type: OpZero, DstExtents: extents(chunk)}, nil)
			}
		case blockimgdiff.StyleNew:
			if err := g.replace(t.TgtRanges); err != nil {
				return err
			}
		case blockimgdiff.StyleMove:
			srcHash, err := g.sourceHash(t.SrcRanges)
			if err != nil {
				return err
			}
			g.add(InstallOperation{
				Type:          OpSourceCopy,
				SrcExtents:    extents(t.SrcRanges),
				DstExtents:    extents(t.TgtRanges),
				SrcSha256Hash: srcHash,
			}, nil)
		default:
			if len(t.Patch) >= t.TgtRanges.Size()*BlockSize {
				if err := g.replace(t.TgtRanges); err != nil {
					return err
				}
				continue
			}
			srcHash, err := g.sourceHash(t.SrcRanges)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(t.Patch)
			g.add(InstallOperation{
				Type:           bsdiffType,
				SrcExtents:     extents(t.SrcRanges),
				DstExtents:     extents(t.TgtRanges),
				SrcSha256Hash:  srcHash,
				DataSha256Hash: sum[:],
			}, t.Patch)
		}
	}
	g.zeroUncared()
	return nil
}

func (g *generator) sourceHash(rs rangeset.RangeSet) ([]byte, error) {
	h := sha256.New()
	if err := g.in.Source.WriteRangeDataTo(rs, h); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func extents(rs rangeset.RangeSet) []Extent {
	pairs := rs.Pairs()
	out := make([]Extent, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Extent{StartBlock: uint64(p[0]), NumBlocks: uint64(p[1] - p[0])})
	}
	return out
}

// spanExtent returns the single extent from the first to the last block of rs
func spanExtent(rs rangeset.RangeSet) *Extent {
	if rs.IsEmpty() {
		return nil
	}
	start := rs.Pairs()[0][0]
	return &Extent{StartBlock: uint64(start), NumBlocks: uint64(rs.End() - start)}
}

func isZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// partitionInfo hashes every block of the image, blocks outside the care map as zeros
func partitionInfo(img blockimgdiff.Image) (*PartitionInfo, error) {
	h := sha256.New()
	zero := make([]byte, BlockSize)
	pos := 0
	for _, p := range img.CareMap().Pairs() {
		for ; pos < p[0]; pos++ {
			h.Write(zero)
		}
		if err := img.WriteRangeDataTo(rangeset.New(p[0], p[1]), h); err != nil {
			return nil, err
		}
		pos = p[1]
	}
	for ; pos < img.TotalBlocks(); pos++ {
		h.Write(zero)
	}
	return &PartitionInfo{Size: uint64(img.TotalBlocks()) * BlockSize, Hash: h.Sum(nil)}, nil
}

// Apply runs the operations of part against source (nil for a full update) and returns
// the resulting partition bytes. Patches are applied with patcher.
func Apply(ctx context.Context, part *Partition, source []byte, patcher blockimgdiff.Patcher) ([]byte, error) {
	return ApplyTo(ctx, part, source, make([]byte, part.Update.NewPartitionInfo.Size), patcher)
}

// ApplyTo is Apply writing over base, the previous contents of the target slot. base
// must be the size of the new partition and is returned updated.
func ApplyTo(ctx context.Context, part *Partition, source, base []byte, patcher blockimgdiff.Patcher) ([]byte, error) {
	if uint64(len(base)) != part.Update.NewPartitionInfo.Size {
		return nil, fmt.Errorf("'%v': base of %d bytes for a %d byte partition: %w", part.Update.PartitionName,
			len(base), part.Update.NewPartitionInfo.Size, ErrInvalidPayload)
	}
	out := base
	read := func(data []byte, exts []Extent) ([]byte, error) {
		var buf bytes.Buffer
		for _, e := range exts {
			start, end := int(e.StartBlock)*BlockSize, int(e.StartBlock+e.NumBlocks)*BlockSize
			if end > len(data) {
				return nil, fmt.Errorf("extent %d+%d past end: %w", e.StartBlock, e.NumBlocks, ErrInvalidPayload)
			}
			buf.Write(data[start:end])
		}
		return buf.Bytes(), nil
	}
	write := func(data []byte, exts []Extent) error {
		off := 0
		for _, e := range exts {
			start, n := int(e.StartBlock)*BlockSize, int(e.NumBlocks)*BlockSize
			if start+n > len(out) || off+n > len(data) {
				return fmt.Errorf("extent %d+%d does not fit: %w", e.StartBlock, e.NumBlocks, ErrInvalidPayload)
			}
			copy(out[start:start+n], data[off:off+n])
			off += n
		}
		return nil
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	for i, op := range part.Update.Operations {
		blob := part.Blobs[i]
		var data []byte
		switch op.Type {
		case OpZero, OpDiscard:
			data = make([]byte, blocks(op.DstExtents)*BlockSize)
		case OpReplace:
			data = blob
		case OpReplaceZstd:
			if data, err = decoder.DecodeAll(blob, nil); err != nil {
				return nil, fmt.Errorf("operation %d: %v: %w", i, err, ErrInvalidPayload)
			}
		case OpSourceCopy:
			if data, err = read(source, op.SrcExtents); err != nil {
				return nil, err
			}
		case OpSourceBsdiff, OpBrotliBsdiff:
			src, err := read(source, op.SrcExtents)
			if err != nil {
				return nil, err
			}
			if data, err = patcher.Patch(ctx, blockimgdiff.StyleBsdiff, src, blob); err != nil {
				return nil, fmt.Errorf("operation %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("operation %d: unsupported type %v: %w", i, op.Type, ErrInvalidPayload)
		}
		if err := write(data, op.DstExtents); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return out, nil
}

func blocks(exts []Extent) int {
	n := 0
	for _, e := range exts {
		n += int(e.NumBlocks)
	}
	return n
}
