package blockimgdiff

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"io"
)

// AssertSequenceGood checks that no command reads a block after it was written, unless
// it reads it from a live stash, and that every stash is freed exactly once.
func AssertSequenceGood(list *TransferList) error {
	var written rangeset.RangeSet
	live := map[string]bool{}
	for i, cmd := range list.Commands {
		switch cmd.Op {
		case OpStash:
			if cmd.SrcRanges.Overlaps(written) {
				return fmt.Errorf("command %d: stash %v reads overwritten blocks %v: %w", i, cmd.Hash,
					cmd.SrcRanges.Intersect(written), ErrSequenceViolation)
			}
			if live[cmd.Hash] {
				return fmt.Errorf("command %d: stash %v is already live: %w", i, cmd.Hash, ErrSequenceViolation)
			}
			live[cmd.Hash] = true
		case OpFree:
			if !live[cmd.Hash] {
				return fmt.Errorf("command %d: free of unknown stash %v: %w", i, cmd.Hash, ErrSequenceViolation)
			}
			delete(live, cmd.Hash)
		case OpMove, OpBsdiff, OpImgdiff:
			if cmd.SrcRanges.Overlaps(written) {
				return fmt.Errorf("command %d: %v reads overwritten blocks %v: %w", i, cmd.Op,
					cmd.SrcRanges.Intersect(written), ErrSequenceViolation)
			}
			if cmd.SrcRanges.Overlaps(cmd.TgtRanges) && !cmd.SrcRanges.Equal(cmd.TgtRanges) {
				return fmt.Errorf("command %d: %v reads %v in place while writing %v: %w", i, cmd.Op,
					cmd.SrcRanges, cmd.TgtRanges, ErrSequenceViolation)
			}
			for _, s := range cmd.Stashes {
				if !live[s.Hash] {
					return fmt.Errorf("command %d: %v uses stash %v that is not live: %w", i, cmd.Op, s.Hash, ErrSequenceViolation)
				}
			}
			written = written.Union(cmd.TgtRanges)
		default:
			written = written.Union(cmd.TgtRanges)
		}
	}
	if len(live) > 0 {
		return fmt.Errorf("%d stashes never freed: %w", len(live), ErrSequenceViolation)
	}
	return nil
}

// device is a block device in memory
type device struct {
	data []byte
}

func (d *device) grow(blocks int) {
	if n := blocks * BlockSize; n > len(d.data) {
		d.data = append(d.data, make([]byte, n-len(d.data))...)
	}
}

func (d *device) read(rs rangeset.RangeSet) []byte {
	out := make([]byte, 0, rs.Size()*BlockSize)
	for _, p := range rs.Pairs() {
		d.grow(p[1])
		out = append(out, d.data[p[0]*BlockSize:p[1]*BlockSize]...)
	}
	return out
}

func (d *device) write(rs rangeset.RangeSet, data []byte) {
	off := 0
	for _, p := range rs.Pairs() {
		d.grow(p[1])
		n := (p[1] - p[0]) * BlockSize
		copy(d.data[p[0]*BlockSize:p[1]*BlockSize], data[off:off+n])
		off += n
	}
}

// place writes data into buf at the block positions loc
func place(buf []byte, loc rangeset.RangeSet, data []byte) {
	off := 0
	for _, p := range loc.Pairs() {
		n := (p[1] - p[0]) * BlockSize
		copy(buf[p[0]*BlockSize:p[1]*BlockSize], data[off:off+n])
		off += n
	}
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Replay runs list against a copy of source the way the device updater would and
// returns the resulting device content. Every hash named by the list is checked.
func Replay(ctx context.Context, list *TransferList, source []byte, newData io.Reader, patchData []byte, patcher Patcher) ([]byte, error) {
	dev := &device{data: append([]byte(nil), source...)}
	stashes := map[string][]byte{}

	for i, cmd := range list.Commands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch cmd.Op {
		case OpZero, OpErase:
			dev.write(cmd.TgtRanges, make([]byte, cmd.TgtRanges.Size()*BlockSize))
		case OpNew:
			buf := make([]byte, cmd.TgtRanges.Size()*BlockSize)
			if _, err := io.ReadFull(newData, buf); err != nil {
				return nil, fmt.Errorf("command %d: new data: %v: %w", i, err, ErrReplayMismatch)
			}
			dev.write(cmd.TgtRanges, buf)
		case OpStash:
			data := dev.read(cmd.SrcRanges)
			if got := sha1Hex(data); got != cmd.Hash {
				return nil, fmt.Errorf("command %d: stash %v holds %v: %w", i, cmd.Hash, got, ErrReplayMismatch)
			}
			stashes[cmd.Hash] = data
		case OpFree:
			delete(stashes, cmd.Hash)
		case OpMove, OpBsdiff, OpImgdiff:
			buf := make([]byte, cmd.SrcBlocks*BlockSize)
			if !cmd.SrcRanges.IsEmpty() {
				place(buf, cmd.SrcLoc, dev.read(cmd.SrcRanges))
			}
			for _, s := range cmd.Stashes {
				data, ok := stashes[s.Hash]
				if !ok || len(data) != s.Loc.Size()*BlockSize {
					return nil, fmt.Errorf("command %d: stash %v unavailable: %w", i, s.Hash, ErrReplayMismatch)
				}
				place(buf, s.Loc, data)
			}

			out := buf
			if cmd.Op != OpMove {
				if got := sha1Hex(buf); got != cmd.SrcHash {
					return nil, fmt.Errorf("command %d: source hash %v, expected %v: %w", i, got, cmd.SrcHash, ErrReplayMismatch)
				}
				end := cmd.PatchOffset + cmd.PatchLength
				if cmd.PatchOffset < 0 || end > int64(len(patchData)) {
					return nil, fmt.Errorf("command %d: patch %d+%d past end of patch data: %w", i,
						cmd.PatchOffset, cmd.PatchLength, ErrReplayMismatch)
				}
				style := StyleBsdiff
				if cmd.Op == OpImgdiff {
					style = StyleImgdiff
				}
				patched, err := patcher.Patch(ctx, style, buf, patchData[cmd.PatchOffset:end])
				if err != nil {
					return nil, fmt.Errorf("command %d: %w", i, err)
				}
				out = patched
			}
			if got := sha1Hex(out); got != cmd.TgtHash || len(out) != cmd.TgtRanges.Size()*BlockSize {
				return nil, fmt.Errorf("command %d: %v target hash %v, expected %v: %w", i, cmd.Op, got, cmd.TgtHash, ErrReplayMismatch)
			}
			dev.write(cmd.TgtRanges, out)
		}
	}
	return dev.data, nil
}

// Verify replays the result against src and checks that the care map of the target
// comes out intact. src is nil for a full update.
func (r *Result) Verify(ctx context.Context, src Image, patcher Patcher) error {
	dev := &device{}
	if src != nil {
		dev.grow(src.TotalBlocks())
		care := src.CareMap()
		data, err := src.ReadAll(care)
		if err != nil {
			return err
		}
		dev.write(care, data)
	}
	newData, err := r.NewData()
	if err != nil {
		return err
	}
	reader := bytes.NewReader(newData)
	out, err := Replay(ctx, r.List, dev.data, reader, r.PatchData, patcher)
	if err != nil {
		return fmt.Errorf("'%v': %w", r.Name, err)
	}

	result := &device{data: out}
	care := r.tgt.CareMap()
	expected, err := r.tgt.RangeSha1(care)
	if err != nil {
		return err
	}
	if got := sha1Hex(result.read(care)); got != expected {
		return fmt.Errorf("'%v': replayed care map hash %v, expected %v: %w", r.Name, got, expected, ErrReplayMismatch)
	}
	if rest, err := io.ReadAll(reader); err != nil || len(rest) != 0 {
		return fmt.Errorf("'%v': %d bytes of new data left over: %w", r.Name, len(rest), ErrReplayMismatch)
	}
	return nil
}
