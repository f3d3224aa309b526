package blockimgdiff

import (
	"bytes"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"io"
	"os"
	"path/filepath"
)

// Stats summarizes one computed transfer list
type Stats struct {
	Transfers       map[Style]int
	NewBlocks       int
	ConvertedBlocks int
	StashedBlocks   int
	PatchBytes      int64
}

// Result is a computed transfer list and the data streams it refers to
type Result struct {
	Name      string
	List      *TransferList
	Transfers []*Transfer
	PatchData []byte
	Stats     Stats

	tgt Image
}

func (b *BlockImageDiff) emit() *Result {
	list := &TransferList{Version: b.opts.Version}
	stats := Stats{Transfers: map[Style]int{}, ConvertedBlocks: b.converted}
	var patchData bytes.Buffer

	var touched rangeset.RangeSet
	for _, t := range b.order {
		touched = touched.Union(t.SrcRanges)
	}
	for _, entry := range b.stashes {
		touched = touched.Union(entry.ranges)
	}
	dontCare := rangeset.New(0, b.tgt.TotalBlocks()).Subtract(b.tgt.CareMap())
	eraseFirst := dontCare.Subtract(touched)
	eraseLast := dontCare.Subtract(eraseFirst)
	if !eraseFirst.IsEmpty() {
		list.Commands = append(list.Commands, Command{Op: OpErase, TgtRanges: eraseFirst})
	}

	freeAfter := map[int][]*stashEntry{}
	for _, entry := range b.stashes {
		freeAfter[entry.lastUse] = append(freeAfter[entry.lastUse], entry)
	}

	live, liveBlocks := 0, 0
	for p, t := range b.order {
		for _, s := range t.StashBefore {
			list.Commands = append(list.Commands, Command{Op: OpStash, Hash: s.Hash, SrcRanges: s.Ranges})
			live++
			liveBlocks += s.Ranges.Size()
		}
		list.StashEntriesMax = max(list.StashEntriesMax, live)
		list.StashBlocksMax = max(list.StashBlocksMax, liveBlocks)

		if t.Style.IsDiff() {
			t.PatchOffset = int64(patchData.Len())
			t.PatchLength = int64(len(t.Patch))
			patchData.Write(t.Patch)
			stats.PatchBytes += t.PatchLength
		}
		list.Commands = append(list.Commands, t.command())
		list.TotalBlocksWritten += t.TgtRanges.Size()
		stats.Transfers[t.Style]++
		if t.Style == StyleNew {
			stats.NewBlocks += t.TgtRanges.Size()
		}

		for _, entry := range freeAfter[p] {
			list.Commands = append(list.Commands, Command{Op: OpFree, Hash: entry.hash})
			live--
			liveBlocks -= entry.blocks()
		}
	}
	if !eraseLast.IsEmpty() {
		list.Commands = append(list.Commands, Command{Op: OpErase, TgtRanges: eraseLast})
	}
	stats.StashedBlocks = list.StashBlocksMax

	return &Result{
		Name:      b.tgt.Name(),
		List:      list,
		Transfers: b.order,
		PatchData: patchData.Bytes(),
		Stats:     stats,
		tgt:       b.tgt,
	}
}

// command renders the transfer as its transfer list command
func (t *Transfer) command() Command {
	cmd := Command{TgtRanges: t.TgtRanges, TgtHash: t.TgtSha1}
	switch t.Style {
	case StyleNew:
		cmd.Op = OpNew
		return cmd
	case StyleZero:
		cmd.Op = OpZero
		return cmd
	case StyleMove:
		cmd.Op = OpMove
	case StyleBsdiff:
		cmd.Op = OpBsdiff
	case StyleImgdiff:
		cmd.Op = OpImgdiff
	}
	cmd.SrcHash = t.SrcSha1
	cmd.PatchOffset = t.PatchOffset
	cmd.PatchLength = t.PatchLength
	cmd.SrcBlocks = t.SrcRanges.Size()

	var stashed rangeset.RangeSet
	for _, ref := range t.UseStash {
		cmd.Stashes = append(cmd.Stashes, StashUse{Hash: ref.Hash, Loc: ref.Ranges.MapWithin(t.SrcRanges)})
		stashed = stashed.Union(ref.Ranges)
	}
	cmd.SrcRanges = t.SrcRanges.Subtract(stashed)
	cmd.SrcLoc = cmd.SrcRanges.MapWithin(t.SrcRanges)
	return cmd
}

// WriteNewData streams the target blocks of every new transfer in order
func (r *Result) WriteNewData(w io.Writer) error {
	for _, t := range r.Transfers {
		if t.Style != StyleNew {
			continue
		}
		if err := r.tgt.WriteRangeDataTo(t.TgtRanges, w); err != nil {
			return fmt.Errorf("'%v': new data for %v: %w", r.Name, t.TgtName, err)
		}
	}
	return nil
}

// NewData returns the new data stream in memory
func (r *Result) NewData() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.WriteNewData(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFiles writes <prefix>.transfer.list, <prefix>.new.dat and <prefix>.patch.dat to dir
// and returns their paths in that order.
func (r *Result) WriteFiles(dir, prefix string) ([]string, error) {
	base := filepath.Join(dir, prefix)
	paths := []string{base + ".transfer.list", base + ".new.dat", base + ".patch.dat"}

	if err := writeFile(paths[0], func(w io.Writer) error {
		_, err := r.List.WriteTo(w)
		return err
	}); err != nil {
		return nil, err
	}
	if err := writeFile(paths[1], r.WriteNewData); err != nil {
		return nil, err
	}
	if err := os.WriteFile(paths[2], r.PatchData, 0644); err != nil {
		return nil, err
	}
	return paths, nil
}

func writeFile(path string, fill func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
