package blockimgdiff

import (
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"sort"
)

// stashEntry is one content-addressed stash: stashed before order[stashPos] runs and
// freed after order[lastUse] runs.
type stashEntry struct {
	hash      string
	ranges    rangeset.RangeSet
	stashPos  int
	lastUse   int
	consumers []int
}

func (s *stashEntry) blocks() int {
	return s.ranges.Size()
}

// planStashes decides which source blocks are saved before they are overwritten. A
// reader that runs after a writer of its source gets those blocks from a stash taken
// right before the writer; a reader overlapping its own target stashes the rest of its
// source right before itself. Entries with the same content are merged.
func (b *BlockImageDiff) planStashes() error {
	pos := make(map[int]int, len(b.order))
	for p, t := range b.order {
		pos[t.ID] = p
		t.StashBefore = nil
		t.UseStash = nil
	}

	b.stashes = nil
	byHash := map[string]*stashEntry{}
	add := func(reader *Transfer, ranges rangeset.RangeSet, stashPos int) error {
		hash, err := b.src.RangeSha1(ranges)
		if err != nil {
			return fmt.Errorf("'%v': stashing %v for %v: %w", b.tgt.Name(), ranges, reader.TgtName, err)
		}
		readerPos := pos[reader.ID]
		reader.UseStash = append(reader.UseStash, StashRef{Hash: hash, Ranges: ranges})
		if entry, ok := byHash[hash]; ok {
			if stashPos < entry.stashPos {
				entry.stashPos = stashPos
				entry.ranges = ranges
			}
			entry.lastUse = max(entry.lastUse, readerPos)
			entry.consumers = append(entry.consumers, reader.ID)
			return nil
		}
		entry := &stashEntry{hash: hash, ranges: ranges, stashPos: stashPos, lastUse: readerPos, consumers: []int{reader.ID}}
		byHash[hash] = entry
		b.stashes = append(b.stashes, entry)
		return nil
	}

	for p, reader := range b.order {
		if !reader.HasSource() {
			continue
		}
		var writers []int
		for id := range reader.goesBefore {
			if pos[id] < p {
				writers = append(writers, id)
			}
		}
		sort.Slice(writers, func(i, j int) bool { return pos[writers[i]] < pos[writers[j]] })

		var stashed rangeset.RangeSet
		for _, id := range writers {
			overlap := reader.SrcRanges.Intersect(b.transfers[id].TgtRanges)
			if err := add(reader, overlap, pos[id]); err != nil {
				return err
			}
			stashed = stashed.Union(overlap)
		}
		if reader.intrinsic {
			if rest := reader.SrcRanges.Subtract(stashed); !rest.IsEmpty() {
				if err := add(reader, rest, p); err != nil {
					return err
				}
			}
		}
	}

	sort.SliceStable(b.stashes, func(i, j int) bool { return b.stashes[i].stashPos < b.stashes[j].stashPos })
	for _, entry := range b.stashes {
		t := b.order[entry.stashPos]
		t.StashBefore = append(t.StashBefore, StashRef{Hash: entry.hash, Ranges: entry.ranges})
	}
	return nil
}

// stashUsage returns the live block count at every position of the order
func (b *BlockImageDiff) stashUsage() []int {
	live := make([]int, len(b.order))
	for _, entry := range b.stashes {
		for p := entry.stashPos; p <= entry.lastUse; p++ {
			live[p] += entry.blocks()
		}
	}
	return live
}

// enforceStashBudget converts the consumers of the heaviest live stash to new data
// until no position holds more than the budget.
func (b *BlockImageDiff) enforceStashBudget() error {
	budget := b.opts.StashBudget()
	if budget < 0 {
		return nil
	}
	for {
		usage := b.stashUsage()
		over := -1
		for p, live := range usage {
			if live > budget {
				over = p
				break
			}
		}
		if over < 0 {
			return nil
		}

		var victim *stashEntry
		for _, entry := range b.stashes {
			if entry.stashPos <= over && over <= entry.lastUse && (victim == nil || entry.blocks() > victim.blocks()) {
				victim = entry
			}
		}
		for _, id := range victim.consumers {
			t := b.transfers[id]
			if t.Style == StyleNew {
				continue
			}
			b.log.Debugf("converting %v to new, stash %v holds %d blocks over a budget of %d",
				t.TgtName, victim.hash, victim.blocks(), budget)
			b.converted += t.TgtRanges.Size()
			for writer := range t.goesBefore {
				delete(b.transfers[writer].goesAfter, id)
			}
			t.goesBefore = map[int]int{}
			t.convertToNew()
		}
		if b.opts.MaxNewBlocks > 0 && b.converted > b.opts.MaxNewBlocks {
			return fmt.Errorf("'%v': %d blocks converted to new data, limit is %d: %w",
				b.tgt.Name(), b.converted, b.opts.MaxNewBlocks, ErrStashTooLarge)
		}
		if err := b.planStashes(); err != nil {
			return err
		}
	}
}
