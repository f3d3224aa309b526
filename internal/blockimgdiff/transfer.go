package blockimgdiff

import (
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
)

// Style is how a transfer produces its target blocks
type Style string

const (
	// StyleNew ships the target bytes in the new data stream
	StyleNew Style = "new"
	// StyleZero fills the target blocks with zeros
	StyleZero Style = "zero"
	// StyleMove copies identical source blocks
	StyleMove Style = "move"
	// StyleBsdiff patches the source blocks with bsdiff
	StyleBsdiff Style = "bsdiff"
	// StyleImgdiff patches zip-structured source blocks with imgdiff
	StyleImgdiff Style = "imgdiff"
)

// IsDiff reports whether the style carries a patch
func (s Style) IsDiff() bool {
	return s == StyleBsdiff || s == StyleImgdiff
}

// StashRef names stashed content and the source blocks it stands for
type StashRef struct {
	Hash   string
	Ranges rangeset.RangeSet
}

// Transfer is one scheduled write of target blocks. Transfers live in an arena and
// refer to each other by ID.
type Transfer struct {
	ID        int
	TgtName   string
	SrcName   string
	TgtRanges rangeset.RangeSet
	SrcRanges rangeset.RangeSet
	Style     Style
	TgtSha1   string
	SrcSha1   string

	Patch       []byte
	PatchOffset int64
	PatchLength int64

	// StashBefore lists the source blocks stashed right before this transfer runs
	StashBefore []StashRef
	// UseStash lists the source blocks this transfer reads from the stash instead of the image
	UseStash []StashRef

	// goesBefore maps the IDs of transfers that overwrite this transfer's source to the
	// overlap size; goesAfter is the reverse relation.
	goesBefore map[int]int
	goesAfter  map[int]int
	intrinsic  bool
}

func (t *Transfer) String() string {
	return fmt.Sprintf("%d %s %s <- %s (%v <- %v)", t.ID, t.Style, t.TgtName, t.SrcName, t.TgtRanges, t.SrcRanges)
}

// HasSource reports whether the transfer reads source blocks
func (t *Transfer) HasSource() bool {
	return t.Style == StyleMove || t.Style.IsDiff()
}

func (t *Transfer) convertToNew() {
	t.Style = StyleNew
	t.SrcName = ""
	t.SrcRanges = rangeset.RangeSet{}
	t.SrcSha1 = ""
	t.Patch = nil
	t.UseStash = nil
	t.intrinsic = false
}
