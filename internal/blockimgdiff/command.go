package blockimgdiff

import (
	"bufio"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"io"
	"strconv"
	"strings"
)

// Op discriminates the cases of Command
type Op int

const (
	OpZero Op = iota
	OpNew
	OpErase
	OpMove
	OpBsdiff
	OpImgdiff
	OpStash
	OpFree
)

var opNames = map[Op]string{
	OpZero:    "zero",
	OpNew:     "new",
	OpErase:   "erase",
	OpMove:    "move",
	OpBsdiff:  "bsdiff",
	OpImgdiff: "imgdiff",
	OpStash:   "stash",
	OpFree:    "free",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

func parseOp(name string) (Op, bool) {
	for op, n := range opNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// StashUse places stashed content at Loc, positions relative to the source buffer
type StashUse struct {
	Hash string
	Loc  rangeset.RangeSet
}

// Command is one line of a transfer list. Which fields are set depends on Op:
//
//	zero, new, erase:  TgtRanges
//	move:              TgtHash, TgtRanges, source fields
//	bsdiff, imgdiff:   PatchOffset, PatchLength, SrcHash, TgtHash, TgtRanges, source fields
//	stash:             Hash, SrcRanges
//	free:              Hash
//
// The source fields are SrcBlocks (size of the source buffer), SrcRanges and SrcLoc
// (blocks read from the image and where they go in the buffer) and Stashes.
type Command struct {
	Op          Op
	TgtRanges   rangeset.RangeSet
	SrcRanges   rangeset.RangeSet
	SrcLoc      rangeset.RangeSet
	SrcBlocks   int
	Stashes     []StashUse
	Hash        string
	SrcHash     string
	TgtHash     string
	PatchOffset int64
	PatchLength int64
}

func (c Command) sourceString() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(c.SrcBlocks))
	b.WriteByte(' ')
	switch {
	case len(c.Stashes) == 0:
		b.WriteString(c.SrcRanges.ToStringCompact())
		b.WriteString(" -")
	case c.SrcRanges.IsEmpty():
		b.WriteString("-")
	default:
		b.WriteString(c.SrcRanges.ToStringCompact())
		b.WriteByte(' ')
		b.WriteString(c.SrcLoc.ToStringCompact())
	}
	for _, s := range c.Stashes {
		b.WriteByte(' ')
		b.WriteString(s.Hash)
		b.WriteByte(' ')
		b.WriteString(s.Loc.ToStringCompact())
	}
	return b.String()
}

// String renders the command in wire format, without the trailing newline
func (c Command) String() string {
	switch c.Op {
	case OpZero, OpNew, OpErase:
		return fmt.Sprintf("%s %s", c.Op, c.TgtRanges.ToStringCompact())
	case OpMove:
		return fmt.Sprintf("%s %s %s %s", c.Op, c.TgtHash, c.TgtRanges.ToStringCompact(), c.sourceString())
	case OpBsdiff, OpImgdiff:
		return fmt.Sprintf("%s %d %d %s %s %s %s", c.Op, c.PatchOffset, c.PatchLength, c.SrcHash, c.TgtHash,
			c.TgtRanges.ToStringCompact(), c.sourceString())
	case OpStash:
		return fmt.Sprintf("%s %s %s", c.Op, c.Hash, c.SrcRanges.ToStringCompact())
	case OpFree:
		return fmt.Sprintf("%s %s", c.Op, c.Hash)
	}
	return c.Op.String()
}

// TransferList is the on-device program for one partition
type TransferList struct {
	Version            int
	TotalBlocksWritten int
	StashEntriesMax    int
	StashBlocksMax     int
	Commands           []Command
}

// WriteTo writes the list in wire format
func (l *TransferList) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	write := func(s string) error {
		m, err := bw.WriteString(s)
		n += int64(m)
		return err
	}
	header := fmt.Sprintf("%d\n%d\n%d\n%d\n", l.Version, l.TotalBlocksWritten, l.StashEntriesMax, l.StashBlocksMax)
	if err := write(header); err != nil {
		return n, err
	}
	for _, c := range l.Commands {
		if err := write(c.String() + "\n"); err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// String returns the wire format of the list
func (l *TransferList) String() string {
	var b strings.Builder
	_, _ = l.WriteTo(&b)
	return b.String()
}

// Count returns how many commands have op
func (l *TransferList) Count(op Op) int {
	n := 0
	for _, c := range l.Commands {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ParseTransferList reads a list in wire format
func ParseTransferList(r io.Reader) (*TransferList, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var header []int
	list := &TransferList{}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(header) < 4 {
			v, err := strconv.Atoi(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: header value %q: %w", lineNo, line, ErrMalformedTransferList)
			}
			header = append(header, v)
			continue
		}
		cmd, err := parseCommand(strings.Fields(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %q: %w", lineNo, line, err)
		}
		list.Commands = append(list.Commands, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(header) < 4 {
		return nil, fmt.Errorf("header has %d lines: %w", len(header), ErrMalformedTransferList)
	}
	list.Version, list.TotalBlocksWritten, list.StashEntriesMax, list.StashBlocksMax = header[0], header[1], header[2], header[3]
	return list, nil
}

func parseCommand(tokens []string) (Command, error) {
	op, ok := parseOp(tokens[0])
	if !ok {
		return Command{}, fmt.Errorf("unknown command %q: %w", tokens[0], ErrMalformedTransferList)
	}
	cmd := Command{Op: op}
	args := tokens[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d arguments, has %d: %w", op, n, len(args), ErrMalformedTransferList)
		}
		return nil
	}
	var err error
	switch op {
	case OpZero, OpNew, OpErase:
		if err = need(1); err != nil {
			return cmd, err
		}
		cmd.TgtRanges, err = rangeset.Parse(args[0])
		return cmd, err
	case OpStash:
		if err = need(2); err != nil {
			return cmd, err
		}
		cmd.Hash = args[0]
		cmd.SrcRanges, err = rangeset.Parse(args[1])
		return cmd, err
	case OpFree:
		if err = need(1); err != nil {
			return cmd, err
		}
		cmd.Hash = args[0]
		return cmd, nil
	case OpMove:
		if err = need(4); err != nil {
			return cmd, err
		}
		cmd.TgtHash = args[0]
		if cmd.TgtRanges, err = rangeset.Parse(args[1]); err != nil {
			return cmd, err
		}
		return cmd, parseSource(&cmd, args[2:])
	default:
		if err = need(7); err != nil {
			return cmd, err
		}
		if cmd.PatchOffset, err = strconv.ParseInt(args[0], 10, 64); err != nil {
			return cmd, fmt.Errorf("patch offset: %v: %w", err, ErrMalformedTransferList)
		}
		if cmd.PatchLength, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return cmd, fmt.Errorf("patch length: %v: %w", err, ErrMalformedTransferList)
		}
		cmd.SrcHash = args[2]
		cmd.TgtHash = args[3]
		if cmd.TgtRanges, err = rangeset.Parse(args[4]); err != nil {
			return cmd, err
		}
		return cmd, parseSource(&cmd, args[5:])
	}
}

// parseSource reads "<count> <src_ranges> -", "<count> <src_ranges> <loc> (<hash>
// <loc>)+" or "<count> - (<hash> <loc>)+".
func parseSource(cmd *Command, args []string) error {
	count, err := strconv.Atoi(args[0])
	if err != nil || count < 0 {
		return fmt.Errorf("source block count %q: %w", args[0], ErrMalformedTransferList)
	}
	cmd.SrcBlocks = count
	args = args[1:]
	if len(args) < 2 {
		return fmt.Errorf("source description too short: %w", ErrMalformedTransferList)
	}

	var pairs []string
	switch {
	case args[0] == "-":
		pairs = args[1:]
	case args[1] == "-":
		if cmd.SrcRanges, err = rangeset.Parse(args[0]); err != nil {
			return err
		}
		if n := cmd.SrcRanges.Size(); n != count {
			return fmt.Errorf("intact source of %d blocks, count %d: %w", n, count, ErrMalformedTransferList)
		}
		cmd.SrcLoc = rangeset.New(0, count)
		if len(args) != 2 {
			return fmt.Errorf("trailing tokens after intact source: %w", ErrMalformedTransferList)
		}
		return nil
	default:
		if cmd.SrcRanges, err = rangeset.Parse(args[0]); err != nil {
			return err
		}
		if cmd.SrcLoc, err = rangeset.Parse(args[1]); err != nil {
			return err
		}
		if cmd.SrcLoc.Size() != cmd.SrcRanges.Size() || cmd.SrcLoc.End() > count {
			return fmt.Errorf("source %v placed at %v of %d blocks: %w", cmd.SrcRanges, cmd.SrcLoc, count,
				ErrMalformedTransferList)
		}
		pairs = args[2:]
	}
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return fmt.Errorf("stash references %v: %w", pairs, ErrMalformedTransferList)
	}
	for i := 0; i < len(pairs); i += 2 {
		loc, err := rangeset.Parse(pairs[i+1])
		if err != nil {
			return err
		}
		if loc.End() > count {
			return fmt.Errorf("stash %v placed at %v of %d blocks: %w", pairs[i], loc, count, ErrMalformedTransferList)
		}
		cmd.Stashes = append(cmd.Stashes, StashUse{Hash: pairs[i], Loc: loc})
	}
	return nil
}
