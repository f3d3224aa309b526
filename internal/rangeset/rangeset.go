package rangeset

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ExtraUsesSharedBlocks holds the original (unshared) ranges of a file whose blocks
// are partly attributed to another file in the same image.
const ExtraUsesSharedBlocks = "uses_shared_blocks"

var (
	// ErrInvalidRangeSet is returned when text cannot be parsed into a RangeSet
	ErrInvalidRangeSet = errors.New("invalid range set")
)

// RangeSet is an immutable, ordered set of disjoint half-open intervals [a,b).
// Intervals are sorted, non-empty and never adjacent.
type RangeSet struct {
	// flattened start,end pairs
	data  []int
	extra map[string]interface{}
}

// New returns the RangeSet holding the single interval [start,end). An empty interval
// yields an empty set.
func New(start, end int) RangeSet {
	if end <= start {
		return RangeSet{}
	}
	return RangeSet{data: []int{start, end}}
}

// FromPairs normalizes arbitrary intervals (unsorted, overlapping, adjacent) into a
// RangeSet.
func FromPairs(pairs [][2]int) RangeSet {
	var data []int
	for _, p := range pairs {
		data = append(data, p[0], p[1])
	}
	return RangeSet{data: normalize(data)}
}

// MustParse is like Parse but panics on error. It is meant for constants and tests.
func MustParse(text string) RangeSet {
	rs, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return rs
}

// Parse reads the compact form, either space separated ("0-4 7 10-12") or comma
// separated as written in transfer lists ("0-4,7,10-12"). "a-b" is the half-open
// interval [a,b) and a lone "c" is [c,c+1). The run-length form is read by ParseRaw;
// the two cannot be told apart for sets made only of single blocks.
func Parse(text string) (RangeSet, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return RangeSet{}, nil
	}

	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	var data []int
	last := -1
	for _, field := range fields {
		var start, end int
		var err error
		if i := strings.IndexByte(field, '-'); i >= 0 {
			start, err = strconv.Atoi(field[:i])
			if err != nil {
				return RangeSet{}, fmt.Errorf("%q: %v: %w", text, err, ErrInvalidRangeSet)
			}
			end, err = strconv.Atoi(field[i+1:])
			if err != nil {
				return RangeSet{}, fmt.Errorf("%q: %v: %w", text, err, ErrInvalidRangeSet)
			}
		} else {
			start, err = strconv.Atoi(field)
			if err != nil {
				return RangeSet{}, fmt.Errorf("%q: %v: %w", text, err, ErrInvalidRangeSet)
			}
			end = start + 1
		}
		if start < 0 || end <= start {
			return RangeSet{}, fmt.Errorf("%q: empty interval %q: %w", text, field, ErrInvalidRangeSet)
		}
		if start < last {
			return RangeSet{}, fmt.Errorf("%q: non-monotonic interval %q: %w", text, field, ErrInvalidRangeSet)
		}
		last = end
		data = append(data, start, end)
	}
	return RangeSet{data: normalize(data)}, nil
}

// ParseRaw reads the run-length form "<count>,<a0>,<b0>,<a1>,<b1>,..." where count is
// the number of values that follow.
func ParseRaw(text string) (RangeSet, error) {
	parts := strings.Split(strings.TrimSpace(text), ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return RangeSet{}, fmt.Errorf("%q: %v: %w", text, err, ErrInvalidRangeSet)
		}
		values = append(values, v)
	}
	if len(values) == 0 || values[0] != len(values)-1 || values[0]%2 != 0 {
		return RangeSet{}, fmt.Errorf("%q: bad element count: %w", text, ErrInvalidRangeSet)
	}
	data := values[1:]
	last := -1
	for i := 0; i < len(data); i += 2 {
		if data[i] < 0 || data[i+1] <= data[i] {
			return RangeSet{}, fmt.Errorf("%q: empty interval %d-%d: %w", text, data[i], data[i+1], ErrInvalidRangeSet)
		}
		if data[i] < last {
			return RangeSet{}, fmt.Errorf("%q: non-monotonic interval %d-%d: %w", text, data[i], data[i+1], ErrInvalidRangeSet)
		}
		last = data[i+1]
	}
	return RangeSet{data: normalize(append([]int(nil), data...))}, nil
}

func normalize(data []int) []int {
	if len(data) == 0 {
		return nil
	}
	pairs := make([][2]int, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		if data[i+1] > data[i] {
			pairs = append(pairs, [2]int{data[i], data[i+1]})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	var out []int
	for _, p := range pairs {
		n := len(out)
		if n > 0 && p[0] <= out[n-1] {
			if p[1] > out[n-1] {
				out[n-1] = p[1]
			}
			continue
		}
		out = append(out, p[0], p[1])
	}
	return out
}

// IsEmpty reports whether the set holds no blocks.
func (r RangeSet) IsEmpty() bool {
	return len(r.data) == 0
}

// Size returns the number of blocks in the set.
func (r RangeSet) Size() int {
	total := 0
	for i := 0; i < len(r.data); i += 2 {
		total += r.data[i+1] - r.data[i]
	}
	return total
}

// End returns one past the highest block in the set, or 0 for an empty set.
func (r RangeSet) End() int {
	if len(r.data) == 0 {
		return 0
	}
	return r.data[len(r.data)-1]
}

// Pairs returns the intervals as (start, end) pairs in ascending order.
func (r RangeSet) Pairs() [][2]int {
	out := make([][2]int, 0, len(r.data)/2)
	for i := 0; i < len(r.data); i += 2 {
		out = append(out, [2]int{r.data[i], r.data[i+1]})
	}
	return out
}

// Equal compares the intervals of both sets, ignoring extras.
func (r RangeSet) Equal(other RangeSet) bool {
	if len(r.data) != len(other.data) {
		return false
	}
	for i := range r.data {
		if r.data[i] != other.data[i] {
			return false
		}
	}
	return true
}

// Extra returns the annotation stored under key.
func (r RangeSet) Extra(key string) (interface{}, bool) {
	v, ok := r.extra[key]
	return v, ok
}

// WithExtra returns a copy of r carrying the annotation key=value.
func (r RangeSet) WithExtra(key string, value interface{}) RangeSet {
	extra := make(map[string]interface{}, len(r.extra)+1)
	for k, v := range r.extra {
		extra[k] = v
	}
	extra[key] = value
	return RangeSet{data: r.data, extra: extra}
}

// UsesSharedBlocks reports whether the set was trimmed because another file claimed
// some of its blocks first.
func (r RangeSet) UsesSharedBlocks() bool {
	_, ok := r.extra[ExtraUsesSharedBlocks]
	return ok
}

// Union returns r ∪ other.
func (r RangeSet) Union(other RangeSet) RangeSet {
	data := make([]int, 0, len(r.data)+len(other.data))
	data = append(data, r.data...)
	data = append(data, other.data...)
	return RangeSet{data: normalize(data)}
}

// Intersect returns r ∩ other.
func (r RangeSet) Intersect(other RangeSet) RangeSet {
	var out []int
	i, j := 0, 0
	for i < len(r.data) && j < len(other.data) {
		start := max(r.data[i], other.data[j])
		end := min(r.data[i+1], other.data[j+1])
		if start < end {
			out = append(out, start, end)
		}
		if r.data[i+1] < other.data[j+1] {
			i += 2
		} else {
			j += 2
		}
	}
	return RangeSet{data: normalize(out)}
}

// Subtract returns r − other.
func (r RangeSet) Subtract(other RangeSet) RangeSet {
	var out []int
	j := 0
	for i := 0; i < len(r.data); i += 2 {
		start, end := r.data[i], r.data[i+1]
		for j < len(other.data) && other.data[j+1] <= start {
			j += 2
		}
		k := j
		for k < len(other.data) && other.data[k] < end {
			if other.data[k] > start {
				out = append(out, start, other.data[k])
			}
			if other.data[k+1] > start {
				start = other.data[k+1]
			}
			if start >= end {
				break
			}
			k += 2
		}
		if start < end {
			out = append(out, start, end)
		}
	}
	return RangeSet{data: normalize(out)}
}

// Overlaps reports whether r and other share at least one block.
func (r RangeSet) Overlaps(other RangeSet) bool {
	i, j := 0, 0
	for i < len(r.data) && j < len(other.data) {
		if max(r.data[i], other.data[j]) < min(r.data[i+1], other.data[j+1]) {
			return true
		}
		if r.data[i+1] < other.data[j+1] {
			i += 2
		} else {
			j += 2
		}
	}
	return false
}

// First returns the set made of the first n blocks of r.
func (r RangeSet) First(n int) RangeSet {
	if n <= 0 {
		return RangeSet{}
	}
	var out []int
	for i := 0; i < len(r.data) && n > 0; i += 2 {
		size := r.data[i+1] - r.data[i]
		if size > n {
			size = n
		}
		out = append(out, r.data[i], r.data[i]+size)
		n -= size
	}
	return RangeSet{data: out}
}

// Extend grows every interval by n blocks on both sides (clipped at zero).
func (r RangeSet) Extend(n int) RangeSet {
	out := make([]int, 0, len(r.data))
	for i := 0; i < len(r.data); i += 2 {
		out = append(out, max(0, r.data[i]-n), r.data[i+1]+n)
	}
	return RangeSet{data: normalize(out)}
}

// MapWithin translates r into positions relative to other: block other.Pairs()[0][0]
// maps to 0 and so on through the concatenation of other's intervals. Blocks of r that
// are not in other are dropped.
func (r RangeSet) MapWithin(other RangeSet) RangeSet {
	clipped := r.Intersect(other)
	var out []int
	offset := 0
	j := 0
	for i := 0; i < len(other.data); i += 2 {
		ostart, oend := other.data[i], other.data[i+1]
		for j < len(clipped.data) && clipped.data[j] < oend {
			out = append(out, offset+clipped.data[j]-ostart, offset+clipped.data[j+1]-ostart)
			j += 2
		}
		offset += oend - ostart
	}
	return RangeSet{data: normalize(out)}
}

// String renders the compact, space separated form ("0-4 7 10-12").
func (r RangeSet) String() string {
	return r.format(" ")
}

// ToStringCompact renders the compact, comma separated form used on the wire
// ("0-4,7,10-12").
func (r RangeSet) ToStringCompact() string {
	return r.format(",")
}

// ToStringRaw renders the run-length form ("4,0,4,10,12").
func (r RangeSet) ToStringRaw() string {
	parts := make([]string, 0, len(r.data)+1)
	parts = append(parts, strconv.Itoa(len(r.data)))
	for _, v := range r.data {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

func (r RangeSet) format(sep string) string {
	parts := make([]string, 0, len(r.data)/2)
	for i := 0; i < len(r.data); i += 2 {
		if r.data[i+1] == r.data[i]+1 {
			parts = append(parts, strconv.Itoa(r.data[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.data[i], r.data[i+1]))
		}
	}
	return strings.Join(parts, sep)
}
