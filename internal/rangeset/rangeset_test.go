package rangeset

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestParse(t *testing.T) {
	tests := map[string]struct {
		input       string
		expected    [][2]int
		expectedErr error
	}{
		"empty string is empty set": {
			input:    "",
			expected: [][2]int{},
		},
		"space separated compact form": {
			input:    "0-4 7 10-12",
			expected: [][2]int{{0, 4}, {7, 8}, {10, 12}},
		},
		"comma separated compact form": {
			input:    "0-4,7,10-12",
			expected: [][2]int{{0, 4}, {7, 8}, {10, 12}},
		},
		"adjacent intervals are merged": {
			input:    "0-4 4-6 6",
			expected: [][2]int{{0, 7}},
		},
		"single blocks stay separate when not adjacent": {
			input:    "2,5,9",
			expected: [][2]int{{2, 3}, {5, 6}, {9, 10}},
		},
		"non-monotonic intervals are rejected": {
			input:       "10-12 0-4",
			expectedErr: ErrInvalidRangeSet,
		},
		"overlapping intervals are rejected": {
			input:       "0-4 2-6",
			expectedErr: ErrInvalidRangeSet,
		},
		"empty interval is rejected": {
			input:       "4-4",
			expectedErr: ErrInvalidRangeSet,
		},
		"garbage is rejected": {
			input:       "a-b",
			expectedErr: ErrInvalidRangeSet,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rs, err := Parse(tc.input)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, rs.Pairs())
		})
	}
}

func TestParseRaw(t *testing.T) {
	tests := map[string]struct {
		input       string
		expected    [][2]int
		expectedErr error
	}{
		"two intervals": {
			input:    "4,0,4,10,12",
			expected: [][2]int{{0, 4}, {10, 12}},
		},
		"count mismatch": {
			input:       "4,0,4",
			expectedErr: ErrInvalidRangeSet,
		},
		"odd count": {
			input:       "3,0,4,5",
			expectedErr: ErrInvalidRangeSet,
		},
		"non-monotonic": {
			input:       "4,10,12,0,4",
			expectedErr: ErrInvalidRangeSet,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rs, err := ParseRaw(tc.input)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, rs.Pairs())
		})
	}
}

func TestFormatting(t *testing.T) {
	rs := MustParse("0-4 7 10-12")
	assert.Equal(t, "0-4 7 10-12", rs.String())
	assert.Equal(t, "0-4,7,10-12", rs.ToStringCompact())
	assert.Equal(t, "6,0,4,7,8,10,12", rs.ToStringRaw())

	raw, err := ParseRaw(rs.ToStringRaw())
	require.NoError(t, err)
	assert.True(t, raw.Equal(rs))

	compact, err := Parse(rs.ToStringCompact())
	require.NoError(t, err)
	assert.True(t, compact.Equal(rs))
}

func TestSetAlgebra(t *testing.T) {
	tests := map[string]struct {
		a, b      string
		union     string
		intersect string
		subtract  string
		overlaps  bool
	}{
		"disjoint": {
			a: "0-4", b: "10-12",
			union: "0-4 10-12", intersect: "", subtract: "0-4", overlaps: false,
		},
		"touching intervals do not overlap": {
			a: "0-4", b: "4-8",
			union: "0-8", intersect: "", subtract: "0-4", overlaps: false,
		},
		"partial overlap": {
			a: "0-10", b: "5-15",
			union: "0-15", intersect: "5-10", subtract: "0-5", overlaps: true,
		},
		"hole punched in the middle": {
			a: "0-10", b: "3-4 6-8",
			union: "0-10", intersect: "3 6-8", subtract: "0-3 4-6 8-10", overlaps: true,
		},
		"b covers several intervals of a": {
			a: "0-2 4-6 8-10", b: "1-9",
			union: "0-10", intersect: "1 4-6 8", subtract: "0 9", overlaps: true,
		},
		"empty operand": {
			a: "0-4", b: "",
			union: "0-4", intersect: "", subtract: "0-4", overlaps: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			a, b := MustParse(tc.a), MustParse(tc.b)
			assert.Equal(t, tc.union, a.Union(b).String())
			assert.Equal(t, tc.intersect, a.Intersect(b).String())
			assert.Equal(t, tc.subtract, a.Subtract(b).String())
			assert.Equal(t, tc.overlaps, a.Overlaps(b))
			assert.Equal(t, tc.overlaps, b.Overlaps(a))
		})
	}
}

func TestSetAlgebraProperties(t *testing.T) {
	sets := []RangeSet{
		MustParse(""),
		MustParse("0-4"),
		MustParse("2-3 8-20"),
		MustParse("0-1 3-5 7-9 11-13"),
		MustParse("4-12 30-31"),
		MustParse("0-100"),
	}
	for _, a := range sets {
		for _, b := range sets {
			union := a.Union(b)
			intersect := a.Intersect(b)
			assert.Equal(t, a.Size()+b.Size(), union.Size()+intersect.Size(), "%v %v", a, b)
			assert.Equal(t, a.Size(), a.Subtract(b).Size()+intersect.Size(), "%v %v", a, b)
			assert.True(t, a.Subtract(b).Union(intersect).Equal(a), "%v %v", a, b)
			assert.Equal(t, !intersect.IsEmpty(), a.Overlaps(b), "%v %v", a, b)
			assert.True(t, union.Equal(b.Union(a)))
			assert.True(t, intersect.Equal(b.Intersect(a)))
		}
	}
}

func TestFirst(t *testing.T) {
	rs := MustParse("0-4 10-20")
	assert.Equal(t, "", rs.First(0).String())
	assert.Equal(t, "0-3", rs.First(3).String())
	assert.Equal(t, "0-4 10-12", rs.First(6).String())
	assert.Equal(t, "0-4 10-20", rs.First(100).String())
}

func TestExtend(t *testing.T) {
	assert.Equal(t, "0-6 8-14", MustParse("1-4 10-12").Extend(2).String())
	assert.Equal(t, "0-14", MustParse("1-4 8-12").Extend(2).String())
}

func TestMapWithin(t *testing.T) {
	tests := map[string]struct {
		r, other string
		expected string
	}{
		"maps through concatenated intervals": {
			r: "12-14 31", other: "10-20 30-40", expected: "2-4 11",
		},
		"drops blocks outside other": {
			r: "0-12 25", other: "10-20", expected: "0-2",
		},
		"whole other maps to prefix": {
			r: "10-20 30-40", other: "10-20 30-40", expected: "0-20",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, MustParse(tc.r).MapWithin(MustParse(tc.other)).String())
		})
	}
}

func TestExtra(t *testing.T) {
	rs := MustParse("0-4")
	assert.False(t, rs.UsesSharedBlocks())

	tagged := rs.WithExtra(ExtraUsesSharedBlocks, MustParse("0-8"))
	assert.True(t, tagged.UsesSharedBlocks())
	assert.False(t, rs.UsesSharedBlocks())
	assert.True(t, tagged.Equal(rs))

	v, ok := tagged.Extra(ExtraUsesSharedBlocks)
	require.True(t, ok)
	assert.Equal(t, "0-8", v.(RangeSet).String())
}
