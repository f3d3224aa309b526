package sparse

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// blocks builds an image where block n is filled with fill[n]
func blocks(fill ...byte) []byte {
	var b bytes.Buffer
	for _, f := range fill {
		b.Write(bytes.Repeat([]byte{f}, BlockSize))
	}
	return b.Bytes()
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestFileMapPartitionsCareMap(t *testing.T) {
	tests := map[string]struct {
		data        []byte
		blockMap    string
		clobbered   string
		hashtree    string
		allowShared bool
		expected    map[string]string
		expectedErr error
	}{
		"no block map classifies everything": {
			data: blocks(0, 0, 1, 2, 0),
			expected: map[string]string{
				ZeroKey:              "0-2 4",
				NonZeroPrefix + "-0": "2-4",
			},
		},
		"files, clobbered and hashtree": {
			data:      blocks(1, 1, 2, 0, 3, 4, 5, 6),
			blockMap:  "/system/a 0-2\n/system/b 2-3\n",
			clobbered: "7",
			hashtree:  "5-7",
			expected: map[string]string{
				"/system/a":          "0-2",
				"/system/b":          "2",
				ZeroKey:              "3",
				NonZeroPrefix + "-0": "4",
				CopyKey:              "7",
				HashtreeKey:          "5-7",
			},
		},
		"shared blocks go to the first file": {
			data:        blocks(1, 2, 3, 4),
			blockMap:    "/a 0-2\n/b 1-4\n",
			allowShared: true,
			expected: map[string]string{
				"/a": "0-2",
				"/b": "2-4",
			},
		},
		"shared blocks without permission fail": {
			data:        blocks(1, 2, 3, 4),
			blockMap:    "/a 0-2\n/b 1-4\n",
			expectedErr: ErrFileMapOverlap,
		},
		"file outside care map fails": {
			data:        blocks(1, 2),
			blockMap:    "/a 0-3\n",
			expectedErr: ErrOutOfRange,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			img := NewDataImage(name, tc.data, Options{ClobberedBlocks: rangeset.MustParse(tc.clobbered)})
			var blockMap io.Reader
			if tc.blockMap != "" {
				blockMap = strings.NewReader(tc.blockMap)
			}
			err := img.LoadFileMap(blockMap, FileMapOptions{HashtreeRange: rangeset.MustParse(tc.hashtree), AllowSharedBlocks: tc.allowShared})
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)

			got := map[string]string{}
			union := rangeset.RangeSet{}
			total := 0
			for k, v := range img.FileMap() {
				got[k] = v.String()
				union = union.Union(v)
				total += v.Size()
			}
			assert.Equal(t, tc.expected, got)
			assert.True(t, union.Equal(img.CareMap()), "union %v != care map %v", union, img.CareMap())
			assert.Equal(t, img.CareMap().Size(), total, "file map values overlap")
		})
	}
}

func TestSharedBlocksAreTagged(t *testing.T) {
	img := NewDataImage("shared", blocks(1, 2, 3, 4), Options{})
	require.NoError(t, img.LoadFileMap(strings.NewReader("/a 0-2\n/b 1-4\n"), FileMapOptions{AllowSharedBlocks: true}))

	a, ok := img.File("/a")
	require.True(t, ok)
	assert.False(t, a.UsesSharedBlocks())

	b, ok := img.File("/b")
	require.True(t, ok)
	assert.True(t, b.UsesSharedBlocks())
	original, _ := b.Extra(rangeset.ExtraUsesSharedBlocks)
	assert.Equal(t, "1-4", original.(rangeset.RangeSet).String())
}

func TestNonZeroBucketsAreBounded(t *testing.T) {
	fill := make([]byte, MaxBlocksPerGroup+10)
	for i := range fill {
		fill[i] = 7
	}
	img := NewDataImage("big", blocks(fill...), Options{})
	require.NoError(t, img.LoadFileMap(nil, FileMapOptions{}))

	first, ok := img.File(NonZeroPrefix + "-0")
	require.True(t, ok)
	assert.Equal(t, MaxBlocksPerGroup, first.Size())
	second, ok := img.File(NonZeroPrefix + "-1")
	require.True(t, ok)
	assert.Equal(t, 10, second.Size())
}

func TestReads(t *testing.T) {
	data := blocks(1, 2, 3, 4)
	img := NewDataImage("reads", data, Options{ClobberedBlocks: rangeset.MustParse("3")})

	bufs, err := img.ReadRangeSet(rangeset.MustParse("0 2-4"))
	require.NoError(t, err)
	require.Len(t, bufs, 2)
	assert.Equal(t, data[:BlockSize], bufs[0])
	assert.Equal(t, data[2*BlockSize:], bufs[1])

	sum, err := img.RangeSha1(rangeset.MustParse("1-3"))
	require.NoError(t, err)
	assert.Equal(t, sha1Hex(data[BlockSize:3*BlockSize]), sum)

	total, err := img.TotalSha1(false)
	require.NoError(t, err)
	assert.Equal(t, sha1Hex(data[:3*BlockSize]), total)

	total, err = img.TotalSha1(true)
	require.NoError(t, err)
	assert.Equal(t, sha1Hex(data), total)

	_, err = img.ReadRangeSet(rangeset.MustParse("3-5"))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestOpenSparse(t *testing.T) {
	pattern := make([]byte, 2*BlockSize)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}
	data := append(blocks(0, 0, 0, 9), pattern...)
	data = append(data, blocks(5, 5)...)
	dir := t.TempDir()

	var encoded bytes.Buffer
	require.NoError(t, WriteSparse(&encoded, data))
	sparsePath := filepath.Join(dir, "system.img")
	require.NoError(t, os.WriteFile(sparsePath, encoded.Bytes(), 0644))

	img, err := Open(sparsePath, Options{})
	require.NoError(t, err)
	defer func() {
		_ = img.Close()
	}()
	assert.Equal(t, 8, img.TotalBlocks())
	assert.Equal(t, "0-8", img.CareMap().String())
	got, err := img.ReadAll(img.CareMap())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	rawPath := filepath.Join(dir, "raw.img")
	require.NoError(t, os.WriteFile(rawPath, data, 0644))
	raw, err := Open(rawPath, Options{})
	require.NoError(t, err)
	defer func() {
		_ = raw.Close()
	}()
	rawSum, err := raw.TotalSha1(true)
	require.NoError(t, err)
	sparseSum, err := img.TotalSha1(true)
	require.NoError(t, err)
	assert.Equal(t, rawSum, sparseSum)
}

func TestOpenRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.img")
	require.NoError(t, os.WriteFile(path, []byte("not a block image"), 0644))
	_, err := Open(path, Options{})
	assert.ErrorIs(t, err, ErrInvalidSparseImage)
}
