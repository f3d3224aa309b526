package blockimgdiff

import (
	"bytes"
	"context"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"github.com/rattlesnakeos/otatools/internal/sparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// fakeDiffer ships the whole target as the patch
type fakeDiffer struct {
	calls atomic.Int32
}

func (f *fakeDiffer) Diff(_ context.Context, style Style, _, tgt []byte) ([]byte, error) {
	f.calls.Add(1)
	return append([]byte(style[:1]), tgt...), nil
}

type fakePatcher struct{}

func (fakePatcher) Patch(_ context.Context, _ Style, _, patch []byte) ([]byte, error) {
	return patch[1:], nil
}

// paddedImage reports more blocks than its data holds, leaving the tail outside the care map
type paddedImage struct {
	*sparse.Image
	total int
}

func (p paddedImage) TotalBlocks() int {
	return p.total
}

// image builds an image where block n is filled with fill[n] and loads blockMap
func image(t *testing.T, name, blockMap string, fill ...byte) *sparse.Image {
	t.Helper()
	var b bytes.Buffer
	for _, f := range fill {
		b.Write(bytes.Repeat([]byte{f}, BlockSize))
	}
	img := sparse.NewDataImage(name, b.Bytes(), sparse.Options{})
	require.NoError(t, img.LoadFileMap(strings.NewReader(blockMap), sparse.FileMapOptions{}))
	return img
}

func commands(list *TransferList) []string {
	var out []string
	for _, c := range list.Commands {
		out = append(out, c.String())
	}
	return out
}

func compute(t *testing.T, src Image, tgt Image, opts Options) *Result {
	t.Helper()
	result, err := New(src, tgt, &fakeDiffer{}, opts).Compute(context.Background())
	require.NoError(t, err)
	require.NoError(t, AssertSequenceGood(result.List))
	require.NoError(t, result.Verify(context.Background(), src, fakePatcher{}))
	return result
}

func TestFullZeroImage(t *testing.T) {
	tgt := image(t, "system", "", 0, 0, 0, 0)
	result := compute(t, nil, tgt, Options{})

	assert.Equal(t, []string{"zero 0-4"}, commands(result.List))
	assert.Equal(t, 4, result.List.TotalBlocksWritten)
	assert.Equal(t, DefaultVersion, result.List.Version)
	newData, err := result.NewData()
	require.NoError(t, err)
	assert.Empty(t, newData)
	assert.Empty(t, result.PatchData)
}

func TestFullImageErasesUncaredBlocks(t *testing.T) {
	tgt := paddedImage{Image: image(t, "system", "/system/a 0-2\n", 1, 2, 0), total: 5}
	result := compute(t, nil, tgt, Options{})

	assert.Equal(t, []string{"erase 3-5", "new 0-2", "zero 2"}, commands(result.List))
	assert.Equal(t, 3, result.List.TotalBlocksWritten)
	newData, err := result.NewData()
	require.NoError(t, err)
	assert.Len(t, newData, 2*BlockSize)
}

func TestIdenticalImages(t *testing.T) {
	blockMap := "/system/a 0-2\n/system/b 2-4\n"
	src := image(t, "system", blockMap, 1, 2, 3, 4, 0)
	tgt := image(t, "system", blockMap, 1, 2, 3, 4, 0)
	result := compute(t, src, tgt, Options{CacheSize: 64 * BlockSize})

	assert.Equal(t, 2, result.List.Count(OpMove))
	assert.Zero(t, result.List.Count(OpStash))
	assert.Zero(t, result.List.Count(OpFree))
	assert.Zero(t, result.List.StashBlocksMax)
	for _, c := range result.List.Commands {
		if c.Op != OpMove {
			continue
		}
		assert.True(t, c.SrcRanges.Equal(c.TgtRanges))
		assert.Empty(t, c.Stashes)
		assert.True(t, strings.HasSuffix(c.String(), " -"), c.String())
	}
}

func TestIntrinsicOverlapIsStashed(t *testing.T) {
	src := image(t, "system", "/system/f 0-4\n", 1, 2, 3, 4, 0, 0)
	tgt := image(t, "system", "/system/f 2-6\n", 0, 0, 1, 2, 3, 4)
	result := compute(t, src, tgt, Options{CacheSize: 64 * BlockSize})

	hash, err := src.RangeSha1(rangeset.New(0, 4))
	require.NoError(t, err)
	tgtHash, err := tgt.RangeSha1(rangeset.New(2, 6))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"stash " + hash + " 0-4",
		"move " + tgtHash + " 2-6 4 - " + hash + " 0-4",
		"free " + hash,
		"zero 0-2",
	}, commands(result.List))
	assert.Equal(t, 4, result.List.StashBlocksMax)
	assert.Equal(t, 1, result.List.StashEntriesMax)
}

func TestStashBudgetFallback(t *testing.T) {
	tests := map[string]struct {
		maxNewBlocks int
		expectedErr  error
	}{
		"converted to new": {},
		"within new data limit": {
			maxNewBlocks: 4,
		},
		"over new data limit": {
			maxNewBlocks: 2,
			expectedErr:  ErrStashTooLarge,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			src := image(t, "system", "/system/f 0-4\n", 1, 2, 3, 4, 0, 0)
			tgt := image(t, "system", "/system/f 2-6\n", 0, 0, 1, 2, 3, 4)
			opts := Options{CacheSize: 16 * 1024, StashThreshold: 0.5, MaxNewBlocks: tc.maxNewBlocks}
			require.Equal(t, 2, opts.StashBudget())

			result, err := New(src, tgt, &fakeDiffer{}, opts).Compute(context.Background())
			assert.ErrorIs(t, err, tc.expectedErr)
			if tc.expectedErr != nil {
				return
			}
			assert.LessOrEqual(t, result.List.StashBlocksMax, 2)
			assert.Equal(t, []string{"new 2-6", "zero 0-2"}, commands(result.List))
			assert.Equal(t, 4, result.Stats.ConvertedBlocks)
			newData, err := result.NewData()
			require.NoError(t, err)
			assert.Len(t, newData, 4*BlockSize)
			assert.NoError(t, result.Verify(context.Background(), src, fakePatcher{}))
		})
	}
}

func TestSwapBreaksCycle(t *testing.T) {
	src := image(t, "system", "/system/a 0-2\n/system/b 2-4\n", 1, 1, 2, 2)
	tgt := image(t, "system", "/system/a 2-4\n/system/b 0-2\n", 3, 3, 4, 4)
	differ := &fakeDiffer{}
	result, err := New(src, tgt, differ, Options{CacheSize: 64 * BlockSize, Workers: 2}).Compute(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Verify(context.Background(), src, fakePatcher{}))
	assert.Equal(t, int32(2), differ.calls.Load())

	hash, err := src.RangeSha1(rangeset.New(2, 4))
	require.NoError(t, err)
	cmds := commands(result.List)
	require.Len(t, cmds, 4)
	assert.Equal(t, "stash "+hash+" 2-4", cmds[0])
	assert.True(t, strings.HasPrefix(cmds[1], "bsdiff 0 "), cmds[1])
	assert.True(t, strings.HasSuffix(cmds[1], " 2-4 2 0-2 -"), cmds[1])
	assert.True(t, strings.HasSuffix(cmds[2], " 0-2 2 - "+hash+" 0-2"), cmds[2])
	assert.Equal(t, "free "+hash, cmds[3])
	assert.Equal(t, 2, result.List.StashBlocksMax)
	assert.Equal(t, int64(len(result.PatchData)), result.Transfers[1].PatchOffset+result.Transfers[1].PatchLength)
}

func TestStashBudgetHolds(t *testing.T) {
	src := image(t, "system", "/system/a 0-2\n/system/b 2-4\n/system/c 4-6\n", 1, 1, 2, 2, 3, 3)
	tgt := image(t, "system", "/system/a 2-4\n/system/b 4-6\n/system/c 0-2\n", 4, 4, 5, 5, 6, 6)
	for _, cacheBlocks := range []int{0, 2, 4, 64} {
		opts := Options{CacheSize: int64(cacheBlocks) * BlockSize, StashThreshold: 1}
		result := compute(t, src, tgt, opts)
		if budget := opts.StashBudget(); budget >= 0 {
			assert.LessOrEqual(t, result.List.StashBlocksMax, budget, "cache %d", cacheBlocks)
		}
	}
}

func TestStyleSelection(t *testing.T) {
	tests := map[string]struct {
		srcMap         string
		tgtMap         string
		disableImgdiff bool
		expected       Style
	}{
		"zip-structured file uses imgdiff": {
			srcMap:   "/system/app/Foo.apk 0-2\n",
			tgtMap:   "/system/app/Foo.apk 0-2\n",
			expected: StyleImgdiff,
		},
		"imgdiff disabled": {
			srcMap:         "/system/app/Foo.apk 0-2\n",
			tgtMap:         "/system/app/Foo.apk 0-2\n",
			disableImgdiff: true,
			expected:       StyleBsdiff,
		},
		"plain file uses bsdiff": {
			srcMap:   "/system/lib/libfoo.so 0-2\n",
			tgtMap:   "/system/lib/libfoo.so 0-2\n",
			expected: StyleBsdiff,
		},
		"renamed file pairs by basename": {
			srcMap:   "/system/lib/libfoo.so 0-2\n",
			tgtMap:   "/system/lib64/libfoo.so 0-2\n",
			expected: StyleBsdiff,
		},
		"unknown file is new": {
			srcMap:   "/system/lib/libbar.so 0-2\n",
			tgtMap:   "/system/lib/libfoo.so 0-2\n",
			expected: StyleNew,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			src := image(t, "system", tc.srcMap, 1, 2)
			tgt := image(t, "system", tc.tgtMap, 3, 4)
			b := New(src, tgt, &fakeDiffer{}, Options{DisableImgdiff: tc.disableImgdiff})
			transfers, err := b.FindTransfers()
			require.NoError(t, err)
			require.Len(t, transfers, 1)
			assert.Equal(t, tc.expected, transfers[0].Style)
		})
	}
}

func TestFindTransfersNeedsFileMap(t *testing.T) {
	tgt := sparse.NewDataImage("system", make([]byte, BlockSize), sparse.Options{})
	_, err := New(nil, tgt, nil, Options{}).FindTransfers()
	assert.ErrorIs(t, err, sparse.ErrNoFileMap)
}

func TestUnsupportedVersion(t *testing.T) {
	tgt := image(t, "system", "", 0)
	_, err := New(nil, tgt, nil, Options{Version: 2}).Compute(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestComputeIsDeterministic(t *testing.T) {
	src := image(t, "system", "/system/a 0-2\n/system/b 2-4\n/system/c 4-6\n", 1, 1, 2, 2, 3, 3)
	tgt := image(t, "system", "/system/a 2-4\n/system/b 4-6\n/system/c 0-2\n", 4, 4, 5, 5, 6, 6)
	first := compute(t, src, tgt, Options{CacheSize: 64 * BlockSize, Workers: 4})
	for i := 0; i < 5; i++ {
		next := compute(t, src, tgt, Options{CacheSize: 64 * BlockSize, Workers: 4})
		assert.Equal(t, first.List.String(), next.List.String())
		assert.Equal(t, first.PatchData, next.PatchData)
	}
}

func TestWriteFiles(t *testing.T) {
	src := image(t, "system", "/system/a 0-2\n", 1, 2, 0)
	tgt := image(t, "system", "/system/a 0-2\n/system/b 2\n", 1, 3, 5)
	result := compute(t, src, tgt, Options{})

	dir := t.TempDir()
	paths, err := result.WriteFiles(dir, "system")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "system.transfer.list"),
		filepath.Join(dir, "system.new.dat"),
		filepath.Join(dir, "system.patch.dat"),
	}, paths)

	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	list, err := ParseTransferList(f)
	require.NoError(t, err)
	assert.Equal(t, result.List.String(), list.String())

	newData, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{5}, BlockSize), newData)
	patchData, err := os.ReadFile(paths[2])
	require.NoError(t, err)
	assert.Equal(t, result.PatchData, patchData)
}
