package verity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"github.com/rattlesnakeos/otatools/internal/sparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

type countingEstimator struct {
	NativeEstimator
	calls int
}

func (c *countingEstimator) TreeSize(ctx context.Context, imageSize int64) (int64, error) {
	c.calls++
	return c.NativeEstimator.TreeSize(ctx, imageSize)
}

type fakeRunner struct {
	outputs map[string]string
}

func (f *fakeRunner) Run(_ context.Context, name string, _ ...string) ([]byte, error) {
	return []byte(f.outputs[name]), nil
}

func TestAdjustPartitionSize(t *testing.T) {
	tests := map[string]struct {
		partitionSize int64
		fec           bool
		expectedImage int64
		expectedErr   error
	}{
		"without fec": {
			partitionSize: 64 * BlockSize,
			expectedImage: 55 * BlockSize,
		},
		"with fec": {
			partitionSize: 64 * BlockSize,
			fec:           true,
			expectedImage: 52 * BlockSize,
		},
		"unaligned partition": {
			partitionSize: 64*BlockSize + 100,
			expectedImage: 55 * BlockSize,
		},
		"too small": {
			partitionSize: 4 * BlockSize,
			expectedErr:   ErrPartitionTooSmall,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b := NewBuilder(NativeEstimator{})
			imageSize, veritySize, err := b.AdjustPartitionSize(context.Background(), tc.partitionSize, tc.fec)
			assert.ErrorIs(t, err, tc.expectedErr)
			if tc.expectedErr != nil {
				return
			}
			assert.Equal(t, tc.expectedImage, imageSize)
			assert.Zero(t, imageSize%BlockSize)
			assert.LessOrEqual(t, imageSize+veritySize, tc.partitionSize)

			next, err := b.VeritySize(context.Background(), imageSize+BlockSize, tc.fec)
			require.NoError(t, err)
			assert.Greater(t, imageSize+BlockSize+next, tc.partitionSize)
		})
	}
}

func TestAdjustPartitionSizeIsCached(t *testing.T) {
	estimator := &countingEstimator{}
	b := NewBuilder(estimator)
	first, _, err := b.AdjustPartitionSize(context.Background(), 1024*BlockSize, true)
	require.NoError(t, err)
	calls := estimator.calls

	second, _, err := b.AdjustPartitionSize(context.Background(), 1024*BlockSize, true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, estimator.calls)

	_, _, err = b.AdjustPartitionSize(context.Background(), 1024*BlockSize, false)
	require.NoError(t, err)
	assert.Greater(t, estimator.calls, calls)
}

func TestToolEstimator(t *testing.T) {
	estimator := ToolEstimator{Runner: &fakeRunner{outputs: map[string]string{
		"build_verity_tree":     "8192\n",
		"build_verity_metadata": "32768\n",
		"fec":                   "12288\n",
	}}}
	b := NewBuilder(estimator)
	size, err := b.VeritySize(context.Background(), 100*BlockSize, true)
	require.NoError(t, err)
	assert.Equal(t, int64(8192+32768+12288), size)
}

func TestTreeSizeMatchesBuilder(t *testing.T) {
	for _, blocks := range []int{1, 2, 128, 129, 300} {
		data := make([]byte, blocks*BlockSize)
		tree, _, err := BuildHashtree(data, []byte("salt"), AlgorithmSHA256)
		require.NoError(t, err)
		assert.Equal(t, TreeSize(int64(len(data)), AlgorithmSHA256), int64(len(tree)), "blocks %d", blocks)

		tree, _, err = BuildHashtree(data, nil, AlgorithmSHA1)
		require.NoError(t, err)
		assert.Equal(t, TreeSize(int64(len(data)), AlgorithmSHA1), int64(len(tree)), "sha1 blocks %d", blocks)
	}
}

func TestBuildHashtreeSingleBlock(t *testing.T) {
	data := make([]byte, BlockSize)
	data[0] = 1
	salt := []byte{0xaa}
	tree, root, err := BuildHashtree(data, salt, AlgorithmSHA256)
	require.NoError(t, err)
	require.Len(t, tree, BlockSize)

	leaf := sha256.Sum256(append(append([]byte{}, salt...), data...))
	assert.Equal(t, leaf[:], tree[:sha256.Size])
	expectedRoot := sha256.Sum256(append(append([]byte{}, salt...), tree...))
	assert.Equal(t, expectedRoot[:], root)
}

// verityImage lays out data, hashtree and metadata the way a 64 block partition
// without FEC expects them.
func verityImage(t *testing.T) ([]byte, *HashtreeInfo) {
	t.Helper()
	const fsBlocks = 55
	data := make([]byte, fsBlocks*BlockSize)
	for i := range data {
		data[i] = byte(i / BlockSize)
	}
	salt := []byte("0123456789abcdef")
	tree, root, err := BuildHashtree(data, salt, AlgorithmSHA256)
	require.NoError(t, err)

	info := &HashtreeInfo{
		FilesystemRange: rangeset.New(0, fsBlocks),
		HashtreeRange:   rangeset.New(fsBlocks, fsBlocks+len(tree)/BlockSize),
		HashAlgorithm:   AlgorithmSHA256,
		Salt:            hex.EncodeToString(salt),
		RootHash:        hex.EncodeToString(root),
	}
	image := append(append(data, tree...), EncodeMetadata(info, fsBlocks, "/dev/block/system")...)
	require.Len(t, image, 64*BlockSize)
	return image, info
}

func TestExtractAndValidate(t *testing.T) {
	image, expected := verityImage(t)
	img := sparse.NewDataImage("system", image, sparse.Options{})

	b := NewBuilder(NativeEstimator{})
	info, err := b.ExtractFromImage(context.Background(), img, int64(len(image)), false)
	require.NoError(t, err)
	assert.True(t, expected.FilesystemRange.Equal(info.FilesystemRange))
	assert.True(t, expected.HashtreeRange.Equal(info.HashtreeRange))
	assert.Equal(t, expected.HashAlgorithm, info.HashAlgorithm)
	assert.Equal(t, expected.Salt, info.Salt)
	assert.Equal(t, expected.RootHash, info.RootHash)

	assert.NoError(t, Validate(img, info))
}

func TestValidateDetectsCorruption(t *testing.T) {
	tests := map[string]struct {
		corrupt func(image []byte, info *HashtreeInfo)
	}{
		"hashtree byte flipped": {
			corrupt: func(image []byte, info *HashtreeInfo) {
				image[55*BlockSize] ^= 0xff
			},
		},
		"filesystem byte flipped": {
			corrupt: func(image []byte, info *HashtreeInfo) {
				image[10] ^= 0xff
			},
		},
		"wrong root": {
			corrupt: func(image []byte, info *HashtreeInfo) {
				info.RootHash = hex.EncodeToString(make([]byte, sha256.Size))
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			image, info := verityImage(t)
			tc.corrupt(image, info)
			img := sparse.NewDataImage("system", image, sparse.Options{})
			assert.ErrorIs(t, Validate(img, info), ErrHashtreeMismatch)
		})
	}
}

func TestExtractRejectsBadMetadata(t *testing.T) {
	image, _ := verityImage(t)
	image[56*BlockSize] = 0
	img := sparse.NewDataImage("system", image, sparse.Options{})
	_, err := NewBuilder(NativeEstimator{}).ExtractFromImage(context.Background(), img, int64(len(image)), false)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}
