package verity

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	log "github.com/sirupsen/logrus"
	"strconv"
	"strings"
	"sync"
)

const (
	// BlockSize is the dm-verity data and hash block size
	BlockSize = 4096
	// MetadataSize is the space reserved after the hashtree for the verity metadata
	MetadataSize = 32768
	// DefaultFecRoots is the Reed-Solomon parity byte count used by the fec tool
	DefaultFecRoots = 2

	metadataMagic      = 0xb001b001
	metadataVersion    = 0
	metadataHeaderSize = 268
	fecRsm             = 255
)

var (
	// ErrInvalidMetadata is returned when the verity metadata block cannot be parsed
	ErrInvalidMetadata = errors.New("invalid verity metadata")
	// ErrHashtreeMismatch is returned when the rebuilt hashtree differs from the image
	ErrHashtreeMismatch = errors.New("hashtree mismatch")
	// ErrPartitionTooSmall is returned when no image size fits with its verity overhead
	ErrPartitionTooSmall = errors.New("partition too small for verity")
)

// HashtreeInfo describes the dm-verity layout of a partition image
type HashtreeInfo struct {
	FilesystemRange rangeset.RangeSet
	HashtreeRange   rangeset.RangeSet
	HashAlgorithm   string
	// Salt is hex encoded
	Salt string
	// RootHash is hex encoded
	RootHash string
}

// BlockReader is the part of an image needed to read verity data
type BlockReader interface {
	TotalBlocks() int
	ReadAll(rs rangeset.RangeSet) ([]byte, error)
}

// OverheadEstimator reports the sizes of the verity structures appended to an image
type OverheadEstimator interface {
	TreeSize(ctx context.Context, imageSize int64) (int64, error)
	MetadataSize(ctx context.Context, imageSize int64) (int64, error)
	FecSize(ctx context.Context, imageSize int64) (int64, error)
}

// NativeEstimator computes verity overhead from the on-disk format definitions
type NativeEstimator struct {
	Algorithm string
	FecRoots  int
}

// TreeSize returns the hashtree size for imageSize bytes of data
func (n NativeEstimator) TreeSize(_ context.Context, imageSize int64) (int64, error) {
	alg := n.Algorithm
	if alg == "" {
		alg = AlgorithmSHA256
	}
	return TreeSize(imageSize, alg), nil
}

// MetadataSize returns the fixed verity metadata size
func (n NativeEstimator) MetadataSize(context.Context, int64) (int64, error) {
	return MetadataSize, nil
}

// FecSize returns the size of the FEC data protecting imageSize bytes
func (n NativeEstimator) FecSize(_ context.Context, imageSize int64) (int64, error) {
	roots := n.FecRoots
	if roots == 0 {
		roots = DefaultFecRoots
	}
	blocks := (imageSize + BlockSize - 1) / BlockSize
	rsn := int64(fecRsm - roots)
	return ((blocks+rsn-1)/rsn)*int64(roots)*BlockSize + BlockSize, nil
}

// Runner runs an external tool
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ToolEstimator asks the host verity tools for their sizes
type ToolEstimator struct {
	Runner Runner
}

// TreeSize runs build_verity_tree -s
func (t ToolEstimator) TreeSize(ctx context.Context, imageSize int64) (int64, error) {
	return t.sizeOf(ctx, "build_verity_tree", "-s", strconv.FormatInt(imageSize, 10))
}

// MetadataSize runs build_verity_metadata size
func (t ToolEstimator) MetadataSize(ctx context.Context, imageSize int64) (int64, error) {
	return t.sizeOf(ctx, "build_verity_metadata", "size", strconv.FormatInt(imageSize, 10))
}

// FecSize runs fec -s
func (t ToolEstimator) FecSize(ctx context.Context, imageSize int64) (int64, error) {
	return t.sizeOf(ctx, "fec", "-s", strconv.FormatInt(imageSize, 10))
}

func (t ToolEstimator) sizeOf(ctx context.Context, name string, args ...string) (int64, error) {
	output, err := t.Runner.Run(ctx, name, args...)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("'%v' printed %q: %w", name, output, err)
	}
	return size, nil
}

type adjustKey struct {
	partitionSize int64
	fecSupported  bool
}

type adjustResult struct {
	imageSize  int64
	veritySize int64
}

// Builder computes verity geometry for partitions. Results of AdjustPartitionSize are
// cached so repeated queries give identical answers.
type Builder struct {
	estimator OverheadEstimator

	mu    sync.Mutex
	cache map[adjustKey]adjustResult
}

// NewBuilder returns a Builder using estimator for overhead sizes
func NewBuilder(estimator OverheadEstimator) *Builder {
	return &Builder{
		estimator: estimator,
		cache:     map[adjustKey]adjustResult{},
	}
}

// VeritySize returns the bytes appended to an image of imageSize bytes: hashtree,
// metadata and, if fecSupported, FEC data.
func (b *Builder) VeritySize(ctx context.Context, imageSize int64, fecSupported bool) (int64, error) {
	tree, err := b.estimator.TreeSize(ctx, imageSize)
	if err != nil {
		return 0, err
	}
	meta, err := b.estimator.MetadataSize(ctx, imageSize)
	if err != nil {
		return 0, err
	}
	size := tree + meta
	if fecSupported {
		fec, err := b.estimator.FecSize(ctx, imageSize+size)
		if err != nil {
			return 0, err
		}
		size += fec
	}
	return size, nil
}

// AdjustPartitionSize returns the largest block aligned image size s such that s plus
// its verity overhead fits in partitionSize, along with that overhead.
func (b *Builder) AdjustPartitionSize(ctx context.Context, partitionSize int64, fecSupported bool) (int64, int64, error) {
	key := adjustKey{partitionSize: partitionSize, fecSupported: fecSupported}
	b.mu.Lock()
	if r, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return r.imageSize, r.veritySize, nil
	}
	b.mu.Unlock()

	hi := (partitionSize / BlockSize) * BlockSize
	veritySize, err := b.VeritySize(ctx, hi, fecSupported)
	if err != nil {
		return 0, 0, err
	}
	lo := max(partitionSize-veritySize, 0)
	result := int64(-1)
	if lo%BlockSize == 0 && lo+veritySize <= partitionSize {
		result = lo
	}
	for lo < hi {
		i := ((lo + hi) / (2 * BlockSize)) * BlockSize
		v, err := b.VeritySize(ctx, i, fecSupported)
		if err != nil {
			return 0, 0, err
		}
		if i+v <= partitionSize {
			if result < i {
				result = i
				veritySize = v
			}
			lo = i + BlockSize
		} else {
			hi = i
		}
	}
	if result <= 0 {
		return 0, 0, fmt.Errorf("partition size %d: %w", partitionSize, ErrPartitionTooSmall)
	}

	log.Debugf("adjusted partition size for verity: partition %d image %d verity %d", partitionSize, result, veritySize)
	b.mu.Lock()
	b.cache[key] = adjustResult{imageSize: result, veritySize: veritySize}
	b.mu.Unlock()
	return result, veritySize, nil
}

// ExtractFromImage locates the hashtree of an image built for a partition of
// partitionSize bytes and reads the algorithm, salt and root hash out of the verity
// metadata. The image must span the whole partition.
func (b *Builder) ExtractFromImage(ctx context.Context, img BlockReader, partitionSize int64, fecSupported bool) (*HashtreeInfo, error) {
	if int64(img.TotalBlocks())*BlockSize != partitionSize {
		return nil, fmt.Errorf("image has %d blocks, partition is %d bytes: %w", img.TotalBlocks(), partitionSize, ErrInvalidMetadata)
	}
	fsSize, _, err := b.AdjustPartitionSize(ctx, partitionSize, fecSupported)
	if err != nil {
		return nil, err
	}
	treeSize, err := b.estimator.TreeSize(ctx, fsSize)
	if err != nil {
		return nil, err
	}
	metaSize, err := b.estimator.MetadataSize(ctx, fsSize)
	if err != nil {
		return nil, err
	}

	fsBlocks := int(fsSize / BlockSize)
	treeBlocks := int(treeSize / BlockSize)
	metaStart := fsBlocks + treeBlocks
	metaEnd := metaStart + int((metaSize+BlockSize-1)/BlockSize)
	if metaEnd > img.TotalBlocks() {
		return nil, fmt.Errorf("metadata ends at block %d past %d: %w", metaEnd, img.TotalBlocks(), ErrInvalidMetadata)
	}
	metadata, err := img.ReadAll(rangeset.New(metaStart, metaEnd))
	if err != nil {
		return nil, err
	}
	table, err := parseMetadata(metadata)
	if err != nil {
		return nil, err
	}
	if table.dataBlocks != fsBlocks {
		return nil, fmt.Errorf("metadata declares %d data blocks, geometry gives %d: %w", table.dataBlocks, fsBlocks, ErrInvalidMetadata)
	}

	return &HashtreeInfo{
		FilesystemRange: rangeset.New(0, fsBlocks),
		HashtreeRange:   rangeset.New(fsBlocks, fsBlocks+treeBlocks),
		HashAlgorithm:   table.algorithm,
		Salt:            table.salt,
		RootHash:        table.rootHash,
	}, nil
}

// Validate rebuilds the hashtree from the filesystem range and checks it against the
// hashtree bytes on the image and the recorded root hash.
func Validate(img BlockReader, info *HashtreeInfo) error {
	salt, err := hex.DecodeString(info.Salt)
	if err != nil {
		return fmt.Errorf("salt %q: %v: %w", info.Salt, err, ErrInvalidMetadata)
	}
	data, err := img.ReadAll(info.FilesystemRange)
	if err != nil {
		return err
	}
	tree, root, err := BuildHashtree(data, salt, info.HashAlgorithm)
	if err != nil {
		return err
	}
	onImage, err := img.ReadAll(info.HashtreeRange)
	if err != nil {
		return err
	}
	if !bytes.Equal(tree, onImage) {
		return fmt.Errorf("rebuilt %d bytes of hashtree differ from %d bytes on image: %w", len(tree), len(onImage), ErrHashtreeMismatch)
	}
	if hex.EncodeToString(root) != strings.ToLower(info.RootHash) {
		return fmt.Errorf("root hash %x, expected %v: %w", root, info.RootHash, ErrHashtreeMismatch)
	}
	return nil
}

type verityTable struct {
	dataBlocks int
	algorithm  string
	rootHash   string
	salt       string
}

func parseMetadata(metadata []byte) (*verityTable, error) {
	if len(metadata) < metadataHeaderSize {
		return nil, fmt.Errorf("metadata is %d bytes: %w", len(metadata), ErrInvalidMetadata)
	}
	var hdr struct {
		Magic     uint32
		Version   uint32
		Signature [256]byte
		TableLen  uint32
	}
	if err := binary.Read(bytes.NewReader(metadata[:metadataHeaderSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidMetadata)
	}
	if hdr.Magic != metadataMagic {
		return nil, fmt.Errorf("magic %#x: %w", hdr.Magic, ErrInvalidMetadata)
	}
	if hdr.Version != metadataVersion {
		return nil, fmt.Errorf("version %d: %w", hdr.Version, ErrInvalidMetadata)
	}
	end := metadataHeaderSize + int(hdr.TableLen)
	if end > len(metadata) {
		return nil, fmt.Errorf("table length %d: %w", hdr.TableLen, ErrInvalidMetadata)
	}

	// 1 <dev> <dev> <data bs> <hash bs> <data blocks> <hash start> <alg> <root> <salt>
	fields := strings.Fields(string(metadata[metadataHeaderSize:end]))
	if len(fields) != 10 {
		return nil, fmt.Errorf("table has %d fields: %w", len(fields), ErrInvalidMetadata)
	}
	if fields[3] != strconv.Itoa(BlockSize) || fields[4] != strconv.Itoa(BlockSize) {
		return nil, fmt.Errorf("table block sizes %v/%v: %w", fields[3], fields[4], ErrInvalidMetadata)
	}
	dataBlocks, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, fmt.Errorf("table data blocks %q: %w", fields[5], ErrInvalidMetadata)
	}
	if fields[6] != fields[5] {
		return nil, fmt.Errorf("table hash start %v differs from data blocks %v: %w", fields[6], fields[5], ErrInvalidMetadata)
	}
	if _, err := newHash(fields[7]); err != nil {
		return nil, err
	}
	return &verityTable{
		dataBlocks: dataBlocks,
		algorithm:  fields[7],
		rootHash:   fields[8],
		salt:       fields[9],
	}, nil
}

// EncodeMetadata renders the unsigned verity metadata region for a filesystem of
// dataBlocks blocks on device.
func EncodeMetadata(info *HashtreeInfo, dataBlocks int, device string) []byte {
	table := fmt.Sprintf("1 %s %s %d %d %d %d %s %s %s", device, device, BlockSize, BlockSize,
		dataBlocks, dataBlocks, info.HashAlgorithm, info.RootHash, info.Salt)
	out := make([]byte, MetadataSize)
	binary.LittleEndian.PutUint32(out[0:], metadataMagic)
	binary.LittleEndian.PutUint32(out[4:], metadataVersion)
	binary.LittleEndian.PutUint32(out[264:], uint32(len(table)))
	copy(out[metadataHeaderSize:], table)
	return out
}
