package verity

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

const (
	// AlgorithmSHA256 is the default dm-verity hash algorithm
	AlgorithmSHA256 = "sha256"
	// AlgorithmSHA1 is the legacy dm-verity hash algorithm
	AlgorithmSHA1 = "sha1"
)

func newHash(alg string) (func() hash.Hash, error) {
	switch alg {
	case AlgorithmSHA256:
		return sha256.New, nil
	case AlgorithmSHA1:
		return sha1.New, nil
	}
	return nil, fmt.Errorf("hash algorithm %q: %w", alg, ErrInvalidMetadata)
}

func digestSize(alg string) int {
	if alg == AlgorithmSHA1 {
		return sha1.Size
	}
	return sha256.Size
}

// levelBlocks returns the block count of every tree level, bottom level first
func levelBlocks(dataBlocks, hashesPerBlock int) []int {
	var levels []int
	n := dataBlocks
	for {
		n = (n + hashesPerBlock - 1) / hashesPerBlock
		levels = append(levels, n)
		if n <= 1 {
			return levels
		}
	}
}

// TreeSize returns the size in bytes of the hashtree over imageSize bytes of data
func TreeSize(imageSize int64, alg string) int64 {
	blocks := int((imageSize + BlockSize - 1) / BlockSize)
	if blocks == 0 {
		return 0
	}
	total := 0
	for _, n := range levelBlocks(blocks, BlockSize/digestSize(alg)) {
		total += n
	}
	return int64(total) * BlockSize
}

// BuildHashtree computes the dm-verity hashtree of data (a whole number of blocks)
// with the given salt. The returned tree stores the top level first; root is the salted
// digest of the top level block.
func BuildHashtree(data, salt []byte, alg string) (tree []byte, root []byte, err error) {
	newDigest, err := newHash(alg)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, nil, fmt.Errorf("data size %d is not a positive multiple of %d: %w", len(data), BlockSize, ErrInvalidMetadata)
	}

	h := newDigest()
	hashesPerBlock := BlockSize / h.Size()
	hashLevel := func(input []byte) []byte {
		var out bytes.Buffer
		for i, off := 0, 0; off < len(input); i, off = i+1, off+BlockSize {
			h.Reset()
			h.Write(salt)
			h.Write(input[off : off+BlockSize])
			out.Write(h.Sum(nil))
			if (i+1)%hashesPerBlock == 0 || off+BlockSize == len(input) {
				if rem := out.Len() % BlockSize; rem != 0 {
					out.Write(make([]byte, BlockSize-rem))
				}
			}
		}
		return out.Bytes()
	}

	var levels [][]byte
	level := hashLevel(data)
	levels = append(levels, level)
	for len(level) > BlockSize {
		level = hashLevel(level)
		levels = append(levels, level)
	}

	h.Reset()
	h.Write(salt)
	h.Write(level)
	root = h.Sum(nil)

	var out bytes.Buffer
	for i := len(levels) - 1; i >= 0; i-- {
		out.Write(levels[i])
	}
	return out.Bytes(), root, nil
}
