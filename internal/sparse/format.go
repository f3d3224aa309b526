package sparse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	sparseHeaderMagic = 0xED26FF3A
	sparseHeaderSize  = 28
	chunkHeaderSize   = 12

	chunkTypeRaw      = 0xCAC1
	chunkTypeFill     = 0xCAC2
	chunkTypeDontCare = 0xCAC3
	chunkTypeCrc32    = 0xCAC4
)

type fileHeader struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	FileHeaderSize  uint16
	ChunkHeaderSize uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	ImageChecksum   uint32
}

type chunkHeader struct {
	ChunkType uint16
	Reserved  uint16
	ChunkSize uint32
	TotalSize uint32
}

// chunk is one physical run of blocks. Raw chunks point into the backing reader, fill
// chunks repeat a 4-byte pattern, don't-care chunks are outside the care map.
type chunk struct {
	kind   uint16
	start  int
	blocks int
	offset int64
	fill   [4]byte
}

func (c chunk) end() int {
	return c.start + c.blocks
}

// Open reads an Android sparse image. Files without the sparse magic are treated as raw
// block images and must be a whole number of blocks long.
func Open(path string, opts Options) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	chunks, totalBlocks, err := parseChunks(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("'%v': %w", path, err)
	}
	return newImage(path, f, f, totalBlocks, chunks, opts), nil
}

func parseChunks(r io.ReaderAt, size int64) ([]chunk, int, error) {
	var hdr fileHeader
	if size >= sparseHeaderSize {
		if err := binary.Read(io.NewSectionReader(r, 0, sparseHeaderSize), binary.LittleEndian, &hdr); err != nil {
			return nil, 0, err
		}
	}
	if hdr.Magic != sparseHeaderMagic {
		if size%BlockSize != 0 {
			return nil, 0, fmt.Errorf("raw image size %d is not a multiple of %d: %w", size, BlockSize, ErrInvalidSparseImage)
		}
		blocks := int(size / BlockSize)
		if blocks == 0 {
			return nil, 0, nil
		}
		return []chunk{{kind: chunkTypeRaw, start: 0, blocks: blocks, offset: 0}}, blocks, nil
	}

	if hdr.MajorVersion != 1 {
		return nil, 0, fmt.Errorf("unsupported major version %d: %w", hdr.MajorVersion, ErrInvalidSparseImage)
	}
	if hdr.FileHeaderSize < sparseHeaderSize || hdr.ChunkHeaderSize < chunkHeaderSize {
		return nil, 0, fmt.Errorf("header sizes %d/%d too small: %w", hdr.FileHeaderSize, hdr.ChunkHeaderSize, ErrInvalidSparseImage)
	}
	if hdr.BlockSize != BlockSize {
		return nil, 0, fmt.Errorf("block size %d: %w", hdr.BlockSize, ErrInvalidSparseImage)
	}

	var chunks []chunk
	pos := int64(hdr.FileHeaderSize)
	block := 0
	for i := uint32(0); i < hdr.TotalChunks; i++ {
		var ch chunkHeader
		if err := binary.Read(io.NewSectionReader(r, pos, chunkHeaderSize), binary.LittleEndian, &ch); err != nil {
			return nil, 0, fmt.Errorf("chunk %d header: %v: %w", i, err, ErrInvalidSparseImage)
		}
		dataOffset := pos + int64(hdr.ChunkHeaderSize)
		dataSize := int64(ch.TotalSize) - int64(hdr.ChunkHeaderSize)
		blocks := int(ch.ChunkSize)

		switch ch.ChunkType {
		case chunkTypeRaw:
			if dataSize != int64(blocks)*BlockSize {
				return nil, 0, fmt.Errorf("raw chunk %d has %d bytes for %d blocks: %w", i, dataSize, blocks, ErrInvalidSparseImage)
			}
			chunks = append(chunks, chunk{kind: chunkTypeRaw, start: block, blocks: blocks, offset: dataOffset})
			block += blocks
		case chunkTypeFill:
			if dataSize != 4 {
				return nil, 0, fmt.Errorf("fill chunk %d has %d data bytes: %w", i, dataSize, ErrInvalidSparseImage)
			}
			c := chunk{kind: chunkTypeFill, start: block, blocks: blocks}
			if _, err := r.ReadAt(c.fill[:], dataOffset); err != nil {
				return nil, 0, fmt.Errorf("fill chunk %d: %v: %w", i, err, ErrInvalidSparseImage)
			}
			chunks = append(chunks, c)
			block += blocks
		case chunkTypeDontCare:
			if dataSize != 0 {
				return nil, 0, fmt.Errorf("don't care chunk %d has %d data bytes: %w", i, dataSize, ErrInvalidSparseImage)
			}
			chunks = append(chunks, chunk{kind: chunkTypeDontCare, start: block, blocks: blocks})
			block += blocks
		case chunkTypeCrc32:
			// checksum of the preceding data, not part of the block space
		default:
			return nil, 0, fmt.Errorf("chunk %d has unknown type %#x: %w", i, ch.ChunkType, ErrInvalidSparseImage)
		}
		pos += int64(ch.TotalSize)
	}
	if pos > size {
		return nil, 0, fmt.Errorf("chunks extend past end of file: %w", ErrInvalidSparseImage)
	}
	if block != int(hdr.TotalBlocks) {
		return nil, 0, fmt.Errorf("chunks cover %d blocks, header declares %d: %w", block, hdr.TotalBlocks, ErrInvalidSparseImage)
	}
	return chunks, block, nil
}

// WriteSparse encodes blocks as a sparse image, collapsing runs of identical 4-byte
// patterns into fill chunks. It is used to materialize images for external tools that
// only accept the sparse format.
func WriteSparse(w io.Writer, data []byte) error {
	if len(data)%BlockSize != 0 {
		return fmt.Errorf("data size %d is not a multiple of %d: %w", len(data), BlockSize, ErrInvalidSparseImage)
	}
	totalBlocks := len(data) / BlockSize

	type run struct {
		fill  bool
		start int
		end   int
	}
	var runs []run
	for b := 0; b < totalBlocks; b++ {
		fill := isFillBlock(data[b*BlockSize : (b+1)*BlockSize])
		if n := len(runs); n > 0 && runs[n-1].fill == fill && runs[n-1].end == b &&
			(!fill || bytes.Equal(data[runs[n-1].start*BlockSize:runs[n-1].start*BlockSize+4], data[b*BlockSize:b*BlockSize+4])) {
			runs[n-1].end = b + 1
			continue
		}
		runs = append(runs, run{fill: fill, start: b, end: b + 1})
	}

	hdr := fileHeader{
		Magic:           sparseHeaderMagic,
		MajorVersion:    1,
		FileHeaderSize:  sparseHeaderSize,
		ChunkHeaderSize: chunkHeaderSize,
		BlockSize:       BlockSize,
		TotalBlocks:     uint32(totalBlocks),
		TotalChunks:     uint32(len(runs)),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, r := range runs {
		ch := chunkHeader{ChunkSize: uint32(r.end - r.start)}
		var payload []byte
		if r.fill {
			ch.ChunkType = chunkTypeFill
			payload = data[r.start*BlockSize : r.start*BlockSize+4]
		} else {
			ch.ChunkType = chunkTypeRaw
			payload = data[r.start*BlockSize : r.end*BlockSize]
		}
		ch.TotalSize = uint32(chunkHeaderSize + len(payload))
		if err := binary.Write(w, binary.LittleEndian, ch); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func isFillBlock(block []byte) bool {
	for i := 4; i < len(block); i += 4 {
		if !bytes.Equal(block[i:i+4], block[:4]) {
			return false
		}
	}
	return true
}
