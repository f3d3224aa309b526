package payload

import (
	"fmt"
	"google.golang.org/protobuf/encoding/protowire"
)

// OpType is the type of an install operation
type OpType int32

const (
	OpReplace      OpType = 0
	OpReplaceBz    OpType = 1
	OpSourceCopy   OpType = 4
	OpSourceBsdiff OpType = 5
	OpZero         OpType = 6
	OpDiscard      OpType = 7
	OpReplaceXz    OpType = 8
	OpPuffdiff     OpType = 9
	OpBrotliBsdiff OpType = 10
	OpReplaceZstd  OpType = 14
)

var opTypeNames = map[OpType]string{
	OpReplace:      "REPLACE",
	OpReplaceBz:    "REPLACE_BZ",
	OpSourceCopy:   "SOURCE_COPY",
	OpSourceBsdiff: "SOURCE_BSDIFF",
	OpZero:         "ZERO",
	OpDiscard:      "DISCARD",
	OpReplaceXz:    "REPLACE_XZ",
	OpPuffdiff:     "PUFFDIFF",
	OpBrotliBsdiff: "BROTLI_BSDIFF",
	OpReplaceZstd:  "REPLACE_ZSTD",
}

func (o OpType) String() string {
	if name, ok := opTypeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OpType(%d)", int32(o))
}

// Extent is a run of blocks
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// PartitionInfo describes a whole partition image
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

// InstallOperation writes DstExtents, from the blob at DataOffset and/or SrcExtents
type InstallOperation struct {
	Type           OpType
	DataOffset     uint64
	DataLength     uint64
	SrcExtents     []Extent
	DstExtents     []Extent
	DataSha256Hash []byte
	SrcSha256Hash  []byte
}

// Signature is one signature over a payload or its metadata
type Signature struct {
	Data                  []byte
	UnpaddedSignatureSize uint32
}

// Signatures is the signature blob format
type Signatures struct {
	Signatures []Signature
}

// PartitionUpdate lists the operations for one partition
type PartitionUpdate struct {
	PartitionName      string
	OldPartitionInfo   *PartitionInfo
	NewPartitionInfo   *PartitionInfo
	Operations         []InstallOperation
	HashTreeDataExtent *Extent
	HashTreeExtent     *Extent
	HashTreeAlgorithm  string
	HashTreeSalt       []byte
	FecDataExtent      *Extent
	FecExtent          *Extent
	FecRoots           uint32
	Version            string
}

// DynamicPartitionGroup is a group of the super partition
type DynamicPartitionGroup struct {
	Name           string
	Size           uint64
	PartitionNames []string
}

// DynamicPartitionMetadata describes the layout of the super partition
type DynamicPartitionMetadata struct {
	Groups          []DynamicPartitionGroup
	SnapshotEnabled bool
}

// Manifest is the DeltaArchiveManifest of a payload
type Manifest struct {
	BlockSize                uint32
	SignaturesOffset         uint64
	SignaturesSize           uint64
	MinorVersion             uint32
	Partitions               []PartitionUpdate
	MaxTimestamp             int64
	DynamicPartitionMetadata *DynamicPartitionMetadata
	PartialUpdate            bool
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func (e Extent) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, e.StartBlock)
	return appendVarint(b, 2, e.NumBlocks)
}

func (p *PartitionInfo) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, p.Size)
	if len(p.Hash) > 0 {
		b = appendBytes(b, 2, p.Hash)
	}
	return b
}

func (o *InstallOperation) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(o.Type))
	if o.DataLength > 0 {
		b = appendVarint(b, 2, o.DataOffset)
		b = appendVarint(b, 3, o.DataLength)
	}
	for _, e := range o.SrcExtents {
		b = appendBytes(b, 4, e.marshal())
	}
	for _, e := range o.DstExtents {
		b = appendBytes(b, 6, e.marshal())
	}
	if len(o.DataSha256Hash) > 0 {
		b = appendBytes(b, 8, o.DataSha256Hash)
	}
	if len(o.SrcSha256Hash) > 0 {
		b = appendBytes(b, 9, o.SrcSha256Hash)
	}
	return b
}

// Marshal encodes the signature blob
func (s *Signatures) Marshal() []byte {
	var b []byte
	for _, sig := range s.Signatures {
		var m []byte
		m = appendBytes(m, 2, sig.Data)
		m = protowire.AppendTag(m, 3, protowire.Fixed32Type)
		m = protowire.AppendFixed32(m, sig.UnpaddedSignatureSize)
		b = appendBytes(b, 1, m)
	}
	return b
}

func (p *PartitionUpdate) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(p.PartitionName))
	if p.OldPartitionInfo != nil {
		b = appendBytes(b, 6, p.OldPartitionInfo.marshal())
	}
	if p.NewPartitionInfo != nil {
		b = appendBytes(b, 7, p.NewPartitionInfo.marshal())
	}
	for i := range p.Operations {
		b = appendBytes(b, 8, p.Operations[i].marshal())
	}
	if p.HashTreeDataExtent != nil {
		b = appendBytes(b, 10, p.HashTreeDataExtent.marshal())
	}
	if p.HashTreeExtent != nil {
		b = appendBytes(b, 11, p.HashTreeExtent.marshal())
	}
	if p.HashTreeAlgorithm != "" {
		b = appendBytes(b, 12, []byte(p.HashTreeAlgorithm))
	}
	if len(p.HashTreeSalt) > 0 {
		b = appendBytes(b, 13, p.HashTreeSalt)
	}
	if p.FecDataExtent != nil {
		b = appendBytes(b, 14, p.FecDataExtent.marshal())
	}
	if p.FecExtent != nil {
		b = appendBytes(b, 15, p.FecExtent.marshal())
	}
	if p.FecRoots > 0 {
		b = appendVarint(b, 16, uint64(p.FecRoots))
	}
	if p.Version != "" {
		b = appendBytes(b, 17, []byte(p.Version))
	}
	return b
}

func (d *DynamicPartitionMetadata) marshal() []byte {
	var b []byte
	for _, g := range d.Groups {
		var m []byte
		m = appendBytes(m, 1, []byte(g.Name))
		m = appendVarint(m, 2, g.Size)
		for _, name := range g.PartitionNames {
			m = appendBytes(m, 3, []byte(name))
		}
		b = appendBytes(b, 1, m)
	}
	if d.SnapshotEnabled {
		b = appendBool(b, 2, true)
	}
	return b
}

// Marshal encodes the manifest
func (m *Manifest) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 3, uint64(m.BlockSize))
	if m.SignaturesSize > 0 {
		b = appendVarint(b, 4, m.SignaturesOffset)
		b = appendVarint(b, 5, m.SignaturesSize)
	}
	b = appendVarint(b, 12, uint64(m.MinorVersion))
	for i := range m.Partitions {
		b = appendBytes(b, 13, m.Partitions[i].marshal())
	}
	if m.MaxTimestamp != 0 {
		b = appendVarint(b, 14, uint64(m.MaxTimestamp))
	}
	if m.DynamicPartitionMetadata != nil {
		b = appendBytes(b, 15, m.DynamicPartitionMetadata.marshal())
	}
	if m.PartialUpdate {
		b = appendBool(b, 16, true)
	}
	return b
}

// field is one decoded field; v holds varint and fixed values, b length-delimited ones
type field struct {
	num protowire.Number
	v   uint64
	b   []byte
}

func fields(data []byte) ([]field, error) {
	var out []field
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("tag: %v: %w", protowire.ParseError(n), ErrInvalidPayload)
		}
		data = data[n:]
		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(data)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrInvalidPayload)
		}
		data = data[n:]
		out = append(out, f)
	}
	return out, nil
}

func unmarshalExtent(data []byte) (Extent, error) {
	fs, err := fields(data)
	if err != nil {
		return Extent{}, err
	}
	var e Extent
	for _, f := range fs {
		switch f.num {
		case 1:
			e.StartBlock = f.v
		case 2:
			e.NumBlocks = f.v
		}
	}
	return e, nil
}

func unmarshalPartitionInfo(data []byte) (*PartitionInfo, error) {
	fs, err := fields(data)
	if err != nil {
		return nil, err
	}
	p := &PartitionInfo{}
	for _, f := range fs {
		switch f.num {
		case 1:
			p.Size = f.v
		case 2:
			p.Hash = f.b
		}
	}
	return p, nil
}

func unmarshalOperation(data []byte) (InstallOperation, error) {
	fs, err := fields(data)
	if err != nil {
		return InstallOperation{}, err
	}
	var o InstallOperation
	for _, f := range fs {
		switch f.num {
		case 1:
			o.Type = OpType(f.v)
		case 2:
			o.DataOffset = f.v
		case 3:
			o.DataLength = f.v
		case 4, 6:
			e, err := unmarshalExtent(f.b)
			if err != nil {
				return o, err
			}
			if f.num == 4 {
				o.SrcExtents = append(o.SrcExtents, e)
			} else {
				o.DstExtents = append(o.DstExtents, e)
			}
		case 8:
			o.DataSha256Hash = f.b
		case 9:
			o.SrcSha256Hash = f.b
		}
	}
	return o, nil
}

func unmarshalPartitionUpdate(data []byte) (PartitionUpdate, error) {
	fs, err := fields(data)
	if err != nil {
		return PartitionUpdate{}, err
	}
	var p PartitionUpdate
	extent := func(b []byte) (*Extent, error) {
		e, err := unmarshalExtent(b)
		return &e, err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			p.PartitionName = string(f.b)
		case 6:
			p.OldPartitionInfo, err = unmarshalPartitionInfo(f.b)
		case 7:
			p.NewPartitionInfo, err = unmarshalPartitionInfo(f.b)
		case 8:
			var op InstallOperation
			op, err = unmarshalOperation(f.b)
			p.Operations = append(p.Operations, op)
		case 10:
			p.HashTreeDataExtent, err = extent(f.b)
		case 11:
			p.HashTreeExtent, err = extent(f.b)
		case 12:
			p.HashTreeAlgorithm = string(f.b)
		case 13:
			p.HashTreeSalt = f.b
		case 14:
			p.FecDataExtent, err = extent(f.b)
		case 15:
			p.FecExtent, err = extent(f.b)
		case 16:
			p.FecRoots = uint32(f.v)
		case 17:
			p.Version = string(f.b)
		}
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

func unmarshalDynamicPartitionMetadata(data []byte) (*DynamicPartitionMetadata, error) {
	fs, err := fields(data)
	if err != nil {
		return nil, err
	}
	d := &DynamicPartitionMetadata{}
	for _, f := range fs {
		switch f.num {
		case 1:
			gfs, err := fields(f.b)
			if err != nil {
				return nil, err
			}
			var g DynamicPartitionGroup
			for _, gf := range gfs {
				switch gf.num {
				case 1:
					g.Name = string(gf.b)
				case 2:
					g.Size = gf.v
				case 3:
					g.PartitionNames = append(g.PartitionNames, string(gf.b))
				}
			}
			d.Groups = append(d.Groups, g)
		case 2:
			d.SnapshotEnabled = protowire.DecodeBool(f.v)
		}
	}
	return d, nil
}

// UnmarshalManifest decodes a manifest
func UnmarshalManifest(data []byte) (*Manifest, error) {
	fs, err := fields(data)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	for _, f := range fs {
		switch f.num {
		case 3:
			m.BlockSize = uint32(f.v)
		case 4:
			m.SignaturesOffset = f.v
		case 5:
			m.SignaturesSize = f.v
		case 12:
			m.MinorVersion = uint32(f.v)
		case 13:
			p, err := unmarshalPartitionUpdate(f.b)
			if err != nil {
				return nil, err
			}
			m.Partitions = append(m.Partitions, p)
		case 14:
			m.MaxTimestamp = int64(f.v)
		case 15:
			if m.DynamicPartitionMetadata, err = unmarshalDynamicPartitionMetadata(f.b); err != nil {
				return nil, err
			}
		case 16:
			m.PartialUpdate = protowire.DecodeBool(f.v)
		}
	}
	return m, nil
}

// UnmarshalSignatures decodes a signature blob
func UnmarshalSignatures(data []byte) (*Signatures, error) {
	fs, err := fields(data)
	if err != nil {
		return nil, err
	}
	s := &Signatures{}
	for _, f := range fs {
		if f.num != 1 {
			continue
		}
		sfs, err := fields(f.b)
		if err != nil {
			return nil, err
		}
		var sig Signature
		for _, sf := range sfs {
			switch sf.num {
			case 2:
				sig.Data = sf.b
			case 3:
				sig.UnpaddedSignatureSize = uint32(sf.v)
			}
		}
		s.Signatures = append(s.Signatures, sig)
	}
	return s, nil
}
