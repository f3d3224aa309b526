package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic starts every payload
	Magic = "CrAU"
	// MajorVersion is the payload format version written
	MajorVersion = 2
	// FullMinorVersion is the minor version of full payloads
	FullMinorVersion = 0
	// DefaultMinorVersion is the minor version of incremental payloads
	DefaultMinorVersion = 8

	headerSize = 4 + 8 + 8 + 4
)

var (
	// ErrInvalidPayload is returned when a payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrSignatureMismatch is returned when a payload signature does not verify
	ErrSignatureMismatch = errors.New("payload signature mismatch")
)

// Header is the fixed-size start of a payload
type Header struct {
	Version               uint64
	ManifestSize          uint64
	MetadataSignatureSize uint32
}

func (h Header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b, Magic)
	binary.BigEndian.PutUint64(b[4:], h.Version)
	binary.BigEndian.PutUint64(b[12:], h.ManifestSize)
	binary.BigEndian.PutUint32(b[20:], h.MetadataSignatureSize)
	return b
}

// AssembleOptions sets the payload-wide manifest fields
type AssembleOptions struct {
	MinorVersion             uint32
	MaxTimestamp             int64
	DynamicPartitionMetadata *DynamicPartitionMetadata
	PartialUpdate            bool
}

// Payload is an assembled payload. The data blobs of every operation are concatenated
// in emission order.
type Payload struct {
	Manifest *Manifest
	Data     []byte

	metadataSignature []byte
	payloadSignature  []byte
}

// Assemble concatenates the blobs of every partition in order and fixes each operation's
// data offset
func Assemble(parts []*Partition, opts AssembleOptions) *Payload {
	m := &Manifest{
		BlockSize:                BlockSize,
		MinorVersion:             opts.MinorVersion,
		MaxTimestamp:             opts.MaxTimestamp,
		DynamicPartitionMetadata: opts.DynamicPartitionMetadata,
		PartialUpdate:            opts.PartialUpdate,
	}
	var data bytes.Buffer
	for _, part := range parts {
		update := part.Update
		update.Operations = append([]InstallOperation(nil), part.Update.Operations...)
		for i := range update.Operations {
			blob := part.Blobs[i]
			if len(blob) == 0 {
				continue
			}
			update.Operations[i].DataOffset = uint64(data.Len())
			update.Operations[i].DataLength = uint64(len(blob))
			data.Write(blob)
		}
		m.Partitions = append(m.Partitions, update)
	}
	return &Payload{Manifest: m, Data: data.Bytes()}
}

func (p *Payload) header(manifest []byte) []byte {
	return Header{
		Version:               MajorVersion,
		ManifestSize:          uint64(len(manifest)),
		MetadataSignatureSize: uint32(len(p.metadataSignature)),
	}.marshal()
}

// Sign reserves signature space of the signer's size, fixes the manifest, then signs
// the metadata and the whole payload and patches both signatures in.
func (p *Payload) Sign(signer *Signer) error {
	reserved := (&Signatures{Signatures: []Signature{{
		Data:                  make([]byte, signer.Size()),
		UnpaddedSignatureSize: uint32(signer.Size()),
	}}}).Marshal()
	p.Manifest.SignaturesOffset = uint64(len(p.Data))
	p.Manifest.SignaturesSize = uint64(len(reserved))
	p.metadataSignature = reserved
	p.payloadSignature = reserved

	manifest := p.Manifest.Marshal()
	header := p.header(manifest)

	metadataHash := sha256.New()
	metadataHash.Write(header)
	metadataHash.Write(manifest)
	metadataSignature, err := signer.signatures(metadataHash.Sum(nil))
	if err != nil {
		return err
	}
	if len(metadataSignature) != len(reserved) {
		return fmt.Errorf("metadata signature is %d bytes, reserved %d: %w", len(metadataSignature), len(reserved), ErrSignatureMismatch)
	}
	p.metadataSignature = metadataSignature

	payloadHash := sha256.New()
	payloadHash.Write(header)
	payloadHash.Write(manifest)
	payloadHash.Write(metadataSignature)
	payloadHash.Write(p.Data)
	payloadSignature, err := signer.signatures(payloadHash.Sum(nil))
	if err != nil {
		return err
	}
	if len(payloadSignature) != len(reserved) {
		return fmt.Errorf("payload signature is %d bytes, reserved %d: %w", len(payloadSignature), len(reserved), ErrSignatureMismatch)
	}
	p.payloadSignature = payloadSignature
	return nil
}

// WriteTo writes the payload
func (p *Payload) WriteTo(w io.Writer) (int64, error) {
	manifest := p.Manifest.Marshal()
	var n int64
	for _, part := range [][]byte{p.header(manifest), manifest, p.metadataSignature, p.Data, p.payloadSignature} {
		m, err := w.Write(part)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Bytes returns the encoded payload
func (p *Payload) Bytes() []byte {
	var b bytes.Buffer
	_, _ = p.WriteTo(&b)
	return b.Bytes()
}

// Properties returns payload_properties.txt for an encoded payload
func Properties(encoded []byte) ([]byte, error) {
	h, err := ReadHeader(encoded)
	if err != nil {
		return nil, err
	}
	metadataSize := headerSize + int(h.ManifestSize)
	fileHash := sha256.Sum256(encoded)
	metadataHash := sha256.Sum256(encoded[:metadataSize])
	var b bytes.Buffer
	fmt.Fprintf(&b, "FILE_HASH=%s\n", base64.StdEncoding.EncodeToString(fileHash[:]))
	fmt.Fprintf(&b, "FILE_SIZE=%d\n", len(encoded))
	fmt.Fprintf(&b, "METADATA_HASH=%s\n", base64.StdEncoding.EncodeToString(metadataHash[:]))
	fmt.Fprintf(&b, "METADATA_SIZE=%d\n", metadataSize)
	return b.Bytes(), nil
}

// ReadHeader decodes the fixed-size header of an encoded payload
func ReadHeader(encoded []byte) (Header, error) {
	if len(encoded) < headerSize || string(encoded[:4]) != Magic {
		return Header{}, fmt.Errorf("missing %s header: %w", Magic, ErrInvalidPayload)
	}
	h := Header{
		Version:               binary.BigEndian.Uint64(encoded[4:]),
		ManifestSize:          binary.BigEndian.Uint64(encoded[12:]),
		MetadataSignatureSize: binary.BigEndian.Uint32(encoded[20:]),
	}
	if h.Version != MajorVersion {
		return h, fmt.Errorf("major version %d: %w", h.Version, ErrInvalidPayload)
	}
	size := uint64(len(encoded))
	if h.ManifestSize > size-headerSize || size-headerSize-h.ManifestSize < uint64(h.MetadataSignatureSize) {
		return h, fmt.Errorf("truncated metadata: %w", ErrInvalidPayload)
	}
	return h, nil
}

// Decoded is a parsed payload
type Decoded struct {
	Header            Header
	Manifest          *Manifest
	MetadataSignature *Signatures
	PayloadSignature  *Signatures
	// Data is the blob section, without the payload signature
	Data []byte

	metadata []byte
	signed   []byte
}

// Decode parses an encoded payload and checks that operation blobs are laid out in
// increasing order inside the data section
func Decode(encoded []byte) (*Decoded, error) {
	h, err := ReadHeader(encoded)
	if err != nil {
		return nil, err
	}
	manifestEnd := headerSize + int(h.ManifestSize)
	dataStart := manifestEnd + int(h.MetadataSignatureSize)
	m, err := UnmarshalManifest(encoded[headerSize:manifestEnd])
	if err != nil {
		return nil, err
	}
	d := &Decoded{Header: h, Manifest: m, metadata: encoded[:manifestEnd]}

	dataEnd := len(encoded)
	if m.SignaturesSize > 0 {
		dataSize := uint64(len(encoded) - dataStart)
		if m.SignaturesOffset > dataSize || m.SignaturesSize != dataSize-m.SignaturesOffset {
			return nil, fmt.Errorf("payload signature at %d+%d, payload is %d bytes: %w", m.SignaturesOffset, m.SignaturesSize,
				len(encoded), ErrInvalidPayload)
		}
		sigStart := dataStart + int(m.SignaturesOffset)
		sigEnd := len(encoded)
		if d.PayloadSignature, err = UnmarshalSignatures(encoded[sigStart:sigEnd]); err != nil {
			return nil, err
		}
		dataEnd = sigStart
	}
	if h.MetadataSignatureSize > 0 {
		if d.MetadataSignature, err = UnmarshalSignatures(encoded[manifestEnd:dataStart]); err != nil {
			return nil, err
		}
	}
	d.Data = encoded[dataStart:dataEnd]
	d.signed = encoded[:dataEnd]

	next := uint64(0)
	for _, part := range m.Partitions {
		for i, op := range part.Operations {
			if op.DataLength == 0 {
				continue
			}
			size := uint64(len(d.Data))
			if op.DataOffset < next || op.DataOffset > size || op.DataLength > size-op.DataOffset {
				return nil, fmt.Errorf("%v operation %d: data %d+%d out of order: %w", part.PartitionName, i,
					op.DataOffset, op.DataLength, ErrInvalidPayload)
			}
			next = op.DataOffset + op.DataLength
		}
	}
	return d, nil
}

// Partition returns the named partition with its operation blobs
func (d *Decoded) Partition(name string) (*Partition, error) {
	for _, update := range d.Manifest.Partitions {
		if update.PartitionName != name {
			continue
		}
		part := &Partition{Update: update}
		for _, op := range update.Operations {
			var blob []byte
			if op.DataLength > 0 {
				blob = d.Data[op.DataOffset : op.DataOffset+op.DataLength]
			}
			part.Blobs = append(part.Blobs, blob)
		}
		return part, nil
	}
	return nil, fmt.Errorf("partition %v: %w", name, ErrInvalidPayload)
}

// Verify checks both signatures of the payload against verifier
func (d *Decoded) Verify(verifier *Verifier) error {
	if d.MetadataSignature == nil || d.PayloadSignature == nil {
		return fmt.Errorf("payload is unsigned: %w", ErrSignatureMismatch)
	}
	metadataHash := sha256.Sum256(d.metadata)
	if err := verifier.verify(metadataHash[:], d.MetadataSignature); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	payloadHash := sha256.Sum256(d.signed)
	if err := verifier.verify(payloadHash[:], d.PayloadSignature); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}
