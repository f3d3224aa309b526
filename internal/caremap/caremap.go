package caremap

import (
	"errors"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"github.com/rattlesnakeos/otatools/internal/verity"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldPartitions = 1

	fieldName         = 1
	fieldRanges       = 2
	fieldID           = 3
	fieldFingerprint  = 4
	fieldVerityDigest = 5
)

var (
	// ErrInvalidCareMap is returned when care_map.pb cannot be decoded
	ErrInvalidCareMap = errors.New("invalid care map")
)

// Image is what a care map entry is derived from
type Image interface {
	CareMap() rangeset.RangeSet
	HashtreeRange() rangeset.RangeSet
}

// PartitionInfo is the care map entry of one partition
type PartitionInfo struct {
	Name         string
	Ranges       rangeset.RangeSet
	ID           string
	Fingerprint  string
	VerityDigest string
}

// CareMap lists the blocks the device verifies after installing an update
type CareMap struct {
	Partitions []PartitionInfo
}

// ForImage builds the entry of one partition. Hashtree blocks are left out and, when the
// image carries verity metadata, the entry is limited to its filesystem range.
func ForImage(name string, img Image, fingerprintID, fingerprint string, info *verity.HashtreeInfo) PartitionInfo {
	ranges := img.CareMap().Subtract(img.HashtreeRange())
	p := PartitionInfo{
		Name:        name,
		Ranges:      ranges,
		ID:          fingerprintID,
		Fingerprint: fingerprint,
	}
	if info != nil {
		p.Ranges = img.CareMap().Intersect(info.FilesystemRange)
		p.VerityDigest = info.RootHash
	}
	return p
}

// Add appends an entry
func (c *CareMap) Add(p PartitionInfo) {
	c.Partitions = append(c.Partitions, p)
}

// Marshal encodes the care map as care_map.pb
func (c *CareMap) Marshal() []byte {
	var out []byte
	for _, p := range c.Partitions {
		var msg []byte
		msg = appendString(msg, fieldName, p.Name)
		msg = appendString(msg, fieldRanges, p.Ranges.ToStringRaw())
		msg = appendString(msg, fieldID, p.ID)
		msg = appendString(msg, fieldFingerprint, p.Fingerprint)
		msg = appendString(msg, fieldVerityDigest, p.VerityDigest)
		out = protowire.AppendTag(out, fieldPartitions, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	return out
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Parse decodes care_map.pb
func Parse(data []byte) (*CareMap, error) {
	c := &CareMap{}
	err := walk(data, func(num protowire.Number, value []byte) error {
		if num != fieldPartitions {
			return nil
		}
		p, err := parsePartition(value)
		if err != nil {
			return err
		}
		c.Partitions = append(c.Partitions, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func parsePartition(data []byte) (PartitionInfo, error) {
	var p PartitionInfo
	err := walk(data, func(num protowire.Number, value []byte) error {
		switch num {
		case fieldName:
			p.Name = string(value)
		case fieldRanges:
			ranges, err := rangeset.ParseRaw(string(value))
			if err != nil {
				return fmt.Errorf("ranges of %v: %w", p.Name, err)
			}
			p.Ranges = ranges
		case fieldID:
			p.ID = string(value)
		case fieldFingerprint:
			p.Fingerprint = string(value)
		case fieldVerityDigest:
			p.VerityDigest = string(value)
		}
		return nil
	})
	return p, err
}

// walk calls fn for every length-delimited field of a message and skips the rest
func walk(data []byte, fn func(num protowire.Number, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("tag: %v: %w", protowire.ParseError(n), ErrInvalidCareMap)
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrInvalidCareMap)
			}
			data = data[n:]
			continue
		}
		value, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrInvalidCareMap)
		}
		data = data[n:]
		if err := fn(num, value); err != nil {
			return err
		}
	}
	return nil
}
