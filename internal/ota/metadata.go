package ota

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	"google.golang.org/protobuf/encoding/protowire"
	"sort"
	"strconv"
)

const (
	// TypeAB marks a package holding an A/B payload
	TypeAB = "AB"
	// TypeBlock marks a package holding non-A/B transfer lists
	TypeBlock = "BLOCK"
)

var (
	// ErrInvalidMetadata is returned when metadata.pb cannot be decoded
	ErrInvalidMetadata = errors.New("invalid ota metadata")
)

// otaTypes are the OtaMetadata.OtaType enum values
var otaTypes = map[string]uint64{TypeAB: 1, TypeBlock: 2}

// PartitionState identifies the build of one partition
type PartitionState struct {
	Name    string
	Device  []string
	Build   []string
	Version string
}

// DeviceState is the build a device runs before or after the update
type DeviceState struct {
	Device             []string
	Build              []string
	BuildIncremental   string
	Timestamp          int64
	SDKLevel           string
	SecurityPatchLevel string
	Partitions         []PartitionState
}

// Metadata describes a package to the updater. It is written twice: as key=value text
// and as metadata.pb.
type Metadata struct {
	Type          string
	Wipe          bool
	Downgrade     bool
	RequiredCache int64
	// Precondition is nil for a full package
	Precondition  *DeviceState
	Postcondition DeviceState
	PropertyFiles map[string]string
}

// Values returns the text metadata keys
func (m *Metadata) Values() map[string]string {
	v := map[string]string{
		"ota-type":                  m.Type,
		"post-build":                first(m.Postcondition.Build),
		"post-build-incremental":    m.Postcondition.BuildIncremental,
		"post-timestamp":            strconv.FormatInt(m.Postcondition.Timestamp, 10),
		"post-sdk-level":            m.Postcondition.SDKLevel,
		"post-security-patch-level": m.Postcondition.SecurityPatchLevel,
		"pre-device":                first(m.Postcondition.Device),
	}
	if m.Wipe {
		v["ota-wipe"] = "yes"
	}
	if m.Downgrade {
		v["ota-downgrade"] = "yes"
	}
	if m.Type == TypeBlock {
		v["ota-required-cache"] = strconv.FormatInt(m.RequiredCache, 10)
	}
	if m.Precondition != nil {
		v["pre-device"] = first(m.Precondition.Device)
		v["pre-build"] = first(m.Precondition.Build)
		v["pre-build-incremental"] = m.Precondition.BuildIncremental
	}
	for k, value := range m.PropertyFiles {
		v[k] = value
	}
	return v
}

// Text renders the metadata entry, one sorted key=value per line
func (m *Metadata) Text() []byte {
	values := m.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&b, "%v=%v\n", k, values[k])
	}
	return b.Bytes()
}

// Render implements otazip.Render for this metadata
func (m *Metadata) Render(values map[string]string) (map[string][]byte, error) {
	m.PropertyFiles = values
	return map[string][]byte{
		otazip.MetadataName:   m.Text(),
		otazip.MetadataPbName: m.Marshal(),
	}, nil
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func (p *PartitionState) marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.Name)
	for _, d := range p.Device {
		b = appendString(b, 2, d)
	}
	for _, build := range p.Build {
		b = appendString(b, 3, build)
	}
	if p.Version != "" {
		b = appendString(b, 4, p.Version)
	}
	return b
}

func (d *DeviceState) marshal() []byte {
	var b []byte
	for _, device := range d.Device {
		b = appendString(b, 1, device)
	}
	for _, build := range d.Build {
		b = appendString(b, 2, build)
	}
	if d.BuildIncremental != "" {
		b = appendString(b, 3, d.BuildIncremental)
	}
	if d.Timestamp != 0 {
		b = appendVarint(b, 4, uint64(d.Timestamp))
	}
	if d.SDKLevel != "" {
		b = appendString(b, 5, d.SDKLevel)
	}
	if d.SecurityPatchLevel != "" {
		b = appendString(b, 6, d.SecurityPatchLevel)
	}
	for i := range d.Partitions {
		b = appendMessage(b, 7, d.Partitions[i].marshal())
	}
	return b
}

// Marshal encodes the OtaMetadata message. Map entries are written in key order.
func (m *Metadata) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, otaTypes[m.Type])
	if m.Wipe {
		b = appendVarint(b, 2, protowire.EncodeBool(true))
	}
	if m.Downgrade {
		b = appendVarint(b, 3, protowire.EncodeBool(true))
	}
	keys := make([]string, 0, len(m.PropertyFiles))
	for k := range m.PropertyFiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m.PropertyFiles[k])
		b = appendMessage(b, 4, entry)
	}
	if m.Precondition != nil {
		b = appendMessage(b, 5, m.Precondition.marshal())
	}
	b = appendMessage(b, 6, m.Postcondition.marshal())
	if m.RequiredCache > 0 {
		b = appendVarint(b, 8, uint64(m.RequiredCache))
	}
	return b
}

// walk calls fn for every field of a message
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("tag: %v: %w", protowire.ParseError(n), ErrInvalidMetadata)
		}
		data = data[n:]
		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrInvalidMetadata)
		}
		data = data[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalPartitionState(data []byte) (PartitionState, error) {
	var p PartitionState
	err := walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case 1:
			p.Name = string(raw)
		case 2:
			p.Device = append(p.Device, string(raw))
		case 3:
			p.Build = append(p.Build, string(raw))
		case 4:
			p.Version = string(raw)
		}
		return nil
	})
	return p, err
}

func unmarshalDeviceState(data []byte) (*DeviceState, error) {
	d := &DeviceState{}
	err := walk(data, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			d.Device = append(d.Device, string(raw))
		case 2:
			d.Build = append(d.Build, string(raw))
		case 3:
			d.BuildIncremental = string(raw)
		case 4:
			d.Timestamp = int64(v)
		case 5:
			d.SDKLevel = string(raw)
		case 6:
			d.SecurityPatchLevel = string(raw)
		case 7:
			p, err := unmarshalPartitionState(raw)
			if err != nil {
				return err
			}
			d.Partitions = append(d.Partitions, p)
		}
		return nil
	})
	return d, err
}

// UnmarshalMetadata decodes metadata.pb
func UnmarshalMetadata(data []byte) (*Metadata, error) {
	m := &Metadata{PropertyFiles: map[string]string{}}
	err := walk(data, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			for name, value := range otaTypes {
				if value == v {
					m.Type = name
				}
			}
		case 2:
			m.Wipe = protowire.DecodeBool(v)
		case 3:
			m.Downgrade = protowire.DecodeBool(v)
		case 4:
			var key, value string
			if err := walk(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
				if num == 1 {
					key = string(raw)
				} else if num == 2 {
					value = string(raw)
				}
				return nil
			}); err != nil {
				return err
			}
			m.PropertyFiles[key] = value
		case 5:
			d, err := unmarshalDeviceState(raw)
			if err != nil {
				return err
			}
			m.Precondition = d
		case 6:
			d, err := unmarshalDeviceState(raw)
			if err != nil {
				return err
			}
			m.Postcondition = *d
		case 8:
			m.RequiredCache = int64(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, fmt.Errorf("unknown package type: %w", ErrInvalidMetadata)
	}
	return m, nil
}
