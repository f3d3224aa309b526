package targetfiles

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/partitions"
	"sort"
	"strconv"
	"strings"
)

const (
	// MiscInfo is the build configuration of the target-files
	MiscInfo = "META/misc_info.txt"
	// ABPartitions lists the partitions updated by an A/B payload
	ABPartitions = "META/ab_partitions.txt"
	// DynamicPartitionsInfo describes the super partition layout
	DynamicPartitionsInfo = "META/dynamic_partitions_info.txt"
	// ApexKeys maps apex modules to their signing keys
	ApexKeys = "META/apexkeys.txt"
	// ApkCerts maps apks to their signing certificates
	ApkCerts = "META/apkcerts.txt"
	// CareMap is the care map of the prebuilt images
	CareMap = "META/care_map.pb"
	// Updater is the update-binary of non-A/B packages
	Updater = "OTA/bin/updater"
)

// Dict is a key=value info file such as misc_info.txt or build.prop. Later keys win.
type Dict map[string]string

// ParseDict parses key=value lines, skipping blanks, comments and build.prop imports
func ParseDict(data []byte, name string) (Dict, error) {
	d := Dict{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "import ") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("'%v' line %d %q: %w", name, n, line, ErrMalformedInfo)
		}
		d[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("'%v': %w", name, err)
	}
	return d, nil
}

// Get returns the value of key or an empty string
func (d Dict) Get(key string) string {
	return d[key]
}

// First returns the first non-empty value of keys
func (d Dict) First(keys ...string) string {
	for _, k := range keys {
		if v := d[k]; v != "" {
			return v
		}
	}
	return ""
}

// Bool reports whether key is set to true
func (d Dict) Bool(key string) bool {
	return d[key] == "true"
}

// Int parses key as an integer, def is returned when key is unset
func (d Dict) Int(key string, def int64) (int64, error) {
	v, ok := d[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("'%v=%v': %w", key, v, ErrMalformedInfo)
	}
	return n, nil
}

// List splits a space separated value
func (d Dict) List(key string) []string {
	return strings.Fields(d[key])
}

// Keys returns the keys, sorted
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Marshal writes the dict back as sorted key=value lines
func (d Dict) Marshal() []byte {
	var b bytes.Buffer
	for _, k := range d.Keys() {
		fmt.Fprintf(&b, "%v=%v\n", k, d[k])
	}
	return b.Bytes()
}

// ParseList parses a file of one item per line
func ParseList(data []byte) []string {
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Dict reads and parses the info file name
func (t *TargetFiles) Dict(name string) (Dict, error) {
	data, err := t.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return ParseDict(data, name)
}

// MiscInfo returns META/misc_info.txt
func (t *TargetFiles) MiscInfo() (Dict, error) {
	return t.Dict(MiscInfo)
}

// ABPartitions returns META/ab_partitions.txt. Target-files without the file are not A/B
// and return no partitions.
func (t *TargetFiles) ABPartitions() ([]string, error) {
	data, err := t.ReadFile(ABPartitions)
	if errors.Is(err, ErrMissingEntry) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseList(data), nil
}

// BuildProps returns the build.prop of partition p
func (t *TargetFiles) BuildProps(p *partitions.Partition) (Dict, error) {
	for _, name := range p.BuildProps {
		if t.Exists(name) {
			return t.Dict(name)
		}
	}
	return nil, fmt.Errorf("'%v' build.prop %v in %v: %w", p.Name, p.BuildProps, t.path, ErrMissingEntry)
}

// BuildInfo identifies the build of one partition
type BuildInfo struct {
	Partition     string
	Fingerprint   string
	Device        string
	Incremental   string
	Timestamp     int64
	SDKLevel      string
	SecurityPatch string
}

// NewBuildInfo reads the identity of partition p from its build properties. A missing
// fingerprint property is rebuilt from its components.
func NewBuildInfo(props Dict, p *partitions.Partition) (*BuildInfo, error) {
	product := func(suffix string) string {
		return props.First(fmt.Sprintf("ro.product.%v.%v", p.Name, suffix), "ro.product."+suffix)
	}
	build := func(suffix string) string {
		return props.First(p.Property(suffix), "ro.build."+suffix)
	}

	info := &BuildInfo{
		Partition:     p.Name,
		Fingerprint:   props.Get(p.FingerprintProperty()),
		Device:        product("device"),
		Incremental:   build("version.incremental"),
		SDKLevel:      build("version.sdk"),
		SecurityPatch: build("version.security_patch"),
	}
	if info.Fingerprint == "" {
		parts := []string{product("brand"), product("name"), product("device"), build("version.release"),
			build("id"), info.Incremental, build("type"), build("tags")}
		for _, part := range parts {
			if part == "" {
				return nil, fmt.Errorf("'%v': cannot build fingerprint: %w", p.Name, ErrMalformedInfo)
			}
		}
		info.Fingerprint = fmt.Sprintf("%v/%v/%v:%v/%v/%v:%v/%v", parts[0], parts[1], parts[2], parts[3],
			parts[4], parts[5], parts[6], parts[7])
	}
	if info.Device == "" {
		return nil, fmt.Errorf("'%v': no ro.product.device: %w", p.Name, ErrMalformedInfo)
	}

	key := p.Property("date.utc")
	if props.Get(key) == "" {
		key = "ro.build.date.utc"
	}
	timestamp, err := props.Int(key, 0)
	if err != nil {
		return nil, err
	}
	info.Timestamp = timestamp
	return info, nil
}
