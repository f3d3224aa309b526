package partitions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// SideFramework is the side of a merge that owns the system image and its extensions
	SideFramework = "framework"
	// SideVendor is the side of a merge that owns the hardware specific images
	SideVendor = "vendor"
)

var (
	// ErrMissingName is returned if a partition is missing its name
	ErrMissingName = errors.New("partition is missing required name")
	// ErrMissingDir is returned if a partition is missing its target-files directory
	ErrMissingDir = errors.New("partition is missing required target-files directory")
	// ErrInvalidSide is returned if a partition has an unknown default side
	ErrInvalidSide = errors.New("partition has invalid default side")
	// ErrDuplicatePartition is returned if a partition is registered twice
	ErrDuplicatePartition = errors.New("partition is registered twice")
)

// Partition contains where a partition lives in target-files and how it is identified
type Partition struct {
	Name string
	// Dir is the target-files directory holding the unpacked tree (e.g. SYSTEM)
	Dir string
	// BuildProps are candidate build.prop paths, first existing one wins
	BuildProps []string
	Side       string
}

// Image returns the target-files path of the prebuilt image
func (p *Partition) Image() string {
	return fmt.Sprintf("IMAGES/%v.img", p.Name)
}

// BlockMap returns the target-files path of the image block map
func (p *Partition) BlockMap() string {
	return fmt.Sprintf("IMAGES/%v.map", p.Name)
}

// FingerprintProperty returns the build.prop key holding the partition fingerprint
func (p *Partition) FingerprintProperty() string {
	if p.Name == "system" {
		return "ro.build.fingerprint"
	}
	return fmt.Sprintf("ro.%v.build.fingerprint", p.Name)
}

// Property returns the partition scoped name of a ro.build property (e.g. ro.vendor.build.id)
func (p *Partition) Property(suffix string) string {
	if p.Name == "system" {
		return "ro.build." + suffix
	}
	return fmt.Sprintf("ro.%v.build.%v", p.Name, suffix)
}

// Registry contains all known partitions in declaration order
type Registry struct {
	partitions map[string]*Partition
	order      []string
}

// NewRegistry validates the given partitions and returns an initialized Registry
func NewRegistry(partitions ...*Partition) (*Registry, error) {
	r := &Registry{partitions: map[string]*Partition{}}
	for _, p := range partitions {
		if p.Name == "" {
			return nil, ErrMissingName
		}
		if p.Dir == "" {
			return nil, fmt.Errorf("'%v': %w", p.Name, ErrMissingDir)
		}
		if p.Side != SideFramework && p.Side != SideVendor {
			return nil, fmt.Errorf("'%v': %q: %w", p.Name, p.Side, ErrInvalidSide)
		}
		if _, ok := r.partitions[p.Name]; ok {
			return nil, fmt.Errorf("'%v': %w", p.Name, ErrDuplicatePartition)
		}
		r.order = append(r.order, p.Name)
		r.partitions[p.Name] = p
	}
	return r, nil
}

// IsKnown takes a partition name (e.g. vendor) and returns whether it is registered
func (r *Registry) IsKnown(name string) bool {
	_, ok := r.partitions[name]
	return ok
}

// Get returns the partition details or nil
func (r *Registry) Get(name string) *Partition {
	return r.partitions[name]
}

// Names returns the registered partition names in declaration order
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Sort orders names by declaration order, unknown names last in lexical order
func (r *Registry) Sort(names []string) []string {
	index := map[string]int{}
	for i, n := range r.order {
		index[n] = i
	}
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		a, aok := index[out[i]]
		b, bok := index[out[j]]
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		}
		return out[i] < out[j]
	})
	return out
}

// ForPath returns the partition whose target-files tree or image holds path
func (r *Registry) ForPath(path string) (*Partition, bool) {
	var best *Partition
	for _, name := range r.order {
		p := r.partitions[name]
		if strings.HasPrefix(path, p.Dir+"/") && (best == nil || len(p.Dir) > len(best.Dir)) {
			best = p
		}
		if path == p.Image() || path == p.BlockMap() {
			return p, true
		}
	}
	return best, best != nil
}

// String returns a comma separated list of name (DIR/)
func (r *Registry) String() string {
	var out []string
	for _, name := range r.order {
		out = append(out, fmt.Sprintf("%v (%v/)", name, r.partitions[name].Dir))
	}
	return strings.Join(out, ", ")
}
