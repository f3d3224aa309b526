package merge

import (
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/partitions"
	"github.com/rattlesnakeos/otatools/internal/targetfiles"
	log "github.com/sirupsen/logrus"
	"sort"
	"strings"
)

func isDynamicPartitionKey(key string) bool {
	return key == "use_dynamic_partitions" || key == "dynamic_partition_list" || strings.HasPrefix(key, "super_")
}

// avbPartition returns the partition an avb_<partition>_* key configures
func avbPartition(key string, names []string) string {
	rest := strings.TrimPrefix(key, "avb_")
	if rest == key {
		return ""
	}
	best := ""
	for _, name := range names {
		if strings.HasPrefix(rest, name+"_") && len(name) > len(best) {
			best = name
		}
	}
	return best
}

// mergeMiscInfo starts from the vendor misc_info, takes the framework keys from the
// framework, and gives each AVB partition key to the side owning the partition.
// Dynamic partition keys always come from vendor.
func (m *Merger) mergeMiscInfo(owners map[string]string) (targetfiles.Dict, error) {
	framework, err := m.framework.MiscInfo()
	if err != nil {
		return nil, err
	}
	vendor, err := m.vendor.MiscInfo()
	if err != nil {
		return nil, err
	}

	merged := targetfiles.Dict{}
	for k, v := range vendor {
		merged[k] = v
	}
	for _, k := range m.opts.FrameworkMiscInfoKeys {
		if isDynamicPartitionKey(k) {
			continue
		}
		if v, ok := framework[k]; ok {
			merged[k] = v
		}
	}

	names := m.opts.Registry.Names()
	for p := range owners {
		names = append(names, p)
	}
	keys := map[string]bool{}
	for k := range framework {
		keys[k] = true
	}
	for k := range vendor {
		keys[k] = true
	}
	for k := range keys {
		p := avbPartition(k, names)
		if p == "" {
			continue
		}
		source := vendor
		if owners[p] == partitions.SideFramework {
			source = framework
		}
		if v, ok := source[k]; ok {
			merged[k] = v
		} else {
			delete(merged, k)
		}
	}

	if err := validateDynamicPartitions(targetfiles.MiscInfo, merged, owners); err != nil {
		return nil, err
	}
	return merged, nil
}

// validateDynamicPartitions checks every dynamic partition is owned by a side and
// belongs to exactly one sized group
func validateDynamicPartitions(file string, d targetfiles.Dict, owners map[string]string) error {
	if !d.Bool("use_dynamic_partitions") {
		return nil
	}
	dynamic := map[string]bool{}
	for _, p := range d.List("dynamic_partition_list") {
		if owners[p] == "" {
			return fmt.Errorf("'%v': dynamic partition %v is owned by neither side: %w", file, p, ErrDynamicPartitions)
		}
		dynamic[p] = true
	}

	groups := d.List("super_partition_groups")
	if len(groups) == 0 {
		return nil
	}
	grouped := map[string]string{}
	for _, g := range groups {
		sizeKey := fmt.Sprintf("super_%v_group_size", g)
		if d.Get(sizeKey) == "" {
			return fmt.Errorf("'%v': group %v has no %v: %w", file, g, sizeKey, ErrDynamicPartitions)
		}
		if _, err := d.Int(sizeKey, 0); err != nil {
			return fmt.Errorf("'%v': group %v: %v: %w", file, g, err, ErrDynamicPartitions)
		}
		for _, p := range d.List(fmt.Sprintf("super_%v_partition_list", g)) {
			if !dynamic[p] {
				return fmt.Errorf("'%v': group %v lists %v, not a dynamic partition: %w", file, g, p, ErrDynamicPartitions)
			}
			if other, ok := grouped[p]; ok {
				return fmt.Errorf("'%v': %v is in groups %v and %v: %w", file, p, other, g, ErrDynamicPartitions)
			}
			grouped[p] = g
		}
	}
	for p := range dynamic {
		if _, ok := grouped[p]; !ok {
			return fmt.Errorf("'%v': %v is in no group: %w", file, p, ErrDynamicPartitions)
		}
	}
	return nil
}

// mergeABPartitions returns the sorted union of both ab_partitions.txt
func (m *Merger) mergeABPartitions() ([]string, error) {
	seen := map[string]bool{}
	for _, tf := range []*targetfiles.TargetFiles{m.framework, m.vendor} {
		list, err := tf.ABPartitions()
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// mergeKeyFile merges apexkeys.txt or apkcerts.txt by module name. Entries installed on a
// partition owned by the other side are dropped. A name both sides keep must map to
// the same line unless duplicates are allowed, in which case framework wins.
func (m *Merger) mergeKeyFile(name string, owners map[string]string) ([]targetfiles.KeyEntry, error) {
	framework, err := m.framework.KeyFile(name)
	if err != nil {
		return nil, err
	}
	vendor, err := m.vendor.KeyFile(name)
	if err != nil {
		return nil, err
	}

	merged := map[string]targetfiles.KeyEntry{}
	var order []string
	for _, side := range []struct {
		name    string
		entries []targetfiles.KeyEntry
	}{
		{partitions.SideFramework, framework},
		{partitions.SideVendor, vendor},
	} {
		for _, e := range side.entries {
			if owner := owners[e.Partition]; e.Partition != "" && owner != "" && owner != side.name {
				continue
			}
			existing, ok := merged[e.Name]
			if !ok {
				merged[e.Name] = e
				order = append(order, e.Name)
				continue
			}
			if existing.Line == e.Line {
				continue
			}
			if !m.opts.AllowDuplicateApkApexKeys {
				return nil, fmt.Errorf("'%v' in %v: framework %q, vendor %q: %w", e.Name, name, existing.Line, e.Line, ErrDuplicateKey)
			}
			log.Warnf("'%v' in %v differs across sides, keeping framework entry", e.Name, name)
		}
	}

	out := make([]targetfiles.KeyEntry, 0, len(order))
	for _, n := range order {
		out = append(out, merged[n])
	}
	return out, nil
}
