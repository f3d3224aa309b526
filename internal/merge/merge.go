package merge

import (
	"context"
	"errors"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	"github.com/rattlesnakeos/otatools/internal/partitions"
	"github.com/rattlesnakeos/otatools/internal/targetfiles"
	log "github.com/sirupsen/logrus"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrPartitionOwnership is returned when both sides claim the same partition or file
	ErrPartitionOwnership = errors.New("partition claimed by both sides")
	// ErrDuplicateKey is returned when apexkeys.txt or apkcerts.txt disagree across sides
	ErrDuplicateKey = errors.New("duplicate key with different value")
	// ErrDynamicPartitions is returned when the dynamic partition layout is inconsistent
	ErrDynamicPartitions = errors.New("inconsistent dynamic partitions")
	// ErrVintfIncompatible is returned when the merged build fails the VINTF check
	ErrVintfIncompatible = errors.New("vintf incompatible")
	// ErrSharedUIDViolation is returned when a shared UID spans both sides
	ErrSharedUIDViolation = errors.New("shared uid violation")
)

// dirs holding no partition contents
var nonPartitionDirs = map[string]bool{
	"META":            true,
	"IMAGES":          true,
	"OTA":             true,
	"PREBUILT_IMAGES": true,
	"RADIO":           true,
}

// generated are META entries the merger writes itself
var generated = map[string]bool{
	targetfiles.MiscInfo:              true,
	targetfiles.ABPartitions:          true,
	targetfiles.DynamicPartitionsInfo: true,
	targetfiles.ApexKeys:              true,
	targetfiles.ApkCerts:              true,
}

// DefaultFrameworkMiscInfoKeys are the misc_info keys describing the framework build
var DefaultFrameworkMiscInfoKeys = []string{
	"avb_system_hashtree_enable",
	"avb_system_add_hashtree_footer_args",
	"avb_system_key_path",
	"avb_system_algorithm",
	"avb_system_rollback_index_location",
	"avb_product_hashtree_enable",
	"avb_product_add_hashtree_footer_args",
	"avb_system_ext_hashtree_enable",
	"avb_system_ext_add_hashtree_footer_args",
	"system_root_image",
	"root_dir",
	"ab_update",
	"default_system_dev_certificate",
	"building_system_image",
	"building_system_ext_image",
	"building_product_image",
}

// DefaultFrameworkItems are the entries the framework side contributes when no item list is given
var DefaultFrameworkItems = ItemList{
	"IMAGES/product.img",
	"IMAGES/product.map",
	"IMAGES/system.img",
	"IMAGES/system.map",
	"IMAGES/system_ext.img",
	"IMAGES/system_ext.map",
	"META/filesystem_config.txt",
	"META/root_filesystem_config.txt",
	"META/update_engine_config.txt",
	"PRODUCT/**/*",
	"ROOT/**/*",
	"SYSTEM/**/*",
	"SYSTEM_EXT/**/*",
}

// DefaultVendorItems are the entries the vendor side contributes when no item list is given
var DefaultVendorItems = ItemList{
	"BOOT/**/*",
	"IMAGES/boot.img",
	"IMAGES/odm.img",
	"IMAGES/odm.map",
	"IMAGES/vbmeta.img",
	"IMAGES/vendor.img",
	"IMAGES/vendor.map",
	"IMAGES/vendor_boot.img",
	"META/vendor_filesystem_config.txt",
	"ODM/**/*",
	"OTA/android-info.txt",
	"OTA/bin/updater",
	"PREBUILT_IMAGES/**/*",
	"RADIO/**/*",
	"VENDOR/**/*",
	"VENDOR_BOOT/**/*",
}

// Options describe what each side contributes
type Options struct {
	FrameworkItems ItemList
	VendorItems    ItemList
	// FrameworkMiscInfoKeys are taken from the framework misc_info, everything else from vendor
	FrameworkMiscInfoKeys     []string
	AllowDuplicateApkApexKeys bool
	Registry                  *partitions.Registry
}

// Result describes a merged target-files directory
type Result struct {
	Dir          string
	Owners       map[string]string
	Files        int
	MiscInfo     targetfiles.Dict
	ABPartitions []string
}

// Merger combines a framework and a vendor target-files into one
type Merger struct {
	framework *targetfiles.TargetFiles
	vendor    *targetfiles.TargetFiles
	opts      Options
	vintf     VintfChecker
	sharedUID SharedUIDReader
}

// New returns a Merger. Nil checkers skip their check.
func New(framework, vendor *targetfiles.TargetFiles, opts Options, vintf VintfChecker, sharedUID SharedUIDReader) *Merger {
	if opts.Registry == nil {
		opts.Registry = partitions.Known()
	}
	if opts.FrameworkItems == nil {
		opts.FrameworkItems = DefaultFrameworkItems
	}
	if opts.VendorItems == nil {
		opts.VendorItems = DefaultVendorItems
	}
	if opts.FrameworkMiscInfoKeys == nil {
		opts.FrameworkMiscInfoKeys = DefaultFrameworkMiscInfoKeys
	}
	return &Merger{framework: framework, vendor: vendor, opts: opts, vintf: vintf, sharedUID: sharedUID}
}

// partitionOf returns the partition an item pattern or entry name belongs to, "" when
// it is not partition content
func (m *Merger) partitionOf(name string) string {
	if p, ok := m.opts.Registry.ForPath(name); ok {
		return p.Name
	}
	dir, _, ok := strings.Cut(name, "/")
	if !ok || nonPartitionDirs[dir] || strings.ContainsAny(dir, "*?[") {
		return ""
	}
	return strings.ToLower(dir)
}

// Owners maps each partition to the side whose item list claims it. A partition claimed
// by both sides is an error naming both items.
func (m *Merger) Owners() (map[string]string, error) {
	type claim struct {
		side string
		item string
	}
	claims := map[string]claim{}
	for _, side := range []struct {
		name  string
		items ItemList
	}{
		{partitions.SideFramework, m.opts.FrameworkItems},
		{partitions.SideVendor, m.opts.VendorItems},
	} {
		for _, item := range side.items {
			p := m.partitionOf(item)
			if p == "" {
				continue
			}
			if c, ok := claims[p]; ok && c.side != side.name {
				return nil, fmt.Errorf("'%v': %v item %q and %v item %q: %w", p, c.side, c.item, side.name, item, ErrPartitionOwnership)
			}
			claims[p] = claim{side: side.name, item: item}
		}
	}
	owners := map[string]string{}
	for p, c := range claims {
		owners[p] = c.side
	}
	return owners, nil
}

// Merge writes the merged target-files tree into dir
func (m *Merger) Merge(ctx context.Context, dir string) (*Result, error) {
	owners, err := m.Owners()
	if err != nil {
		return nil, err
	}
	log.Infof("merging partitions: %v", ownersString(owners))

	files, err := m.copyItems(dir)
	if err != nil {
		return nil, err
	}

	miscInfo, err := m.mergeMiscInfo(owners)
	if err != nil {
		return nil, err
	}
	if err := writeFile(dir, targetfiles.MiscInfo, miscInfo.Marshal()); err != nil {
		return nil, err
	}

	if m.vendor.Exists(targetfiles.DynamicPartitionsInfo) {
		info, err := m.vendor.Dict(targetfiles.DynamicPartitionsInfo)
		if err != nil {
			return nil, err
		}
		if err := validateDynamicPartitions(targetfiles.DynamicPartitionsInfo, info, owners); err != nil {
			return nil, err
		}
		if err := writeFile(dir, targetfiles.DynamicPartitionsInfo, info.Marshal()); err != nil {
			return nil, err
		}
	}

	ab, err := m.mergeABPartitions()
	if err != nil {
		return nil, err
	}
	if len(ab) > 0 {
		if err := writeFile(dir, targetfiles.ABPartitions, []byte(strings.Join(ab, "\n")+"\n")); err != nil {
			return nil, err
		}
	}

	for _, name := range []string{targetfiles.ApexKeys, targetfiles.ApkCerts} {
		entries, err := m.mergeKeyFile(name, owners)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		if err := writeFile(dir, name, targetfiles.FormatKeyFile(entries)); err != nil {
			return nil, err
		}
	}

	if err := m.checkSharedUIDs(ctx, dir, owners); err != nil {
		return nil, err
	}
	if m.vintf != nil {
		log.Infof("checking vintf compatibility")
		if err := m.vintf.CheckVintf(ctx, dir); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrVintfIncompatible)
		}
	}

	return &Result{Dir: dir, Owners: owners, Files: files, MiscInfo: miscInfo, ABPartitions: ab}, nil
}

// copyItems copies every entry matched by a side's item list, failing when an entry is
// matched by both
func (m *Merger) copyItems(dir string) (int, error) {
	selected := map[string]string{}
	count := 0
	for _, side := range []struct {
		name  string
		tf    *targetfiles.TargetFiles
		items ItemList
	}{
		{partitions.SideFramework, m.framework, m.opts.FrameworkItems},
		{partitions.SideVendor, m.vendor, m.opts.VendorItems},
	} {
		names, err := side.tf.Names()
		if err != nil {
			return 0, err
		}
		for _, name := range names {
			if generated[name] {
				continue
			}
			item, ok, err := side.items.Matches(name)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
			if other, ok := selected[name]; ok {
				return 0, fmt.Errorf("'%v': %v item %q and %v item %q: %w", name, partitions.SideFramework, other,
					side.name, item, ErrPartitionOwnership)
			}
			selected[name] = item
			if err := copyEntry(side.tf, name, dir); err != nil {
				return 0, err
			}
			count++
		}
		log.WithField("side", side.name).Debugf("copied %d entries", count)
	}
	return count, nil
}

func copyEntry(tf *targetfiles.TargetFiles, name, dir string) error {
	in, err := tf.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	dest := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeFile(dir, name string, data []byte) error {
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0644)
}

func ownersString(owners map[string]string) string {
	var out []string
	for p, side := range owners {
		out = append(out, fmt.Sprintf("%v=%v", p, side))
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

// WriteZip packs a merged directory into a deterministic target-files zip. Images are
// stored, everything else deflated.
func WriteZip(dir, dest string) error {
	a := otazip.New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		method := otazip.Deflate
		if strings.HasPrefix(name, "IMAGES/") {
			method = otazip.Store
		}
		return a.AddFile(name, path, method)
	})
	if err != nil {
		return err
	}
	log.Infof("writing %v", dest)
	return a.WriteFile(dest)
}
