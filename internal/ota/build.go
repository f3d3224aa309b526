package ota

import (
	"bytes"
	"context"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/partitions"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"github.com/rattlesnakeos/otatools/internal/sparse"
	"github.com/rattlesnakeos/otatools/internal/targetfiles"
	"github.com/rattlesnakeos/otatools/internal/verity"
	log "github.com/sirupsen/logrus"
	"strings"
)

// build is one opened target-files with the info every package type needs
type build struct {
	tf       *targetfiles.TargetFiles
	dir      string
	misc     targetfiles.Dict
	info     *targetfiles.BuildInfo
	ab       []string
	registry *partitions.Registry
}

func openBuild(path, dir string, registry *partitions.Registry) (*build, error) {
	tf, err := targetfiles.Open(path)
	if err != nil {
		return nil, err
	}
	b := &build{tf: tf, dir: dir, registry: registry}
	if err := b.load(); err != nil {
		_ = tf.Close()
		return nil, err
	}
	log.Infof("%v: %v", path, b.info.Fingerprint)
	return b, nil
}

func (b *build) load() error {
	var err error
	if b.misc, err = b.tf.MiscInfo(); err != nil {
		return err
	}
	if b.ab, err = b.tf.ABPartitions(); err != nil {
		return err
	}
	system := b.partition("system")
	props, err := b.tf.BuildProps(system)
	if err != nil {
		return err
	}
	b.info, err = targetfiles.NewBuildInfo(props, system)
	return err
}

func (b *build) Close() error {
	return b.tf.Close()
}

// isAB reports whether the build updates through an A/B payload
func (b *build) isAB() bool {
	return len(b.ab) > 0
}

// partition returns the registered partition, or a partition with the default layout for
// names the registry does not know (dtbo, vbmeta, ...)
func (b *build) partition(name string) *partitions.Partition {
	if p := b.registry.Get(name); p != nil {
		return p
	}
	return &partitions.Partition{Name: name, Dir: strings.ToUpper(name), Side: partitions.SideVendor}
}

// partitionInfo returns the build info of p, falling back to the system build when p
// carries no build.prop of its own
func (b *build) partitionInfo(p *partitions.Partition) *targetfiles.BuildInfo {
	if p.Name == "system" || len(p.BuildProps) == 0 {
		return b.info
	}
	props, err := b.tf.BuildProps(p)
	if err != nil {
		return b.info
	}
	info, err := targetfiles.NewBuildInfo(props, p)
	if err != nil {
		log.WithField("partition", p.Name).Debugf("using system build info: %v", err)
		return b.info
	}
	return info
}

// blockPartitions returns the registered partitions with an image and a block map, which
// is what a non-A/B package can update
func (b *build) blockPartitions() []string {
	var out []string
	for _, name := range b.registry.Names() {
		p := b.registry.Get(name)
		if b.tf.HasImage(p) && b.tf.Exists(p.BlockMap()) {
			out = append(out, name)
		}
	}
	return out
}

// partitionImage is an opened image with its file map and verity layout
type partitionImage struct {
	partition *partitions.Partition
	img       *sparse.Image
	hashtree  *verity.HashtreeInfo
	fec       rangeset.RangeSet
}

func (i *partitionImage) Close() error {
	return i.img.Close()
}

// openImage opens the image of p, locates its verity data when the build uses verity
// and loads its block map
func (b *build) openImage(ctx context.Context, p *partitions.Partition, builder *verity.Builder, validate bool) (*partitionImage, error) {
	img, err := b.tf.Image(p, b.dir, sparse.Options{})
	if err != nil {
		return nil, err
	}
	out := &partitionImage{partition: p, img: img}
	if err := b.loadImage(ctx, out, builder, validate); err != nil {
		_ = img.Close()
		return nil, err
	}
	return out, nil
}

func (b *build) loadImage(ctx context.Context, out *partitionImage, builder *verity.Builder, validate bool) error {
	p, img := out.partition, out.img
	logger := log.WithField("partition", p.Name)

	size, err := b.misc.Int(p.Name+"_size", 0)
	if err != nil {
		return err
	}
	if b.misc.Bool("verity") && size > 0 {
		fecSupported := b.misc.Bool("verity_fec")
		if out.hashtree, err = builder.ExtractFromImage(ctx, img, size, fecSupported); err != nil {
			return fmt.Errorf("'%v': %w", p.Name, err)
		}
		if validate {
			logger.Infof("validating hashtree")
			if err := verity.Validate(img, out.hashtree); err != nil {
				return fmt.Errorf("'%v': %w", p.Name, err)
			}
		}
		if fecSupported {
			start := out.hashtree.HashtreeRange.End() + verity.MetadataSize/verity.BlockSize
			if start < img.TotalBlocks() {
				out.fec = rangeset.New(start, img.TotalBlocks())
			}
		}
		logger.Debugf("hashtree %v, fec %v", out.hashtree.HashtreeRange, out.fec)
	}

	blockMap, err := b.tf.BlockMap(p)
	if err != nil {
		return err
	}
	opts := sparse.FileMapOptions{AllowSharedBlocks: b.misc.Bool("ext4_share_dup_blocks")}
	if out.hashtree != nil {
		opts.HashtreeRange = out.hashtree.HashtreeRange
	}
	return img.LoadFileMap(bytes.NewReader(blockMap), opts)
}
