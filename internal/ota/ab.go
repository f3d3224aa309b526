package ota

import (
	"bytes"
	"context"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/blockimgdiff"
	"github.com/rattlesnakeos/otatools/internal/caremap"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	"github.com/rattlesnakeos/otatools/internal/payload"
	"github.com/rattlesnakeos/otatools/internal/rangeset"
	"github.com/rattlesnakeos/otatools/internal/sparse"
	"github.com/rattlesnakeos/otatools/internal/targetfiles"
	"github.com/rattlesnakeos/otatools/internal/verity"
	log "github.com/sirupsen/logrus"
	"os"
)

// buildAB pairs partitions, generates their operations, assembles and signs the payload
// and lays out the A/B package
func (p *Packager) buildAB(ctx context.Context, source, target *build) (*packageContent, error) {
	names, err := p.partitionNames(target)
	if err != nil {
		return nil, err
	}
	targets, sources, err := p.pairImages(ctx, source, target, names)
	if err != nil {
		return nil, err
	}
	defer closeImages(targets)
	defer closeImages(sources)

	parts := make([]*payload.Partition, len(names))
	err = p.forEachPartition(ctx, len(names), func(ctx context.Context, i int) error {
		tgt, src := targets[i], sources[i]
		in := payload.Input{
			Name:     names[i],
			Target:   tgt.img,
			Hashtree: tgt.hashtree,
			FecRange: tgt.fec,
			Version:  target.partitionInfo(tgt.partition).Incremental,
		}
		if !tgt.fec.IsEmpty() {
			in.FecRoots = verity.DefaultFecRoots
		}
		if src != nil {
			in.Source = src.img
		}
		part, err := payload.Generate(ctx, in, p.tools.Differ, payload.GenerateOptions{
			Workers:     p.opts.poolSize(),
			DisableZstd: p.opts.DisableZstd,
		})
		if err != nil {
			return err
		}
		if p.opts.VerifyTransfers {
			if err := verifyPartition(ctx, part, src, tgt, p.tools.Patcher); err != nil {
				return err
			}
		}
		parts[i] = part
		return nil
	})
	if err != nil {
		return nil, err
	}

	encoded, err := p.signedPayload(source, target, parts)
	if err != nil {
		return nil, err
	}
	payloadPath := p.workspace.Path(otazip.PayloadName)
	if err := os.WriteFile(payloadPath, encoded, 0600); err != nil {
		return nil, err
	}
	properties, err := payload.Properties(encoded)
	if err != nil {
		return nil, err
	}

	careMap := &caremap.CareMap{}
	for i, name := range names {
		tgt := targets[i]
		if tgt.hashtree == nil && !target.tf.Exists(tgt.partition.BlockMap()) {
			continue
		}
		info := target.partitionInfo(tgt.partition)
		careMap.Add(caremap.ForImage(name, tgt.img, tgt.partition.FingerprintProperty(), info.Fingerprint, tgt.hashtree))
	}

	a := otazip.New()
	if err := a.Add(otazip.MetadataName, nil, otazip.Store); err != nil {
		return nil, err
	}
	if err := a.Add(otazip.MetadataPbName, nil, otazip.Store); err != nil {
		return nil, err
	}
	if err := p.otacert(a); err != nil {
		return nil, err
	}
	if len(careMap.Partitions) > 0 {
		if err := a.Add(CareMapName, careMap.Marshal(), otazip.Store); err != nil {
			return nil, err
		}
	}
	if err := a.Add(otazip.PayloadPropertiesName, properties, otazip.Store); err != nil {
		return nil, err
	}
	if err := a.AddFile(otazip.PayloadName, payloadPath, otazip.Store); err != nil {
		return nil, err
	}

	return &packageContent{
		archive:       a,
		propertyFiles: []otazip.PropertyFiles{otazip.AbOtaPropertyFiles(), otazip.StreamingPropertyFiles()},
		partitions:    payloadSummaries(parts, source != nil),
	}, nil
}

// signedPayload assembles the payload, signs it and checks the signatures before it is
// packaged
func (p *Packager) signedPayload(source, target *build, parts []*payload.Partition) ([]byte, error) {
	if p.opts.PackageKey == "" {
		return nil, fmt.Errorf("package key: %w", ErrMissingOption)
	}
	signer, err := payload.LoadSigner(p.opts.PackageKey)
	if err != nil {
		return nil, err
	}
	verifier := signer.Public()
	if p.opts.PackageCert != "" {
		if verifier, err = payload.LoadCertificate(p.opts.PackageCert); err != nil {
			return nil, err
		}
	}

	dynamic, err := dynamicPartitionMetadata(target.misc)
	if err != nil {
		return nil, err
	}
	opts := payload.AssembleOptions{
		MinorVersion:             payload.FullMinorVersion,
		MaxTimestamp:             target.info.Timestamp,
		DynamicPartitionMetadata: dynamic,
		PartialUpdate:            len(p.opts.Partitions) > 0,
	}
	if source != nil {
		opts.MinorVersion = payload.DefaultMinorVersion
	}
	assembled := payload.Assemble(parts, opts)
	log.Infof("signing payload")
	if err := assembled.Sign(signer); err != nil {
		return nil, err
	}
	encoded := assembled.Bytes()

	decoded, err := payload.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if err := decoded.Verify(verifier); err != nil {
		return nil, err
	}
	log.Infof("payload is %d bytes", len(encoded))
	return encoded, nil
}

// dynamicPartitionMetadata reads the super partition layout from misc_info
func dynamicPartitionMetadata(misc targetfiles.Dict) (*payload.DynamicPartitionMetadata, error) {
	if !misc.Bool("use_dynamic_partitions") {
		return nil, nil
	}
	out := &payload.DynamicPartitionMetadata{SnapshotEnabled: misc.Bool("virtual_ab")}
	for _, group := range misc.List("super_partition_groups") {
		size, err := misc.Int(fmt.Sprintf("super_%v_group_size", group), 0)
		if err != nil {
			return nil, err
		}
		out.Groups = append(out.Groups, payload.DynamicPartitionGroup{
			Name:           group,
			Size:           uint64(size),
			PartitionNames: misc.List(fmt.Sprintf("super_%v_partition_list", group)),
		})
	}
	return out, nil
}

// verifyPartition applies the operations to the source over a slot of stale bytes and
// compares the result with the target, leaving out the blocks the device computes itself
func verifyPartition(ctx context.Context, part *payload.Partition, src, tgt *partitionImage, patcher blockimgdiff.Patcher) error {
	var source []byte
	if src != nil {
		var err error
		if source, err = readImage(src.img); err != nil {
			return err
		}
	}
	stale := bytes.Repeat([]byte{0xff}, tgt.img.TotalBlocks()*sparse.BlockSize)
	out, err := payload.ApplyTo(ctx, part, source, stale, patcher)
	if err != nil {
		return fmt.Errorf("'%v': %w", part.Update.PartitionName, err)
	}
	expected, err := readImage(tgt.img)
	if err != nil {
		return err
	}

	checked := rangeset.New(0, tgt.img.TotalBlocks()).Subtract(tgt.fec)
	if tgt.hashtree != nil {
		checked = checked.Subtract(tgt.hashtree.HashtreeRange)
	}
	for _, pair := range checked.Pairs() {
		start, end := pair[0]*sparse.BlockSize, pair[1]*sparse.BlockSize
		if !bytes.Equal(out[start:end], expected[start:end]) {
			return fmt.Errorf("'%v': applied payload differs from the target in blocks %d-%d: %w",
				part.Update.PartitionName, pair[0], pair[1], blockimgdiff.ErrReplayMismatch)
		}
	}
	log.WithField("partition", part.Update.PartitionName).Infof("payload verified")
	return nil
}

// readImage returns the whole image with blocks outside the care map zeroed
func readImage(img *sparse.Image) ([]byte, error) {
	out := make([]byte, img.TotalBlocks()*sparse.BlockSize)
	for _, pair := range img.CareMap().Pairs() {
		data, err := img.ReadAll(rangeset.New(pair[0], pair[1]))
		if err != nil {
			return nil, err
		}
		copy(out[pair[0]*sparse.BlockSize:], data)
	}
	return out, nil
}

func payloadSummaries(parts []*payload.Partition, incremental bool) []PartitionSummary {
	out := make([]PartitionSummary, 0, len(parts))
	for _, part := range parts {
		s := PartitionSummary{
			Name:        part.Update.PartitionName,
			Incremental: incremental,
			Operations:  len(part.Update.Operations),
		}
		for i, op := range part.Update.Operations {
			size := int64(len(part.Blobs[i]))
			s.DataBytes += size
			switch op.Type {
			case payload.OpSourceBsdiff, payload.OpBrotliBsdiff, payload.OpPuffdiff:
				s.PatchBytes += size
			case payload.OpReplace, payload.OpReplaceZstd, payload.OpReplaceBz, payload.OpReplaceXz:
				for _, e := range op.DstExtents {
					s.NewBlocks += int(e.NumBlocks)
				}
			}
		}
		out = append(out, s)
	}
	return out
}
