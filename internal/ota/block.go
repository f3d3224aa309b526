package ota

import (
	"context"
	"github.com/rattlesnakeos/otatools/internal/blockimgdiff"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	"github.com/rattlesnakeos/otatools/internal/targetfiles"
	"github.com/rattlesnakeos/otatools/internal/templates"
	log "github.com/sirupsen/logrus"
)

// blockResult is the packaged update of one non-A/B partition
type blockResult struct {
	result      *blockimgdiff.Result
	newData     []byte
	newDataName string
	script      templates.PartitionScript
}

// buildBlock pairs partitions, computes a transfer list for each and lays out the non-A/B
// package with its updater-script
func (p *Packager) buildBlock(ctx context.Context, source, target *build, m *Metadata) (*packageContent, error) {
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

	results := make([]*blockResult, len(names))
	err = p.forEachPartition(ctx, len(names), func(ctx context.Context, i int) error {
		r, err := p.transferList(ctx, names[i], sources[i], targets[i])
		if err != nil {
			return err
		}
		results[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	var blocks []int64
	for _, r := range results {
		blocks = append(blocks, int64(r.result.List.TotalBlocksWritten))
		m.RequiredCache = max(m.RequiredCache, int64(r.result.List.StashBlocksMax)*blockimgdiff.BlockSize)
	}
	config := &templates.Config{
		Device:            target.info.Device,
		TargetFingerprint: target.info.Fingerprint,
		Timestamp:         target.info.Timestamp,
		Downgrade:         p.opts.Downgrade,
		Wipe:              p.opts.Wipe,
	}
	if source != nil {
		config.SourceFingerprint = source.info.Fingerprint
	}
	for i, progress := range templates.Progress(blocks) {
		results[i].script.Progress = progress
		config.Partitions = append(config.Partitions, results[i].script)
	}
	scripts, err := templates.New(config, p.templateFiles)
	if err != nil {
		return nil, err
	}
	updaterScript, err := scripts.RenderUpdaterScript()
	if err != nil {
		return nil, err
	}
	updateBinary, err := target.tf.ReadFile(targetfiles.Updater)
	if err != nil {
		return nil, err
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
	var summaries []PartitionSummary
	for i, name := range names {
		r := results[i]
		newDataMethod := uint16(otazip.Deflate)
		if p.opts.BrotliNewData {
			newDataMethod = otazip.Store
		}
		entries := []struct {
			name   string
			data   []byte
			method uint16
		}{
			{name + ".transfer.list", []byte(r.result.List.String()), otazip.Deflate},
			{r.newDataName, r.newData, newDataMethod},
			{name + ".patch.dat", r.result.PatchData, otazip.Store},
		}
		for _, e := range entries {
			if err := a.Add(e.name, e.data, e.method); err != nil {
				return nil, err
			}
		}
		summaries = append(summaries, PartitionSummary{
			Name:        name,
			Incremental: sources[i] != nil,
			Operations:  len(r.result.List.Commands),
			NewBlocks:   r.result.Stats.NewBlocks,
			StashBlocks: r.result.List.StashBlocksMax,
			PatchBytes:  r.result.Stats.PatchBytes,
			DataBytes:   int64(len(r.newData)),
		})
	}
	if err := a.Add(UpdateBinaryName, updateBinary, otazip.Deflate); err != nil {
		return nil, err
	}
	if err := a.Add(UpdaterScriptName, updaterScript, otazip.Deflate); err != nil {
		return nil, err
	}

	return &packageContent{
		archive:       a,
		propertyFiles: []otazip.PropertyFiles{otazip.NonAbOtaPropertyFiles()},
		partitions:    summaries,
	}, nil
}

// transferList runs BlockImageDiff for one partition. src is nil for a full update.
func (p *Packager) transferList(ctx context.Context, name string, src, tgt *partitionImage) (*blockResult, error) {
	logger := log.WithField("partition", name)
	var srcImage blockimgdiff.Image
	if src != nil {
		srcImage = src.img
	}
	diff := blockimgdiff.New(srcImage, tgt.img, p.tools.Differ, blockimgdiff.Options{
		Version:        p.opts.TransferListVersion,
		CacheSize:      p.opts.CacheSize,
		StashThreshold: p.opts.StashThreshold,
		MaxNewBlocks:   p.opts.MaxNewBlocks,
		Workers:        p.opts.poolSize(),
		DisableImgdiff: p.opts.DisableImgdiff,
	})
	result, err := diff.Compute(ctx)
	if err != nil {
		return nil, err
	}
	if p.opts.VerifyTransfers {
		logger.Infof("replaying transfer list")
		if err := result.Verify(ctx, srcImage, p.tools.Patcher); err != nil {
			return nil, err
		}
	}

	r := &blockResult{result: result, newDataName: name + ".new.dat"}
	if r.newData, err = result.NewData(); err != nil {
		return nil, err
	}
	if p.opts.BrotliNewData {
		if r.newData, err = p.tools.Brotli.Compress(ctx, r.newData); err != nil {
			return nil, err
		}
		r.newDataName += ".br"
	}

	care := tgt.img.CareMap()
	r.script = templates.PartitionScript{Name: name, NewData: r.newDataName, TargetRanges: care.ToStringRaw()}
	if r.script.TargetSha1, err = tgt.img.RangeSha1(care); err != nil {
		return nil, err
	}
	if src != nil {
		srcCare := src.img.CareMap()
		r.script.SourceRanges = srcCare.ToStringRaw()
		if r.script.SourceSha1, err = src.img.RangeSha1(srcCare); err != nil {
			return nil, err
		}
	}
	logger.Infof("%d blocks written, %d new, stash max %d", result.List.TotalBlocksWritten, result.Stats.NewBlocks,
		result.List.StashBlocksMax)
	return r, nil
}
