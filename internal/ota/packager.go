package ota

import (
	"context"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	"github.com/rattlesnakeos/otatools/internal/partitions"
	"github.com/rattlesnakeos/otatools/internal/targetfiles"
	"github.com/rattlesnakeos/otatools/internal/templates"
	"github.com/rattlesnakeos/otatools/internal/verity"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"os"
	"time"
)

const (
	// OtaCertName is the certificate entry of a package
	OtaCertName = "META-INF/com/android/otacert"
	// CareMapName is the care map entry of an A/B package
	CareMapName = "care_map.pb"
	// UpdateBinaryName is the updater entry of a non-A/B package
	UpdateBinaryName = "META-INF/com/google/android/update-binary"
	// UpdaterScriptName is the edify script entry of a non-A/B package
	UpdaterScriptName = "META-INF/com/google/android/updater-script"
)

// PartitionSummary is what was packaged for one partition
type PartitionSummary struct {
	Name        string
	Incremental bool
	// Operations counts transfer list commands or payload operations
	Operations int
	NewBlocks  int
	// StashBlocks is the peak stash of a non-A/B transfer list
	StashBlocks int
	PatchBytes  int64
	DataBytes   int64
}

// Summary describes a built package
type Summary struct {
	Output       string
	Type         string
	Incremental  bool
	Partitions   []PartitionSummary
	PackageBytes int64
	Duration     time.Duration
}

// Packager builds a full or incremental package, A/B or non-A/B depending on the target
type Packager struct {
	opts          Options
	workspace     *Workspace
	templateFiles *templates.TemplateFiles
	tools         Tools
	registry      *partitions.Registry
	verity        *verity.Builder
}

// New returns an initialized Packager writing its temp files into workspace
func New(opts Options, workspace *Workspace, templateFiles *templates.TemplateFiles, tools Tools) (*Packager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if tools.Estimator == nil {
		tools.Estimator = verity.NativeEstimator{}
	}
	if opts.Downgrade {
		opts.Wipe = true
	}
	return &Packager{
		opts:          opts,
		workspace:     workspace,
		templateFiles: templateFiles,
		tools:         tools,
		registry:      partitions.Known(),
		verity:        verity.NewBuilder(tools.Estimator),
	}, nil
}

// packageContent is what a package type state machine hands to finalization
type packageContent struct {
	archive       *otazip.Archive
	propertyFiles []otazip.PropertyFiles
	partitions    []PartitionSummary
}

// Build runs the state machine of the package type and leaves the signed package at
// Output. Nothing is written to Output unless every step succeeds.
func (p *Packager) Build(ctx context.Context) (*Summary, error) {
	start := time.Now()

	targetDir, err := p.workspace.Subdir("target")
	if err != nil {
		return nil, err
	}
	target, err := openBuild(p.opts.TargetFiles, targetDir, p.registry)
	if err != nil {
		return nil, err
	}
	defer func() { _ = target.Close() }()

	var source *build
	if p.opts.Incremental() {
		sourceDir, err := p.workspace.Subdir("source")
		if err != nil {
			return nil, err
		}
		if source, err = openBuild(p.opts.SourceFiles, sourceDir, p.registry); err != nil {
			return nil, err
		}
		defer func() { _ = source.Close() }()
		if err := checkSource(source, target); err != nil {
			return nil, err
		}
	}

	metadata, err := p.metadata(source, target)
	if err != nil {
		return nil, err
	}

	var content *packageContent
	if target.isAB() {
		log.Infof("building %v A/B package", p.kind())
		content, err = p.buildAB(ctx, source, target)
	} else {
		log.Infof("building %v non-A/B package", p.kind())
		content, err = p.buildBlock(ctx, source, target, metadata)
	}
	if err != nil {
		return nil, err
	}

	unsigned := p.workspace.Path("package.zip")
	if err := otazip.Finalize(content.archive, unsigned, content.propertyFiles, metadata.Render); err != nil {
		return nil, err
	}
	final := unsigned
	if p.tools.Signer != nil {
		final = p.workspace.Path("package-signed.zip")
		log.Infof("signing package")
		if err := p.tools.Signer.SignPackage(ctx, unsigned, final); err != nil {
			return nil, err
		}
		if err := otazip.Verify(final, content.propertyFiles); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(final)
	if err != nil {
		return nil, err
	}
	if err := moveFile(final, p.opts.Output); err != nil {
		return nil, fmt.Errorf("failed to write %v: %w", p.opts.Output, err)
	}
	log.Infof("wrote %v (%d bytes)", p.opts.Output, info.Size())

	return &Summary{
		Output:       p.opts.Output,
		Type:         metadata.Type,
		Incremental:  source != nil,
		Partitions:   content.partitions,
		PackageBytes: info.Size(),
		Duration:     time.Since(start),
	}, nil
}

func (p *Packager) kind() string {
	if p.opts.Incremental() {
		return "incremental"
	}
	return "full"
}

// checkSource refuses sources that cannot be updated to target
func checkSource(source, target *build) error {
	if source.info.Device != target.info.Device {
		return fmt.Errorf("source is for %v, target for %v: %w", source.info.Device, target.info.Device, ErrIncompatibleSource)
	}
	if source.isAB() != target.isAB() {
		return fmt.Errorf("source A/B %v, target A/B %v: %w", source.isAB(), target.isAB(), ErrIncompatibleSource)
	}
	return nil
}

// metadata fills everything but the property files
func (p *Packager) metadata(source, target *build) (*Metadata, error) {
	m := &Metadata{
		Type:          TypeBlock,
		Wipe:          p.opts.Wipe,
		Downgrade:     p.opts.Downgrade,
		Postcondition: deviceState(target),
	}
	if target.isAB() {
		m.Type = TypeAB
	}
	if source == nil {
		return m, nil
	}

	pre := deviceState(source)
	m.Precondition = &pre
	newer := source.info.Timestamp > target.info.Timestamp
	switch {
	case newer && !p.opts.Downgrade:
		return nil, fmt.Errorf("target timestamp %d is older than source %d: %w", target.info.Timestamp,
			source.info.Timestamp, ErrDowngrade)
	case !newer && p.opts.Downgrade:
		return nil, fmt.Errorf("downgrade requested but target timestamp %d is not older than source %d: %w",
			target.info.Timestamp, source.info.Timestamp, ErrDowngrade)
	}
	return m, nil
}

func deviceState(b *build) DeviceState {
	d := DeviceState{
		Device:             []string{b.info.Device},
		Build:              []string{b.info.Fingerprint},
		BuildIncremental:   b.info.Incremental,
		Timestamp:          b.info.Timestamp,
		SDKLevel:           b.info.SDKLevel,
		SecurityPatchLevel: b.info.SecurityPatch,
	}
	names := b.ab
	if len(names) == 0 {
		names = b.blockPartitions()
	}
	for _, name := range b.registry.Sort(names) {
		info := b.partitionInfo(b.partition(name))
		d.Partitions = append(d.Partitions, PartitionState{
			Name:    name,
			Device:  []string{info.Device},
			Build:   []string{info.Fingerprint},
			Version: info.Incremental,
		})
	}
	return d
}

// otacert adds the package certificate when one is configured
func (p *Packager) otacert(a *otazip.Archive) error {
	if p.opts.PackageCert == "" {
		return nil
	}
	return a.AddFile(OtaCertName, p.opts.PackageCert, otazip.Deflate)
}

// forEachPartition runs fn for every partition index on a pool sized by the options.
// The first error cancels the context of the others.
func (p *Packager) forEachPartition(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.workers(n))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, i)
		})
	}
	return g.Wait()
}

// pairImages opens the target image of every partition and, for incrementals, the source
// image of the same partition when the source carries one
func (p *Packager) pairImages(ctx context.Context, source, target *build, names []string) ([]*partitionImage, []*partitionImage, error) {
	targets := make([]*partitionImage, len(names))
	sources := make([]*partitionImage, len(names))
	err := p.forEachPartition(ctx, len(names), func(ctx context.Context, i int) error {
		part := target.partition(names[i])
		img, err := target.openImage(ctx, part, p.verity, p.opts.ValidateVerity)
		if err != nil {
			return err
		}
		targets[i] = img
		if source == nil {
			return nil
		}
		if !source.tf.HasImage(part) {
			log.WithField("partition", part.Name).Warnf("not in source, packaging it in full")
			return nil
		}
		sources[i], err = source.openImage(ctx, part, p.verity, p.opts.ValidateVerity)
		return err
	})
	if err != nil {
		closeImages(targets)
		closeImages(sources)
		return nil, nil, err
	}
	return targets, sources, nil
}

func closeImages(images []*partitionImage) {
	for _, img := range images {
		if img != nil {
			_ = img.Close()
		}
	}
}

// partitionNames returns the partitions target updates, limited to the requested ones
func (p *Packager) partitionNames(target *build) ([]string, error) {
	names := target.ab
	if !target.isAB() {
		names = target.blockPartitions()
	}
	if len(p.opts.Partitions) > 0 {
		if !target.isAB() {
			return nil, fmt.Errorf("partial updates need an A/B target: %w", ErrNoPartitions)
		}
		available := map[string]bool{}
		for _, n := range names {
			available[n] = true
		}
		names = nil
		for _, n := range p.opts.Partitions {
			if !available[n] {
				return nil, fmt.Errorf("'%v' is not updatable in %v: %w", n, p.opts.TargetFiles, ErrNoPartitions)
			}
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%v: %w", p.opts.TargetFiles, ErrNoPartitions)
	}
	for _, n := range names {
		if !target.tf.HasImage(target.partition(n)) {
			return nil, fmt.Errorf("'%v': %w", target.partition(n).Image(), targetfiles.ErrMissingEntry)
		}
	}
	return names, nil
}
