package release

import (
	"archive/zip"
	"context"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/ota"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	log "github.com/sirupsen/logrus"
	"strings"
	"time"
)

const (
	// DefaultReleaseTimeout bounds a whole build, publish and notify run
	DefaultReleaseTimeout = 2 * time.Hour
)

// metadataKeys are the package metadata attached to a published object
var metadataKeys = []string{"ota-type", "post-build", "post-build-incremental", "post-timestamp", "pre-build"}

// PackageBuilder builds a package
type PackageBuilder interface {
	Build(ctx context.Context) (*ota.Summary, error)
}

// Publisher uploads a built package and returns where it was stored
type Publisher interface {
	Publish(ctx context.Context, file string, metadata map[string]string) (string, error)
}

// Notifier announces a published package
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}

// Recorder collects the metrics of a build
type Recorder interface {
	Record(summary *ota.Summary)
}

// Result is the outcome of a release run
type Result struct {
	Summary *ota.Summary
	// Location is empty when the package was not published
	Location string
}

// Release builds a package and optionally publishes and announces it
type Release struct {
	name      string
	builder   PackageBuilder
	recorder  Recorder
	publisher Publisher
	notifier  Notifier
}

// New returns an initialized Release. recorder, publisher and notifier may be nil.
func New(name string, builder PackageBuilder, recorder Recorder, publisher Publisher, notifier Notifier) *Release {
	return &Release{
		name:      name,
		builder:   builder,
		recorder:  recorder,
		publisher: publisher,
		notifier:  notifier,
	}
}

// Run builds the package, records it and, when configured, publishes and announces it
func (r *Release) Run(ctx context.Context) (*Result, error) {
	log.Infof("building package for release %v", r.name)
	summary, err := r.builder.Build(ctx)
	if err != nil {
		return nil, err
	}
	if r.recorder != nil {
		r.recorder.Record(summary)
	}
	result := &Result{Summary: summary}
	if r.publisher == nil {
		return result, nil
	}

	metadata, err := packageMetadata(summary.Output)
	if err != nil {
		return nil, err
	}
	log.Infof("publishing %v", summary.Output)
	if result.Location, err = r.publisher.Publish(ctx, summary.Output, metadata); err != nil {
		return nil, err
	}

	if r.notifier != nil {
		subject, message := notification(r.name, result, metadata)
		if err := r.notifier.Notify(ctx, subject, message); err != nil {
			return nil, err
		}
		log.Infof("sent notification for %v", result.Location)
	}
	return result, nil
}

func packageMetadata(file string) (map[string]string, error) {
	r, err := zip.OpenReader(file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	all, err := otazip.ReadMetadata(&r.Reader)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, key := range metadataKeys {
		if value, ok := all[key]; ok {
			out[key] = value
		}
	}
	return out, nil
}

func notification(name string, result *Result, metadata map[string]string) (string, string) {
	kind := "full"
	if result.Summary.Incremental {
		kind = "incremental"
	}
	subject := fmt.Sprintf("%v: new %v %v package", name, kind, result.Summary.Type)

	var b strings.Builder
	fmt.Fprintf(&b, "Build: %v\n", metadata["post-build"])
	if pre, ok := metadata["pre-build"]; ok {
		fmt.Fprintf(&b, "Applies to: %v\n", pre)
	}
	fmt.Fprintf(&b, "Package: %v (%d bytes)\n", result.Location, result.Summary.PackageBytes)
	for _, p := range result.Summary.Partitions {
		fmt.Fprintf(&b, "  %v: %d operations\n", p.Name, p.Operations)
	}
	return subject, b.String()
}
