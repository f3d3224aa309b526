package ota

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrMissingOption is returned when a required option is not set
	ErrMissingOption = errors.New("missing required option")
	// ErrNoPartitions is returned when the target-files carry nothing to package
	ErrNoPartitions = errors.New("no partitions to package")
	// ErrIncompatibleSource is returned when the source build cannot be updated to the target
	ErrIncompatibleSource = errors.New("incompatible source build")
	// ErrDowngrade is returned when the timestamps disagree with the downgrade option
	ErrDowngrade = errors.New("downgrade mismatch")
)

// Options configures one package build. It is read-only once the build starts.
type Options struct {
	// TargetFiles is the target-files zip or directory of the build to install
	TargetFiles string
	// SourceFiles is the target-files of the build an incremental package applies to.
	// Empty for a full package.
	SourceFiles string
	// Output is the path of the package
	Output string
	// PackageKey is the private key the A/B payload is signed with
	PackageKey string
	// PackageCert is the certificate matching PackageKey, shipped as otacert
	PackageCert string
	// Wipe formats user data after the update
	Wipe bool
	// Downgrade allows a target older than the source; it implies Wipe
	Downgrade bool
	// Partitions limits an A/B package to these partitions (partial update)
	Partitions []string
	// Workers bounds the partitions processed at once; zero means half the CPUs
	Workers int
	// TransferListVersion is the version of non-A/B transfer lists
	TransferListVersion int
	// CacheSize is the size in bytes of the device stash area, zero for unlimited
	CacheSize int64
	// StashThreshold is the share of CacheSize the stash may use
	StashThreshold float64
	// MaxNewBlocks bounds the blocks converted to new data to fit the stash
	MaxNewBlocks int
	// DisableImgdiff forces bsdiff for zip-structured files
	DisableImgdiff bool
	// DisableZstd keeps full payload operations uncompressed
	DisableZstd bool
	// BrotliNewData compresses non-A/B new data streams with brotli
	BrotliNewData bool
	// VerifyTransfers replays every partition update against its source before packaging
	VerifyTransfers bool
	// ValidateVerity rebuilds the hashtree of every verity image and checks it
	ValidateVerity bool
}

// Incremental reports whether the package applies to a source build
func (o Options) Incremental() bool {
	return o.SourceFiles != ""
}

// Validate checks the options a build cannot start without
func (o Options) Validate() error {
	if o.TargetFiles == "" {
		return fmt.Errorf("target files: %w", ErrMissingOption)
	}
	if o.Output == "" {
		return fmt.Errorf("output: %w", ErrMissingOption)
	}
	if o.StashThreshold < 0 || o.StashThreshold > 1 {
		return fmt.Errorf("stash threshold %v not in [0, 1]", o.StashThreshold)
	}
	return nil
}

// poolSize returns the configured worker count, half the CPUs by default
func (o Options) poolSize() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return max(runtime.NumCPU()/2, 1)
}

// workers returns the size of the partition pool for n partitions
func (o Options) workers(n int) int {
	return max(min(o.poolSize(), n), 1)
}
