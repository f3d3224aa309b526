package ota

import (
	"context"
	"github.com/rattlesnakeos/otatools/internal/blockimgdiff"
	"github.com/rattlesnakeos/otatools/internal/tools"
	"github.com/rattlesnakeos/otatools/internal/verity"
	"os"
	"path/filepath"
)

// Compressor compresses a non-A/B new data stream
type Compressor interface {
	Compress(ctx context.Context, data []byte) ([]byte, error)
}

// PackageSigner signs a finished package as a whole
type PackageSigner interface {
	SignPackage(ctx context.Context, in, out string) error
}

// Tools are the host tools a build calls out to. Signer may be nil, the package then only
// carries the payload signature.
type Tools struct {
	Differ    blockimgdiff.Differ
	Patcher   blockimgdiff.Patcher
	Estimator verity.OverheadEstimator
	Brotli    Compressor
	Signer    PackageSigner
}

// HostTools returns Tools running the host binaries through runner, with temp files
// under tempDir
func HostTools(runner tools.Runner, tempDir, cert, key string) Tools {
	t := Tools{
		Differ:    blockimgdiff.ToolDiffer{Runner: runner, TempDir: tempDir},
		Patcher:   blockimgdiff.ToolPatcher{Runner: runner, TempDir: tempDir},
		Estimator: verity.ToolEstimator{Runner: runner},
		Brotli:    Brotli{Runner: runner, TempDir: tempDir},
	}
	if cert != "" && key != "" {
		t.Signer = SignApk{Runner: runner, Cert: cert, Key: key}
	}
	return t
}

// Brotli runs the brotli tool
type Brotli struct {
	Runner  tools.Runner
	TempDir string
}

// Compress implements Compressor
func (b Brotli) Compress(ctx context.Context, data []byte) ([]byte, error) {
	dir, err := os.MkdirTemp(b.TempDir, "brotli-")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	in, out := filepath.Join(dir, "new.dat"), filepath.Join(dir, "new.dat.br")
	if err := os.WriteFile(in, data, 0600); err != nil {
		return nil, err
	}
	if _, err := b.Runner.Run(ctx, "brotli", "--quality=6", "--output="+out, in); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

// SignApk signs a whole package with signapk, keeping the archive layout
type SignApk struct {
	Runner tools.Runner
	Cert   string
	Key    string
}

// SignPackage implements PackageSigner
func (s SignApk) SignPackage(ctx context.Context, in, out string) error {
	_, err := s.Runner.Run(ctx, "signapk", "-w", s.Cert, s.Key, in, out)
	return err
}
