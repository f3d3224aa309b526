package blockimgdiff

import (
	"context"
	"fmt"
	"golang.org/x/sync/errgroup"
	"os"
	"path/filepath"
)

// Differ produces a patch turning src into tgt
type Differ interface {
	Diff(ctx context.Context, style Style, src, tgt []byte) ([]byte, error)
}

// Patcher applies a patch produced by a Differ
type Patcher interface {
	Patch(ctx context.Context, style Style, src, patch []byte) ([]byte, error)
}

// Runner runs an external tool
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ToolDiffer runs bsdiff and imgdiff on temp files under TempDir
type ToolDiffer struct {
	Runner  Runner
	TempDir string
}

// Diff implements Differ
func (d ToolDiffer) Diff(ctx context.Context, style Style, src, tgt []byte) ([]byte, error) {
	dir, err := os.MkdirTemp(d.TempDir, "diff-")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	srcFile, tgtFile, patchFile := filepath.Join(dir, "src"), filepath.Join(dir, "tgt"), filepath.Join(dir, "patch")
	if err := os.WriteFile(srcFile, src, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(tgtFile, tgt, 0600); err != nil {
		return nil, err
	}

	switch style {
	case StyleImgdiff:
		_, err = d.Runner.Run(ctx, "imgdiff", "-z", srcFile, tgtFile, patchFile)
	case StyleBsdiff:
		_, err = d.Runner.Run(ctx, "bsdiff", srcFile, tgtFile, patchFile)
	default:
		return nil, fmt.Errorf("no differ for style %v", style)
	}
	if err != nil {
		return nil, err
	}
	return os.ReadFile(patchFile)
}

// ToolPatcher runs bspatch and imgpatch on temp files under TempDir
type ToolPatcher struct {
	Runner  Runner
	TempDir string
}

// Patch implements Patcher
func (p ToolPatcher) Patch(ctx context.Context, style Style, src, patch []byte) ([]byte, error) {
	dir, err := os.MkdirTemp(p.TempDir, "patch-")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	srcFile, tgtFile, patchFile := filepath.Join(dir, "src"), filepath.Join(dir, "tgt"), filepath.Join(dir, "patch")
	if err := os.WriteFile(srcFile, src, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(patchFile, patch, 0600); err != nil {
		return nil, err
	}

	switch style {
	case StyleImgdiff:
		_, err = p.Runner.Run(ctx, "imgpatch", srcFile, tgtFile, patchFile)
	case StyleBsdiff:
		_, err = p.Runner.Run(ctx, "bspatch", srcFile, tgtFile, patchFile)
	default:
		return nil, fmt.Errorf("no patcher for style %v", style)
	}
	if err != nil {
		return nil, err
	}
	return os.ReadFile(tgtFile)
}

// ComputePatches fills Patch on every diff transfer, running at most workers differ
// invocations at once. The first failure cancels the rest.
func ComputePatches(ctx context.Context, src, tgt Image, transfers []*Transfer, differ Differ, workers int) error {
	var diffs []*Transfer
	for _, t := range transfers {
		if t.Style.IsDiff() {
			diffs = append(diffs, t)
		}
	}
	if len(diffs) == 0 {
		return nil
	}
	if differ == nil {
		return fmt.Errorf("'%v': %d transfers need a differ", tgt.Name(), len(diffs))
	}

	patches := make([][]byte, len(diffs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, t := range diffs {
		g.Go(func() error {
			srcData, err := src.ReadAll(t.SrcRanges)
			if err != nil {
				return err
			}
			tgtData, err := tgt.ReadAll(t.TgtRanges)
			if err != nil {
				return err
			}
			patch, err := differ.Diff(ctx, t.Style, srcData, tgtData)
			if err != nil {
				return fmt.Errorf("'%v': %v %v: %w", tgt.Name(), t.Style, t.TgtName, err)
			}
			patches[i] = patch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, t := range diffs {
		t.Patch = patches[i]
		t.PatchLength = int64(len(patches[i]))
	}
	return nil
}
