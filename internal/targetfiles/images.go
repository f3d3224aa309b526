package targetfiles

import (
	"github.com/rattlesnakeos/otatools/internal/partitions"
	"github.com/rattlesnakeos/otatools/internal/sparse"
)

// Image opens the prebuilt image of p, extracting it into workDir when needed. The
// block map is not loaded; see BlockMap.
func (t *TargetFiles) Image(p *partitions.Partition, workDir string, opts sparse.Options) (*sparse.Image, error) {
	path, err := t.Extract(p.Image(), workDir)
	if err != nil {
		return nil, err
	}
	return sparse.Open(path, opts)
}

// BlockMap returns the block map of p, nil when the target-files carry none
func (t *TargetFiles) BlockMap(p *partitions.Partition) ([]byte, error) {
	if !t.Exists(p.BlockMap()) {
		return nil, nil
	}
	return t.ReadFile(p.BlockMap())
}

// HasImage reports whether the target-files carry a prebuilt image of p
func (t *TargetFiles) HasImage(p *partitions.Partition) bool {
	return t.Exists(p.Image())
}
