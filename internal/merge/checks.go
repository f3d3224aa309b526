package merge

import (
	"context"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/partitions"
	"github.com/rattlesnakeos/otatools/internal/tools"
	log "github.com/sirupsen/logrus"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// VintfChecker checks the VINTF compatibility of a merged target-files directory
type VintfChecker interface {
	CheckVintf(ctx context.Context, dir string) error
}

// SharedUIDReader returns the android:sharedUserId of an apk, "" when it has none
type SharedUIDReader interface {
	SharedUserID(ctx context.Context, apk string) (string, error)
}

// CheckVintf runs the checkvintf host tool over the partition trees of a directory
type CheckVintf struct {
	Runner   tools.Runner
	Registry *partitions.Registry
}

// CheckVintf maps each present partition tree to its device path and checks compatibility
func (c CheckVintf) CheckVintf(ctx context.Context, dir string) error {
	args := []string{"--check-compat"}
	for _, name := range c.Registry.Names() {
		p := c.Registry.Get(name)
		tree := filepath.Join(dir, p.Dir)
		if info, err := os.Stat(tree); err != nil || !info.IsDir() {
			continue
		}
		args = append(args, "--dirmap", fmt.Sprintf("/%v:%v", name, tree))
	}
	_, err := c.Runner.Run(ctx, "checkvintf", args...)
	return err
}

var sharedUserID = regexp.MustCompile(`sharedUserId\(0x0101000b\)="([^"]+)"`)

// Aapt2 reads manifests with aapt2
type Aapt2 struct {
	Runner tools.Runner
}

// SharedUserID dumps the manifest of apk and returns its shared user id
func (a Aapt2) SharedUserID(ctx context.Context, apk string) (string, error) {
	out, err := a.Runner.Run(ctx, "aapt2", "dump", "xmltree", "--file", "AndroidManifest.xml", apk)
	if err != nil {
		return "", err
	}
	if m := sharedUserID.FindSubmatch(out); m != nil {
		return string(m[1]), nil
	}
	return "", nil
}

// checkSharedUIDs fails when apks of both sides share a UID
func (m *Merger) checkSharedUIDs(ctx context.Context, dir string, owners map[string]string) error {
	if m.sharedUID == nil {
		return nil
	}
	log.Infof("checking shared uids")
	uses := map[string]map[string][]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() || !strings.HasSuffix(path, ".apk") {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		side := owners[m.partitionOf(rel)]
		if side == "" {
			return nil
		}
		uid, err := m.sharedUID.SharedUserID(ctx, path)
		if err != nil {
			return err
		}
		if uid == "" {
			return nil
		}
		if uses[uid] == nil {
			uses[uid] = map[string][]string{}
		}
		uses[uid][side] = append(uses[uid][side], rel)
		return nil
	})
	if err != nil {
		return err
	}

	var violations []string
	for uid, sides := range uses {
		if len(sides) < 2 {
			continue
		}
		violations = append(violations, fmt.Sprintf("%v: framework %v, vendor %v", uid,
			sides[partitions.SideFramework], sides[partitions.SideVendor]))
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		return fmt.Errorf("%v: %w", strings.Join(violations, "; "), ErrSharedUIDViolation)
	}
	return nil
}
