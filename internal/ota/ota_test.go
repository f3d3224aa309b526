package ota

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/blockimgdiff"
	"github.com/rattlesnakeos/otatools/internal/caremap"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	"github.com/rattlesnakeos/otatools/internal/payload"
	"github.com/rattlesnakeos/otatools/internal/targetfiles"
	"github.com/rattlesnakeos/otatools/internal/templates"
	updaterTemplates "github.com/rattlesnakeos/otatools/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeDiffer ships the whole target as the patch
type fakeDiffer struct{}

func (fakeDiffer) Diff(_ context.Context, style blockimgdiff.Style, _, tgt []byte) ([]byte, error) {
	return append([]byte(style[:1]), tgt...), nil
}

func (fakeDiffer) Patch(_ context.Context, _ blockimgdiff.Style, _, patch []byte) ([]byte, error) {
	return patch[1:], nil
}

// copySigner stands in for signapk and leaves the package as it is
type copySigner struct {
	calls atomic.Int32
}

func (c *copySigner) SignPackage(_ context.Context, in, out string) error {
	c.calls.Add(1)
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0600)
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func writeKey(t *testing.T) string {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	path := filepath.Join(t.TempDir(), "testkey.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(testKey)})
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func blocks(fill ...byte) []byte {
	var b bytes.Buffer
	for _, f := range fill {
		b.Write(bytes.Repeat([]byte{f}, blockimgdiff.BlockSize))
	}
	return b.Bytes()
}

type fakeBuild struct {
	device      string
	incremental string
	timestamp   int64
	ab          bool
	image       []byte
	blockMap    string
}

func targetImage() []byte {
	return blocks(1, 1, 1, 1, 2, 2, 0, 0, 3, 3, 3, 0)
}

func sourceImage() []byte {
	return blocks(1, 1, 1, 1, 5, 6, 0, 0, 3, 3, 3, 0)
}

const testBlockMap = "/system/app/Foo.apk 0-4\n/system/etc/hosts 4-6\n/system/lib/libc.so 8-11\n"

func fingerprint(fb fakeBuild) string {
	return fmt.Sprintf("google/%v/%v:11/RP1A/%v:user/release-keys", fb.device, fb.device, fb.incremental)
}

// writeBuild lays out an unpacked target-files directory
func writeBuild(t *testing.T, fb fakeBuild) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string][]byte{
		targetfiles.MiscInfo: []byte("recovery_api_version=3\nfstab_version=2\n"),
		"SYSTEM/build.prop": []byte(strings.Join([]string{
			"ro.build.fingerprint=" + fingerprint(fb),
			"ro.product.device=" + fb.device,
			"ro.build.version.incremental=" + fb.incremental,
			fmt.Sprintf("ro.build.date.utc=%d", fb.timestamp),
			"ro.build.version.sdk=30",
			"ro.build.version.security_patch=2020-09-05",
		}, "\n") + "\n"),
		"IMAGES/system.img": fb.image,
		targetfiles.Updater: []byte("updater binary"),
	}
	if fb.blockMap != "" {
		files["IMAGES/system.map"] = []byte(fb.blockMap)
	}
	if fb.ab {
		files[targetfiles.ABPartitions] = []byte("system\n")
	}
	for name, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, data, 0644))
	}
	return dir
}

func targetBuild(ab bool) fakeBuild {
	return fakeBuild{device: "walleye", incremental: "2", timestamp: 1600000000, ab: ab, image: targetImage(), blockMap: testBlockMap}
}

func sourceBuild(ab bool) fakeBuild {
	return fakeBuild{device: "walleye", incremental: "1", timestamp: 1500000000, ab: ab, image: sourceImage(), blockMap: testBlockMap}
}

func packager(t *testing.T, opts Options, tools Tools) *Packager {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	if tools.Differ == nil {
		tools.Differ, tools.Patcher = fakeDiffer{}, fakeDiffer{}
	}
	p, err := New(opts, ws, &templates.TemplateFiles{UpdaterScript: updaterTemplates.UpdaterScriptTemplate}, tools)
	require.NoError(t, err)
	return p
}

type openedPackage struct {
	names    []string
	metadata map[string]string
	entries  map[string][]byte
}

func openPackage(t *testing.T, path string) *openedPackage {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	out := &openedPackage{entries: map[string][]byte{}}
	for _, f := range r.File {
		out.names = append(out.names, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out.entries[f.Name] = data
	}
	out.metadata, err = otazip.ReadMetadata(&r.Reader)
	require.NoError(t, err)
	return out
}

func TestBuildAB(t *testing.T) {
	tests := map[string]struct {
		source      *fakeBuild
		incremental bool
		minor       uint32
	}{
		"full": {
			minor: payload.FullMinorVersion,
		},
		"incremental": {
			source:      &fakeBuild{},
			incremental: true,
			minor:       payload.DefaultMinorVersion,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			opts := Options{
				TargetFiles:     writeBuild(t, targetBuild(true)),
				Output:          filepath.Join(t.TempDir(), "ota.zip"),
				PackageKey:      writeKey(t),
				VerifyTransfers: true,
			}
			if tc.source != nil {
				opts.SourceFiles = writeBuild(t, sourceBuild(true))
			}
			summary, err := packager(t, opts, Tools{}).Build(context.Background())
			require.NoError(t, err)
			assert.Equal(t, TypeAB, summary.Type)
			assert.Equal(t, tc.incremental, summary.Incremental)
			require.Len(t, summary.Partitions, 1)
			assert.Equal(t, "system", summary.Partitions[0].Name)

			pkg := openPackage(t, opts.Output)
			assert.Equal(t, []string{otazip.MetadataName, otazip.MetadataPbName, CareMapName,
				otazip.PayloadPropertiesName, otazip.PayloadName}, pkg.names)
			assert.Equal(t, "AB", pkg.metadata["ota-type"])
			assert.Equal(t, fingerprint(targetBuild(true)), pkg.metadata["post-build"])
			assert.Equal(t, "1600000000", pkg.metadata["post-timestamp"])
			assert.Equal(t, "walleye", pkg.metadata["pre-device"])
			if tc.incremental {
				assert.Equal(t, fingerprint(sourceBuild(true)), pkg.metadata["pre-build"])
			} else {
				assert.NotContains(t, pkg.metadata, "pre-build")
			}
			files := []otazip.PropertyFiles{otazip.AbOtaPropertyFiles(), otazip.StreamingPropertyFiles()}
			assert.NoError(t, otazip.Verify(opts.Output, files))

			pb, err := UnmarshalMetadata(pkg.entries[otazip.MetadataPbName])
			require.NoError(t, err)
			assert.Equal(t, TypeAB, pb.Type)
			assert.Equal(t, pkg.metadata["ota-property-files"], pb.PropertyFiles["ota-property-files"])
			assert.Equal(t, pkg.metadata["ota-streaming-property-files"], pb.PropertyFiles["ota-streaming-property-files"])
			assert.Equal(t, tc.incremental, pb.Precondition != nil)

			decoded, err := payload.Decode(pkg.entries[otazip.PayloadName])
			require.NoError(t, err)
			assert.NoError(t, decoded.Verify(payload.NewVerifier(&testKey.PublicKey)))
			assert.Equal(t, tc.minor, decoded.Manifest.MinorVersion)
			assert.Equal(t, int64(1600000000), decoded.Manifest.MaxTimestamp)

			properties, err := payload.Properties(pkg.entries[otazip.PayloadName])
			require.NoError(t, err)
			assert.Equal(t, string(properties), string(pkg.entries[otazip.PayloadPropertiesName]))

			careMap, err := caremap.Parse(pkg.entries[CareMapName])
			require.NoError(t, err)
			require.Len(t, careMap.Partitions, 1)
			assert.Equal(t, "system", careMap.Partitions[0].Name)
			assert.Equal(t, "ro.build.fingerprint", careMap.Partitions[0].ID)
			assert.Equal(t, fingerprint(targetBuild(true)), careMap.Partitions[0].Fingerprint)
		})
	}
}

func TestBuildBlock(t *testing.T) {
	tests := map[string]struct {
		incremental bool
		contains    []string
	}{
		"full": {
			contains: []string{
				`block_image_update("/dev/block/by-name/system", package_extract_file("system.transfer.list"), "system.new.dat", "system.patch.dat")`,
			},
		},
		"incremental": {
			incremental: true,
			contains: []string{
				`getprop("ro.build.fingerprint") == "` + fingerprint(sourceBuild(false)) + `"`,
				`block_image_verify("/dev/block/by-name/system"`,
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			opts := Options{
				TargetFiles:     writeBuild(t, targetBuild(false)),
				Output:          filepath.Join(t.TempDir(), "ota.zip"),
				VerifyTransfers: true,
			}
			if tc.incremental {
				opts.SourceFiles = writeBuild(t, sourceBuild(false))
			}
			signer := &copySigner{}
			summary, err := packager(t, opts, Tools{Signer: signer}).Build(context.Background())
			require.NoError(t, err)
			assert.Equal(t, TypeBlock, summary.Type)
			assert.Equal(t, int32(1), signer.calls.Load())

			pkg := openPackage(t, opts.Output)
			assert.Equal(t, []string{otazip.MetadataName, otazip.MetadataPbName, "system.transfer.list",
				"system.new.dat", "system.patch.dat", UpdateBinaryName, UpdaterScriptName}, pkg.names)
			assert.Equal(t, "BLOCK", pkg.metadata["ota-type"])
			assert.Contains(t, pkg.metadata, "ota-required-cache")
			assert.NoError(t, otazip.Verify(opts.Output, []otazip.PropertyFiles{otazip.NonAbOtaPropertyFiles()}))
			assert.Equal(t, "updater binary", string(pkg.entries[UpdateBinaryName]))

			list, err := blockimgdiff.ParseTransferList(bytes.NewReader(pkg.entries["system.transfer.list"]))
			require.NoError(t, err)
			assert.NoError(t, blockimgdiff.AssertSequenceGood(list))
			if tc.incremental {
				assert.Equal(t, 1, list.Count(blockimgdiff.OpBsdiff))
				assert.NotEmpty(t, pkg.entries["system.patch.dat"])
			} else {
				assert.Zero(t, list.Count(blockimgdiff.OpBsdiff))
				assert.Empty(t, pkg.entries["system.patch.dat"])
			}

			script := string(pkg.entries[UpdaterScriptName])
			assert.Contains(t, script, `getprop("ro.product.device") == "walleye"`)
			for _, s := range tc.contains {
				assert.Contains(t, script, s)
			}
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	tests := map[string]struct {
		ab bool
	}{
		"A/B":     {ab: true},
		"non-A/B": {ab: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			key := writeKey(t)
			target := writeBuild(t, targetBuild(tc.ab))
			source := writeBuild(t, sourceBuild(tc.ab))

			var outputs [][]byte
			for i := 0; i < 2; i++ {
				opts := Options{
					TargetFiles: target,
					SourceFiles: source,
					Output:      filepath.Join(t.TempDir(), "ota.zip"),
					PackageKey:  key,
					Workers:     i + 1,
				}
				_, err := packager(t, opts, Tools{}).Build(context.Background())
				require.NoError(t, err)
				data, err := os.ReadFile(opts.Output)
				require.NoError(t, err)
				outputs = append(outputs, data)
			}
			assert.True(t, bytes.Equal(outputs[0], outputs[1]), "packages differ")
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := map[string]struct {
		target      fakeBuild
		source      *fakeBuild
		opts        Options
		noKey       bool
		expectedErr error
	}{
		"A/B package needs a key": {
			target:      targetBuild(true),
			noKey:       true,
			expectedErr: ErrMissingOption,
		},
		"source for another device": {
			target: targetBuild(false),
			source: func() *fakeBuild {
				s := sourceBuild(false)
				s.device = "taimen"
				return &s
			}(),
			expectedErr: ErrIncompatibleSource,
		},
		"source and target disagree on A/B": {
			target: targetBuild(true),
			source: func() *fakeBuild {
				s := sourceBuild(false)
				return &s
			}(),
			expectedErr: ErrIncompatibleSource,
		},
		"target older than source": {
			target: func() fakeBuild {
				s := targetBuild(false)
				s.timestamp = 1400000000
				return s
			}(),
			source:      func() *fakeBuild { s := sourceBuild(false); return &s }(),
			expectedErr: ErrDowngrade,
		},
		"downgrade without older target": {
			target:      targetBuild(false),
			source:      func() *fakeBuild { s := sourceBuild(false); return &s }(),
			opts:        Options{Downgrade: true},
			expectedErr: ErrDowngrade,
		},
		"non-A/B target without block maps": {
			target: func() fakeBuild {
				s := targetBuild(false)
				s.blockMap = ""
				return s
			}(),
			expectedErr: ErrNoPartitions,
		},
		"partial update of unknown partition": {
			target:      targetBuild(true),
			opts:        Options{Partitions: []string{"vendor"}},
			expectedErr: ErrNoPartitions,
		},
		"partial update of a non-A/B target": {
			target:      targetBuild(false),
			opts:        Options{Partitions: []string{"system"}},
			expectedErr: ErrNoPartitions,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			opts := tc.opts
			opts.TargetFiles = writeBuild(t, tc.target)
			opts.Output = filepath.Join(t.TempDir(), "ota.zip")
			if !tc.noKey {
				opts.PackageKey = writeKey(t)
			}
			if tc.source != nil {
				opts.SourceFiles = writeBuild(t, *tc.source)
			}
			_, err := packager(t, opts, Tools{}).Build(context.Background())
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.NoFileExists(t, opts.Output)
		})
	}
}

func TestMetadata(t *testing.T) {
	m := &Metadata{
		Type:          TypeBlock,
		Wipe:          true,
		RequiredCache: 8192,
		Precondition: &DeviceState{
			Device:           []string{"walleye"},
			Build:            []string{"fp1"},
			BuildIncremental: "1",
		},
		Postcondition: DeviceState{
			Device:             []string{"walleye"},
			Build:              []string{"fp2"},
			BuildIncremental:   "2",
			Timestamp:          1600000000,
			SDKLevel:           "30",
			SecurityPatchLevel: "2020-09-05",
			Partitions:         []PartitionState{{Name: "system", Device: []string{"walleye"}, Build: []string{"fp2"}, Version: "2"}},
		},
	}
	entries, err := m.Render(map[string]string{"ota-property-files": "metadata:69:357  "})
	require.NoError(t, err)

	assert.Equal(t, strings.Join([]string{
		"ota-property-files=metadata:69:357  ",
		"ota-required-cache=8192",
		"ota-type=BLOCK",
		"ota-wipe=yes",
		"post-build=fp2",
		"post-build-incremental=2",
		"post-sdk-level=30",
		"post-security-patch-level=2020-09-05",
		"post-timestamp=1600000000",
		"pre-build=fp1",
		"pre-build-incremental=1",
		"pre-device=walleye",
	}, "\n")+"\n", string(entries[otazip.MetadataName]))

	decoded, err := UnmarshalMetadata(entries[otazip.MetadataPbName])
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	_, err = UnmarshalMetadata([]byte{0x08})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestOptions(t *testing.T) {
	tests := map[string]struct {
		opts        Options
		partitions  int
		workers     int
		expectedErr error
	}{
		"pool is bounded by partitions": {
			opts:       Options{TargetFiles: "t", Output: "o", Workers: 8},
			partitions: 3,
			workers:    3,
		},
		"pool is bounded by workers": {
			opts:       Options{TargetFiles: "t", Output: "o", Workers: 2},
			partitions: 3,
			workers:    2,
		},
		"missing target": {
			opts:        Options{Output: "o"},
			expectedErr: ErrMissingOption,
		},
		"missing output": {
			opts:        Options{TargetFiles: "t"},
			expectedErr: ErrMissingOption,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.opts.Validate()
			assert.ErrorIs(t, err, tc.expectedErr)
			if tc.expectedErr == nil {
				assert.Equal(t, tc.workers, tc.opts.workers(tc.partitions))
			}
		})
	}
}

func TestWorkspace(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	dir, err := ws.Subdir("target")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0600))

	dst := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, moveFile(filepath.Join(dir, "f"), dst))
	assert.FileExists(t, dst)

	require.NoError(t, ws.Close())
	assert.NoDirExists(t, ws.Dir)
}
