package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"text/template"
	"time"
)

const (
	// DefaultBlockDeviceTemplate is the block device path of a partition on the device. It is a
	// format string and should be provided a partition name (e.g. system)
	DefaultBlockDeviceTemplate = "/dev/block/by-name/%v"
	// DefaultUserdataDevice is the block device formatted when wiping user data
	DefaultUserdataDevice = "/dev/block/by-name/userdata"
)

var (
	// ErrTemplateExecute is returned if there is an error executing template
	ErrTemplateExecute = errors.New("error executing template")
)

// TemplateFiles are all of the files from the root templates directory
type TemplateFiles struct {
	// UpdaterScript is a template file of the edify script run by update-binary
	UpdaterScript string
}

// PartitionScript is the updater-script section that patches one partition
type PartitionScript struct {
	// Name is the partition name, also the prefix of its transfer list and data files
	Name string
	// BlockDevice is the path of the partition on the device
	BlockDevice string
	// NewData is the name of the new data file (.new.dat or .new.dat.br)
	NewData string
	// SourceRanges and SourceSha1 identify the blocks an incremental update reads. Both are
	// empty for full updates.
	SourceRanges string
	SourceSha1   string
	// TargetRanges and TargetSha1 are checked after the update when set
	TargetRanges string
	TargetSha1   string
	// Progress is the share of the progress bar this partition takes
	Progress string
}

// Config contains all of the template config values
type Config struct {
	// Device is the value ro.product.device must have
	Device string
	// TargetFingerprint is the build fingerprint after the update
	TargetFingerprint string
	// SourceFingerprint is the build fingerprint the incremental update applies to
	SourceFingerprint string
	// Timestamp is the build time of the target, in seconds since the epoch
	Timestamp int64
	// Downgrade skips the check that refuses installing over a newer build
	Downgrade bool
	// Wipe formats user data after the partitions are updated
	Wipe bool
	// UserdataDevice is the block device formatted by Wipe
	UserdataDevice string
	// Partitions are patched in order
	Partitions []PartitionScript
}

// TimestampText is Timestamp as a date, used in error messages on the device
func (c *Config) TimestampText() string {
	return time.Unix(c.Timestamp, 0).UTC().Format(time.UnixDate)
}

// Templates renders the scripts packaged in an update
type Templates struct {
	config        *Config
	templateFiles *TemplateFiles
}

// New returns an initialized Templates
func New(config *Config, templateFiles *TemplateFiles) (*Templates, error) {
	if config.UserdataDevice == "" {
		config.UserdataDevice = DefaultUserdataDevice
	}
	for i, p := range config.Partitions {
		if p.BlockDevice == "" {
			config.Partitions[i].BlockDevice = fmt.Sprintf(DefaultBlockDeviceTemplate, p.Name)
		}
	}
	return &Templates{
		config:        config,
		templateFiles: templateFiles,
	}, nil
}

// RenderUpdaterScript renders the updater-script
func (t *Templates) RenderUpdaterScript() ([]byte, error) {
	return renderTemplate(t.templateFiles.UpdaterScript, t.config)
}

// Progress splits the 0.9 of the progress bar given to patching between partitions by the
// number of blocks each one writes
func Progress(blocks []int64) []string {
	var total int64
	for _, b := range blocks {
		total += b
	}
	out := make([]string, len(blocks))
	for i, b := range blocks {
		share := 0.0
		if total > 0 {
			share = 0.9 * float64(b) / float64(total)
		}
		out[i] = fmt.Sprintf("%.6f", share)
	}
	return out
}

func renderTemplate(templateStr string, params interface{}) ([]byte, error) {
	temp, err := template.New("templates").Delims("<%", "%>").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	buffer := new(bytes.Buffer)
	if err = temp.Execute(buffer, params); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrTemplateExecute)
	}

	outputBytes, err := io.ReadAll(buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to read generated templates: %w", err)
	}

	return outputBytes, nil
}
