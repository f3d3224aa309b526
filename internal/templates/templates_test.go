package templates

import (
	"github.com/rattlesnakeos/otatools/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"regexp"
	"strings"
	"testing"
)

func TestTemplates_RenderUpdaterScript(t *testing.T) {
	tests := map[string]struct {
		config        *Config
		updaterScript string
		expected      []byte
		expectedErr   error
	}{
		"happy path updater script render": {
			config: testConfig(),
			updaterScript: dedent(`DEVICE="<% .Device %>"
				TARGET="<% .TargetFingerprint %>"
				SOURCE="<% .SourceFingerprint %>"
				TIMESTAMP=<% .Timestamp %>
				DATE="<% .TimestampText %>"
				<% range .Partitions %>PARTITION="<% .Name %> <% .BlockDevice %> <% .NewData %>"
				<% end %>USERDATA="<% .UserdataDevice %>"`),
			expected: []byte(dedent(`DEVICE="walleye"
				TARGET="google/walleye/walleye:11/RP1A/2:user/release-keys"
				SOURCE="google/walleye/walleye:11/RP1A/1:user/release-keys"
				TIMESTAMP=1600000000
				DATE="Sun Sep 13 12:26:40 UTC 2020"
				PARTITION="system /dev/block/by-name/system system.new.dat.br"
				PARTITION="vendor /dev/block/platform/vendor vendor.new.dat"
				USERDATA="/dev/block/by-name/userdata"`)),
			expectedErr: nil,
		},
		"bad template variable returns error": {
			config:        testConfig(),
			updaterScript: dedent(`DEVICE="<% .Bad %>"`),
			expected:      nil,
			expectedErr:   ErrTemplateExecute,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			templateFiles, err := New(tc.config, &TemplateFiles{UpdaterScript: tc.updaterScript})
			assert.Nil(t, err)

			output, err := templateFiles.RenderUpdaterScript()
			assert.ErrorIs(t, err, tc.expectedErr)

			assert.Equal(t, string(tc.expected), string(output))
		})
	}
}

func TestTemplates_UpdaterScript(t *testing.T) {
	tests := map[string]struct {
		config      func() *Config
		contains    []string
		notContains []string
	}{
		"incremental checks source and patches each partition": {
			config: testConfig,
			contains: []string{
				`(!less_than_int(1600000000, getprop("ro.build.date.utc")))`,
				`getprop("ro.product.device") == "walleye" || abort(`,
				`getprop("ro.build.fingerprint") == "google/walleye/walleye:11/RP1A/1:user/release-keys" || getprop("ro.build.fingerprint") == "google/walleye/walleye:11/RP1A/2:user/release-keys"`,
				`if (range_sha1("/dev/block/by-name/system", "2,0,10") == "abc" || block_image_verify("/dev/block/by-name/system", package_extract_file("system.transfer.list"), "system.new.dat.br", "system.patch.dat")) then`,
				`block_image_update("/dev/block/platform/vendor", package_extract_file("vendor.transfer.list"), "vendor.new.dat", "vendor.patch.dat") ||`,
				"show_progress(0.600000, 0);",
				"set_progress(1.0);",
			},
			notContains: []string{"format(", "<%", "%>"},
		},
		"full downgrade with wipe": {
			config: func() *Config {
				c := testConfig()
				c.SourceFingerprint = ""
				c.Downgrade = true
				c.Wipe = true
				for i := range c.Partitions {
					c.Partitions[i].SourceRanges = ""
				}
				return c
			},
			contains: []string{
				`ui_print("Patching system image...");`,
				`format("ext4", "EMMC", "/dev/block/by-name/userdata", "0", "/data");`,
			},
			notContains: []string{"less_than_int", "range_sha1", "block_image_verify", "E3001"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			templ, err := New(tc.config(), &TemplateFiles{UpdaterScript: templates.UpdaterScriptTemplate})
			require.NoError(t, err)

			output, err := templ.RenderUpdaterScript()
			require.NoError(t, err)
			for _, s := range tc.contains {
				assert.Contains(t, string(output), s)
			}
			for _, s := range tc.notContains {
				assert.NotContains(t, string(output), s)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	tests := map[string]struct {
		blocks   []int64
		expected []string
	}{
		"split by blocks": {
			blocks:   []int64{3, 1},
			expected: []string{"0.675000", "0.225000"},
		},
		"nothing written": {
			blocks:   []int64{0, 0},
			expected: []string{"0.000000", "0.000000"},
		},
		"no partitions": {
			blocks:   nil,
			expected: []string{},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Progress(tc.blocks))
		})
	}
}

func testConfig() *Config {
	return &Config{
		Device:            "walleye",
		TargetFingerprint: "google/walleye/walleye:11/RP1A/2:user/release-keys",
		SourceFingerprint: "google/walleye/walleye:11/RP1A/1:user/release-keys",
		Timestamp:         1600000000,
		Partitions: []PartitionScript{
			{
				Name:         "system",
				NewData:      "system.new.dat.br",
				SourceRanges: "2,0,10",
				SourceSha1:   "abc",
				Progress:     "0.600000",
			},
			{
				Name:         "vendor",
				BlockDevice:  "/dev/block/platform/vendor",
				NewData:      "vendor.new.dat",
				SourceRanges: "2,0,5",
				SourceSha1:   "def",
				Progress:     "0.300000",
			},
		},
	}
}

// source https://github.com/lithammer/dedent
func dedent(text string) string {
	var margin string
	var whitespaceOnly = regexp.MustCompile("(?m)^[ \t]+$")
	var leadingWhitespace = regexp.MustCompile("(?m)(^[ \t]*)(?:[^ \t\n])")

	text = whitespaceOnly.ReplaceAllString(text, "")
	indents := leadingWhitespace.FindAllStringSubmatch(text, -1)

	// Look for the longest leading string of spaces and tabs common to all
	// lines.
	for i, indent := range indents {
		if i == 0 {
			margin = indent[1]
		} else if strings.HasPrefix(indent[1], margin) {
			// Current line more deeply indented than previous winner:
			// no change (previous winner is still on top).
			continue
		} else if strings.HasPrefix(margin, indent[1]) {
			// Current line consistent with and no deeper than previous winner:
			// it's the new winner.
			margin = indent[1]
		} else {
			// Current line and previous winner have no common whitespace:
			// there is no margin.
			margin = ""
			break
		}
	}

	if margin != "" {
		text = regexp.MustCompile("(?m)^"+margin).ReplaceAllString(text, "")
	}
	return text
}
