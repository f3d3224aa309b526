package partitions

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestRegistry_IsKnown(t *testing.T) {
	tests := map[string]struct {
		partitions  []*Partition
		input       string
		expected    bool
		expectedErr error
	}{
		"registered partition returns true": {
			partitions: []*Partition{
				&Partition{Name: "system", Dir: "SYSTEM", Side: SideFramework},
			},
			input:    "system",
			expected: true,
		},
		"unregistered partition returns false": {
			partitions: []*Partition{
				&Partition{Name: "system", Dir: "SYSTEM", Side: SideFramework},
			},
			input:    "vendor",
			expected: false,
		},
		"empty registry returns false": {
			partitions: []*Partition{},
			input:      "system",
			expected:   false,
		},
		"missing name returns error": {
			partitions: []*Partition{
				&Partition{Dir: "SYSTEM", Side: SideFramework},
			},
			expectedErr: ErrMissingName,
		},
		"missing dir returns error": {
			partitions: []*Partition{
				&Partition{Name: "system", Side: SideFramework},
			},
			expectedErr: ErrMissingDir,
		},
		"invalid side returns error": {
			partitions: []*Partition{
				&Partition{Name: "system", Dir: "SYSTEM", Side: "other"},
			},
			expectedErr: ErrInvalidSide,
		},
		"duplicate partition returns error": {
			partitions: []*Partition{
				&Partition{Name: "system", Dir: "SYSTEM", Side: SideFramework},
				&Partition{Name: "system", Dir: "SYSTEM", Side: SideFramework},
			},
			expectedErr: ErrDuplicatePartition,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			registry, err := NewRegistry(tc.partitions...)
			assert.ErrorIs(t, err, tc.expectedErr)
			if err == nil {
				assert.Equal(t, tc.expected, registry.IsKnown(tc.input))
			}
		})
	}
}

func TestRegistry_ForPath(t *testing.T) {
	registry := Known()
	tests := map[string]struct {
		input    string
		expected string
	}{
		"file in tree":           {input: "SYSTEM/app/Foo/Foo.apk", expected: "system"},
		"longest dir wins":       {input: "SYSTEM_EXT/etc/build.prop", expected: "system_ext"},
		"vendor ramdisk":         {input: "VENDOR_BOOT/RAMDISK/init.rc", expected: "vendor_boot"},
		"prebuilt image":         {input: "IMAGES/vendor.img", expected: "vendor"},
		"block map":              {input: "IMAGES/product.map", expected: "product"},
		"meta is not partition":  {input: "META/misc_info.txt", expected: ""},
		"prefix needs separator": {input: "SYSTEMX/file", expected: ""},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p, ok := registry.ForPath(tc.input)
			assert.Equal(t, tc.expected != "", ok)
			if ok {
				assert.Equal(t, tc.expected, p.Name)
			}
		})
	}
}

func TestPartition_Properties(t *testing.T) {
	registry := Known()
	system, vendor := registry.Get("system"), registry.Get("vendor")

	assert.Equal(t, "ro.build.fingerprint", system.FingerprintProperty())
	assert.Equal(t, "ro.vendor.build.fingerprint", vendor.FingerprintProperty())
	assert.Equal(t, "ro.build.date.utc", system.Property("date.utc"))
	assert.Equal(t, "ro.vendor.build.id", vendor.Property("id"))
	assert.Equal(t, "IMAGES/vendor.img", vendor.Image())
	assert.Nil(t, registry.Get("unknown"))
}

func TestRegistry_Sort(t *testing.T) {
	registry := Known()
	assert.Equal(t, []string{"system", "product", "vendor", "boot", "a_custom", "z_custom"},
		registry.Sort([]string{"z_custom", "vendor", "boot", "a_custom", "product", "system"}))
	assert.Equal(t, "system (SYSTEM/), vendor (VENDOR/)", mustRegistry(t,
		&Partition{Name: "system", Dir: "SYSTEM", Side: SideFramework},
		&Partition{Name: "vendor", Dir: "VENDOR", Side: SideVendor}).String())
}

func mustRegistry(t *testing.T, partitions ...*Partition) *Registry {
	t.Helper()
	r, err := NewRegistry(partitions...)
	assert.NoError(t, err)
	return r
}
