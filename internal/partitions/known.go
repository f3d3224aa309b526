package partitions

func tree(name, dir, side string, buildProps ...string) *Partition {
	return &Partition{Name: name, Dir: dir, Side: side, BuildProps: buildProps}
}

// Known returns the registry of partitions found in Android target-files
func Known() *Registry {
	r, err := NewRegistry(
		tree("system", "SYSTEM", SideFramework, "SYSTEM/build.prop"),
		tree("system_ext", "SYSTEM_EXT", SideFramework, "SYSTEM_EXT/etc/build.prop", "SYSTEM_EXT/build.prop"),
		tree("product", "PRODUCT", SideFramework, "PRODUCT/etc/build.prop", "PRODUCT/build.prop"),
		tree("system_dlkm", "SYSTEM_DLKM", SideFramework, "SYSTEM_DLKM/etc/build.prop"),
		tree("vendor", "VENDOR", SideVendor, "VENDOR/build.prop"),
		tree("odm", "ODM", SideVendor, "ODM/etc/build.prop", "ODM/build.prop"),
		tree("vendor_dlkm", "VENDOR_DLKM", SideVendor, "VENDOR_DLKM/etc/build.prop"),
		tree("odm_dlkm", "ODM_DLKM", SideVendor, "ODM_DLKM/etc/build.prop"),
		tree("boot", "BOOT", SideVendor, "BOOT/RAMDISK/prop.default"),
		tree("vendor_boot", "VENDOR_BOOT", SideVendor, "VENDOR_BOOT/RAMDISK/prop.default"),
		tree("init_boot", "INIT_BOOT", SideFramework),
	)
	if err != nil {
		panic(err)
	}
	return r
}
