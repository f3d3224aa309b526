package templates

// UpdaterScriptTemplate is the edify script run by update-binary on non-A/B devices
const UpdaterScriptTemplate = `<% if not .Downgrade -%>
(!less_than_int(<% .Timestamp %>, getprop("ro.build.date.utc"))) || abort("E3003: Can't install this package (<% .TimestampText %>) over newer build (" + getprop("ro.build.date") + ").");
<% end -%>
getprop("ro.product.device") == "<% .Device %>" || abort("E3004: This package is for \"<% .Device %>\" devices; this is a \"" + getprop("ro.product.device") + "\".");
<% if .SourceFingerprint -%>
getprop("ro.build.fingerprint") == "<% .SourceFingerprint %>" || getprop("ro.build.fingerprint") == "<% .TargetFingerprint %>" || abort("E3001: Package expects build fingerprint of <% .SourceFingerprint %> or <% .TargetFingerprint %>; this device has " + getprop("ro.build.fingerprint") + ".");
<% end -%>
ui_print("Target: <% .TargetFingerprint %>");
<% range .Partitions -%>
<% if .SourceRanges -%>
if (range_sha1("<% .BlockDevice %>", "<% .SourceRanges %>") == "<% .SourceSha1 %>" || block_image_verify("<% .BlockDevice %>", package_extract_file("<% .Name %>.transfer.list"), "<% .NewData %>", "<% .Name %>.patch.dat")) then
ui_print("Verified <% .Name %> image...");
else
abort("E1001: <% .Name %> partition has unexpected contents");
endif;
<% end -%>
ui_print("Patching <% .Name %> image...");
show_progress(<% .Progress %>, 0);
block_image_update("<% .BlockDevice %>", package_extract_file("<% .Name %>.transfer.list"), "<% .NewData %>", "<% .Name %>.patch.dat") ||
  abort("E1001: Failed to update <% .Name %> image.");
<% if .TargetRanges -%>
range_sha1("<% .BlockDevice %>", "<% .TargetRanges %>") == "<% .TargetSha1 %>" || abort("E1001: <% .Name %> partition has unexpected contents after update");
<% end -%>
<% end -%>
<% if .Wipe -%>
ui_print("Erasing user data...");
format("ext4", "EMMC", "<% .UserdataDevice %>", "0", "/data");
<% end -%>
set_progress(1.0);
`
