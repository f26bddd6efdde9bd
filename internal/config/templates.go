package config

// Template is a commented starting point for flashd.toml.
const Template = `# flashd daemon configuration
scratch_mb = 16
staging_path = "/cache/fastboot.download"

device_path = "/dev/android_adb"
tcp_port = 1234
tcp_backlog = 5
retry_initial = "250ms"
retry_max = "5s"
properties_dir = "/run/flashd/properties"

fstab = "/etc/recovery.fstab"
base_device = "/dev/mmcblk0"
auto_partition = false
mount_partitions = true

product = "flashd"

[variables]
# serialno = "0123456789"

[decompress]
system = "gzip"

[installer]
mount_point = "/installer"

[[installer.media]]
device = "/dev/sda1"
fs_type = "vfat"

[metrics]
addr = ""
# token = "change-me"
cors_origins = []
`
