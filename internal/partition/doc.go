// Package partition builds the legacy MBR plus chained-EBR layout on a
// raw block device.
//
// Ownership boundary:
// - space allocation from ordered size requests (explicit, auto, hidden gap)
// - 512-byte MBR/EBR sector encoding
// - block device access (geometry ioctls, partition table reread)
// - idempotent provisioning of the device nodes a volume table expects
package partition
