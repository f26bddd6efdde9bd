// Package platform wraps the device side effects the daemon triggers:
// reboot, filesystem sync, system properties and the advisory busy flag.
package platform
