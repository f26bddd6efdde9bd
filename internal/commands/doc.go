// Package commands wires the flashing verbs onto a command registry:
// flash, erase, oem, boot, reboot, reboot-bootloader and continue, plus
// the built-in OEM verbs, flash targets and published variables.
package commands
