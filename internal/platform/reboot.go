package platform

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Reboot targets understood by the bootloader.
const (
	TargetAndroid  = "android"
	TargetFastboot = "fastboot"
	TargetRecovery = "recovery"
)

var ErrInvalidTarget = errors.New("platform: invalid reboot target")

// Rebooter restarts the device into target.
type Rebooter interface {
	Reboot(target string) error
}

// Syncer flushes dirty filesystem buffers.
type Syncer interface {
	Sync()
}

// SystemRebooter issues reboot(2) with LINUX_REBOOT_CMD_RESTART2.
type SystemRebooter struct{}

func (SystemRebooter) Reboot(target string) error {
	if target == "" {
		return ErrInvalidTarget
	}
	arg, err := unix.BytePtrFromString(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	log.Warn().Str("component", "platform").Str("target", target).Msg("rebooting")
	_, _, errno := unix.Syscall6(
		unix.SYS_REBOOT,
		uintptr(unix.LINUX_REBOOT_MAGIC1),
		uintptr(unix.LINUX_REBOOT_MAGIC2),
		uintptr(unix.LINUX_REBOOT_CMD_RESTART2),
		uintptr(unsafe.Pointer(arg)),
		0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// SystemSyncer calls sync(2).
type SystemSyncer struct{}

func (SystemSyncer) Sync() {
	unix.Sync()
}

// RebootAfterSync flushes buffers and then reboots. The caller is expected
// to have acknowledged the host already.
func RebootAfterSync(s Syncer, r Rebooter, target string) error {
	s.Sync()
	if err := r.Reboot(target); err != nil {
		log.Error().Str("component", "platform").Str("target", target).Err(err).Msg("reboot failed")
		return err
	}
	return nil
}
