package volume

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/flashd/internal/tools"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DefaultMkfs maps filesystem types to formatter argv. "{device}" is
// replaced with the volume device.
func DefaultMkfs() map[string][]string {
	return map[string][]string{
		"ext4": {"mkfs.ext4", "-F", "-q", "{device}"},
		"vfat": {"mkfs.vfat", "{device}"},
	}
}

// Manager mounts, unmounts and formats the volumes of a table.
type Manager struct {
	table      *Table
	runner     tools.CommandRunner
	Mkfs       map[string][]string
	MountsPath string

	mount   func(source, target, fstype string) error
	unmount func(target string) error
}

func NewManager(table *Table, runner tools.CommandRunner) *Manager {
	return &Manager{
		table:      table,
		runner:     runner,
		Mkfs:       DefaultMkfs(),
		MountsPath: "/proc/mounts",
		mount: func(source, target, fstype string) error {
			return unix.Mount(source, target, fstype, 0, "")
		},
		unmount: func(target string) error {
			return unix.Unmount(target, 0)
		},
	}
}

func (m *Manager) Table() *Table {
	return m.table
}

// Mounted reports whether mountPoint appears in the mount table.
func (m *Manager) Mounted(mountPoint string) (bool, error) {
	f, err := os.Open(m.MountsPath)
	if err != nil {
		return false, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true, nil
		}
	}
	return false, sc.Err()
}

// EnsureMounted mounts the volume holding path, trying Device2 when the
// primary device fails.
func (m *Manager) EnsureMounted(_ context.Context, path string) error {
	v, ok := m.table.ForPath(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVolume, path)
	}
	if v.FSType == FSRamdisk {
		return nil
	}
	mounted, err := m.Mounted(v.MountPoint)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	if err := os.MkdirAll(v.MountPoint, 0o755); err != nil {
		return err
	}
	err = m.mount(v.Device, v.MountPoint, v.FSType)
	if err != nil && v.Device2 != "" {
		log.Warn().Str("component", "volume").Str("device", v.Device).Err(err).Msg("mount failed, trying device2")
		err = m.mount(v.Device2, v.MountPoint, v.FSType)
	}
	if err != nil {
		return fmt.Errorf("volume: mount %s: %w", v.MountPoint, err)
	}
	log.Info().Str("component", "volume").Str("mount_point", v.MountPoint).Str("device", v.Device).Msg("mounted")
	return nil
}

func (m *Manager) EnsureUnmounted(_ context.Context, mountPoint string) error {
	v, ok := m.table.ForPath(mountPoint)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVolume, mountPoint)
	}
	if v.FSType == FSRamdisk {
		return nil
	}
	mounted, err := m.Mounted(v.MountPoint)
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	if err := m.unmount(v.MountPoint); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("volume: unmount %s: %w", v.MountPoint, err)
	}
	log.Info().Str("component", "volume").Str("mount_point", v.MountPoint).Msg("unmounted")
	return nil
}

// Format unmounts the volume at mountPoint and recreates its filesystem.
func (m *Manager) Format(ctx context.Context, mountPoint string) error {
	v, ok := m.table.ForPath(mountPoint)
	if !ok || v.MountPoint != mountPoint {
		return fmt.Errorf("%w: %s", ErrUnknownVolume, mountPoint)
	}
	argv, ok := m.Mkfs[v.FSType]
	if !ok || len(argv) == 0 {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedFS, v.FSType, mountPoint)
	}
	if err := m.EnsureUnmounted(ctx, mountPoint); err != nil {
		return err
	}
	args := make([]string, 0, len(argv)-1)
	for _, a := range argv[1:] {
		args = append(args, strings.ReplaceAll(a, "{device}", v.Device))
	}
	if _, err := m.runner.Run(ctx, argv[0], args...); err != nil {
		return fmt.Errorf("volume: format %s: %w", mountPoint, err)
	}
	log.Info().Str("component", "volume").Str("mount_point", mountPoint).Str("fs", v.FSType).Msg("formatted")
	return nil
}
