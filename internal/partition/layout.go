package partition

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Layout is the on-disk description consumed by `oem partition <file>`.
//
//	[[partition]]
//	name = "system"
//	size_mb = 512
//	type = "linux"
//	device = "/dev/block/mmcblk0p1"
//	mount_point = "/system"
//	fs_type = "ext4"
type Layout struct {
	Partitions []LayoutEntry `toml:"partition"`
}

type LayoutEntry struct {
	Name       string `toml:"name"`
	SizeMB     int64  `toml:"size_mb"`
	Type       string `toml:"type"`
	Device     string `toml:"device"`
	MountPoint string `toml:"mount_point"`
	FSType     string `toml:"fs_type"`
}

func LoadLayout(path string) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("layout load failed (%s): %w", path, err)
	}
	return ParseLayout(data)
}

func ParseLayout(data []byte) ([]Request, error) {
	var layout Layout
	if err := toml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	if len(layout.Partitions) == 0 {
		return nil, fmt.Errorf("%w: no [[partition]] entries", ErrInvalidLayout)
	}
	reqs := make([]Request, 0, len(layout.Partitions))
	for i, e := range layout.Partitions {
		typ, hidden, err := parseType(e.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: partition[%d]: %v", ErrInvalidLayout, i, err)
		}
		size := e.SizeMB
		if hidden {
			if size <= 0 {
				return nil, fmt.Errorf("%w: partition[%d]: hidden entry needs size_mb > 0", ErrInvalidLayout, i)
			}
			size = -size
		} else if size < 0 {
			return nil, fmt.Errorf("%w: partition[%d]: negative size_mb", ErrInvalidLayout, i)
		}
		// Without a node path nothing can tell whether the partition exists.
		if !hidden && strings.TrimSpace(e.Device) == "" {
			return nil, fmt.Errorf("%w: partition[%d]: device is required", ErrInvalidLayout, i)
		}
		reqs = append(reqs, Request{
			Name:       e.Name,
			SizeMB:     size,
			Type:       typ,
			Device:     strings.TrimSpace(e.Device),
			MountPoint: e.MountPoint,
			FSType:     e.FSType,
		})
	}
	return reqs, nil
}

// TypeForFS maps a filesystem name to its partition type byte.
func TypeForFS(fsType string) byte {
	if fsType == "vfat" {
		return TypeVFAT
	}
	return TypeLinux
}

func parseType(raw string) (byte, bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "linux":
		return TypeLinux, false, nil
	case "vfat":
		return TypeVFAT, false, nil
	case "hidden":
		return TypeEmpty, true, nil
	default:
		return 0, false, fmt.Errorf("unknown type %q", raw)
	}
}
