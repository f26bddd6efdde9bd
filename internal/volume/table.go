// Package volume resolves mount points to block devices from a
// recovery.fstab style table and performs mount, unmount and format.
package volume

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/flashd/internal/partition"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownVolume = errors.New("volume: unknown volume")
	ErrUnsupportedFS = errors.New("volume: unsupported filesystem")
)

const (
	FSRamdisk = "ramdisk"
	FSHidden  = "hidden"
)

// Volume is one table entry. LengthMB is a partition size hint: positive
// is explicit, 0 means share the remaining space, negative means skip.
type Volume struct {
	MountPoint string
	FSType     string
	Device     string
	Device2    string
	LengthMB   int64
}

// Table is the parsed volume table.
type Table struct {
	vols []Volume
}

// NewTable builds a table from vols, prepending the implicit /tmp ramdisk.
func NewTable(vols ...Volume) *Table {
	t := &Table{vols: []Volume{{MountPoint: "/tmp", FSType: FSRamdisk}}}
	t.vols = append(t.vols, vols...)
	return t
}

func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("volume table load failed (%s): %w", path, err)
	}
	defer f.Close()
	return ParseTable(f)
}

// ParseTable reads lines of
//
//	mount_point fs_type device [device2] [length_mb]
//
// Blank lines and # comments are ignored; malformed lines are logged and
// skipped.
func ParseTable(r io.Reader) (*Table, error) {
	t := NewTable()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			log.Warn().Str("component", "volume").Int("line", lineNo).Str("text", line).Msg("skipping malformed volume line")
			continue
		}
		v := Volume{MountPoint: fields[0], FSType: fields[1], Device: fields[2]}
		if len(fields) > 3 {
			v.Device2 = fields[3]
		}
		if len(fields) > 4 {
			n, err := strconv.ParseInt(fields[4], 10, 64)
			if err != nil {
				log.Warn().Str("component", "volume").Int("line", lineNo).Str("length", fields[4]).Msg("skipping volume with bad length")
				continue
			}
			v.LengthMB = n
		}
		t.vols = append(t.vols, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) Volumes() []Volume {
	return append([]Volume(nil), t.vols...)
}

// ForPath returns the volume whose mount point is the longest prefix of
// path on a path-component boundary.
func (t *Table) ForPath(path string) (Volume, bool) {
	best := -1
	for i, v := range t.vols {
		mp := v.MountPoint
		if path != mp && !strings.HasPrefix(path, strings.TrimSuffix(mp, "/")+"/") {
			continue
		}
		if best < 0 || len(mp) > len(t.vols[best].MountPoint) {
			best = i
		}
	}
	if best < 0 {
		return Volume{}, false
	}
	return t.vols[best], true
}

// HasMountPoint reports whether mountPoint is exactly one of the table's
// mount points, not merely a path under one.
func (t *Table) HasMountPoint(mountPoint string) bool {
	for _, v := range t.vols {
		if v.MountPoint == mountPoint {
			return true
		}
	}
	return false
}

// Resolve maps a volume name to its device, as /<name>.
func (t *Table) Resolve(path string) (string, error) {
	v, ok := t.ForPath(path)
	if !ok || v.Device == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownVolume, path)
	}
	return v.Device, nil
}

// Requests converts the volumes living on baseDevice into partition
// requests, in table order.
func (t *Table) Requests(baseDevice string) []partition.Request {
	var reqs []partition.Request
	for _, v := range t.vols {
		if v.Device == "" || !strings.HasPrefix(v.Device, baseDevice) {
			continue
		}
		if v.LengthMB < 0 {
			continue
		}
		if v.FSType == FSHidden {
			if v.LengthMB > 0 {
				reqs = append(reqs, partition.Request{Name: v.MountPoint, SizeMB: -v.LengthMB})
			}
			continue
		}
		reqs = append(reqs, partition.Request{
			Name:       v.MountPoint,
			SizeMB:     v.LengthMB,
			Type:       partition.TypeForFS(v.FSType),
			Device:     v.Device,
			MountPoint: v.MountPoint,
			FSType:     v.FSType,
		})
	}
	return reqs
}
