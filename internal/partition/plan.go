package partition

import (
	"fmt"
	"math"
)

const (
	SectorSize    = 512
	MaxPartitions = 32

	TypeEmpty    byte = 0x00
	TypeExtended byte = 0x05
	TypeVFAT     byte = 0x0C
	TypeLinux    byte = 0x83

	sectorsPerMB = 1024 * 1024 / SectorSize
)

// Request asks for one partition. SizeMB > 0 is an explicit size, 0 shares
// the remaining space with the other auto entries and a negative value is
// a hidden gap of |SizeMB| that shifts the next real partition.
type Request struct {
	Name       string
	SizeMB     int64
	Type       byte
	Device     string
	MountPoint string
	FSType     string
}

func (r Request) Hidden() bool {
	return r.SizeMB < 0
}

// Geometry describes the target disk. TrackSectors is the gap reserved
// ahead of the first partition and ahead of every logical partition.
type Geometry struct {
	TotalSectors uint64
	TrackSectors uint64
	SectorSize   uint32
}

// Descriptor is one allocated partition.
type Descriptor struct {
	Index   int
	Name    string
	Start   uint64
	Count   uint64
	Type    byte
	Logical bool
}

func (d Descriptor) End() uint64 {
	return d.Start + d.Count
}

// Plan is a fully allocated layout ready to be encoded.
type Plan struct {
	Geometry Geometry
	Parts    []Descriptor
	// ExtendedStart is the LBA of the first EBR, 0 without logical entries.
	ExtendedStart uint64
	AutoSectors   uint64
}

func MBToSectors(mb int64) uint64 {
	return uint64(mb) * sectorsPerMB
}

// Build allocates reqs in order against geo.
func Build(reqs []Request, geo Geometry) (Plan, error) {
	if geo.SectorSize != 0 && geo.SectorSize != SectorSize {
		return Plan{}, fmt.Errorf("%w: %d", ErrSectorSize, geo.SectorSize)
	}
	if geo.TotalSectors == 0 || geo.TrackSectors == 0 {
		return Plan{}, fmt.Errorf("%w: total=%d track=%d", ErrGeometry, geo.TotalSectors, geo.TrackSectors)
	}
	track := geo.TrackSectors

	var (
		allocated uint64
		real      int
		autos     uint64
	)
	for _, r := range reqs {
		switch {
		case r.SizeMB > 0:
			allocated += MBToSectors(r.SizeMB) + track
			real++
		case r.SizeMB == 0:
			autos++
			real++
		default:
			allocated += MBToSectors(-r.SizeMB)
		}
	}
	if real == 0 {
		return Plan{}, ErrNoPartitions
	}
	if real > MaxPartitions {
		return Plan{}, fmt.Errorf("%w: %d > %d", ErrTooManyPartitions, real, MaxPartitions)
	}
	if allocated > geo.TotalSectors {
		return Plan{}, fmt.Errorf("%w: need %d sectors, disk has %d", ErrNoSpace, allocated, geo.TotalSectors)
	}

	var auto uint64
	if autos > 0 {
		reserve := allocated + track*autos
		if reserve >= geo.TotalSectors {
			return Plan{}, fmt.Errorf("%w: nothing left for %d auto partitions", ErrNoSpace, autos)
		}
		auto = (geo.TotalSectors - reserve) / autos
		auto -= auto % sectorsPerMB
		if auto == 0 {
			return Plan{}, fmt.Errorf("%w: auto partitions round to 0MB", ErrNoSpace)
		}
	}

	plan := Plan{Geometry: geo, Parts: make([]Descriptor, 0, real), AutoSectors: auto}
	var gap uint64
	for _, r := range reqs {
		if r.Hidden() {
			gap += MBToSectors(-r.SizeMB)
			continue
		}
		count := auto
		if r.SizeMB > 0 {
			count = MBToSectors(r.SizeMB)
		}
		i := len(plan.Parts)
		var start uint64
		switch {
		case i == 0:
			start = track
		case i < 3:
			start = plan.Parts[i-1].End()
		default:
			start = plan.Parts[i-1].End() + track
		}
		start += gap
		gap = 0

		d := Descriptor{Index: i, Name: r.Name, Start: start, Count: count, Type: r.Type, Logical: i >= 3}
		if d.Type == TypeEmpty {
			d.Type = TypeLinux
		}
		if d.End() > geo.TotalSectors {
			return Plan{}, fmt.Errorf("%w: %q ends at %d beyond %d", ErrNoSpace, r.Name, d.End(), geo.TotalSectors)
		}
		if d.End() > math.MaxUint32 {
			return Plan{}, fmt.Errorf("%w: %q beyond 32-bit LBA", ErrNoSpace, r.Name)
		}
		plan.Parts = append(plan.Parts, d)
	}
	if len(plan.Parts) > 3 {
		plan.ExtendedStart = plan.Parts[3].Start - track
	}
	return plan, nil
}
