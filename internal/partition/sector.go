package partition

import (
	"encoding/binary"
	"fmt"
)

const (
	tableOffset = 0x1BE
	recordLen   = 16
	sigOffset   = 0x1FE
)

// Record is one 16-byte partition table entry. CHS fields are always zero.
type Record struct {
	Status byte
	Type   byte
	Start  uint32
	Count  uint32
}

func putRecord(sector []byte, slot int, r Record) {
	off := tableOffset + slot*recordLen
	b := sector[off : off+recordLen]
	clear(b)
	b[0] = r.Status
	b[4] = r.Type
	binary.LittleEndian.PutUint32(b[8:12], r.Start)
	binary.LittleEndian.PutUint32(b[12:16], r.Count)
}

// DecodeRecords reads the four table slots of a sector.
func DecodeRecords(sector []byte) ([4]Record, error) {
	var out [4]Record
	if len(sector) != SectorSize {
		return out, fmt.Errorf("partition: sector is %d bytes", len(sector))
	}
	for slot := range out {
		b := sector[tableOffset+slot*recordLen : tableOffset+(slot+1)*recordLen]
		out[slot] = Record{
			Status: b[0],
			Type:   b[4],
			Start:  binary.LittleEndian.Uint32(b[8:12]),
			Count:  binary.LittleEndian.Uint32(b[12:16]),
		}
	}
	return out, nil
}

// HasSignature reports whether the sector ends with 0x55 0xAA.
func HasSignature(sector []byte) bool {
	return len(sector) == SectorSize && sector[sigOffset] == 0x55 && sector[sigOffset+1] == 0xAA
}

func sign(sector []byte) {
	sector[sigOffset] = 0x55
	sector[sigOffset+1] = 0xAA
}

// MBR encodes the master boot record on top of existing, keeping its boot
// code. Slots 0-2 carry the primaries; slot 3 is the extended container
// when logical partitions exist.
func (p Plan) MBR(existing []byte) ([]byte, error) {
	if len(existing) != SectorSize {
		return nil, fmt.Errorf("partition: existing MBR is %d bytes", len(existing))
	}
	out := make([]byte, SectorSize)
	copy(out, existing)
	for slot := 0; slot < 3; slot++ {
		var r Record
		if slot < len(p.Parts) {
			d := p.Parts[slot]
			r = Record{Type: d.Type, Start: uint32(d.Start), Count: uint32(d.Count)}
		}
		putRecord(out, slot, r)
	}
	var ext Record
	if len(p.Parts) > 3 {
		last := p.Parts[len(p.Parts)-1]
		ext = Record{
			Type:  TypeExtended,
			Start: uint32(p.ExtendedStart),
			Count: uint32(last.End() - p.ExtendedStart),
		}
	}
	putRecord(out, 3, ext)
	sign(out)
	return out, nil
}

// EBR encodes the extended boot record preceding logical partition i and
// returns the LBA it must be written at.
func (p Plan) EBR(i int) (uint64, []byte, error) {
	if i < 3 || i >= len(p.Parts) {
		return 0, nil, fmt.Errorf("partition: %d is not a logical partition", i)
	}
	track := p.Geometry.TrackSectors
	d := p.Parts[i]
	out := make([]byte, SectorSize)
	putRecord(out, 0, Record{Type: d.Type, Start: uint32(track), Count: uint32(d.Count)})
	if i+1 < len(p.Parts) {
		next := p.Parts[i+1]
		putRecord(out, 1, Record{
			Type:  TypeExtended,
			Start: uint32(next.Start - p.ExtendedStart - track),
			Count: uint32(next.Count + track),
		})
	}
	sign(out)
	return d.Start - track, out, nil
}
