package partition

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultTrackSectors is used for image files, which have no geometry.
const DefaultTrackSectors = 63

// HDIO_GETGEO from linux/hdreg.h.
const hdioGetGeo = 0x0301

type hdGeometry struct {
	Heads     uint8
	Sectors   uint8
	Cylinders uint16
	Start     uintptr
}

// Disk is the raw device the builder writes to.
type Disk interface {
	Geometry() (Geometry, error)
	ReadSector(lba uint64, buf []byte) error
	WriteSector(lba uint64, buf []byte) error
	// Reread asks the kernel to reload the partition table.
	Reread() error
	Close() error
}

// BlockDevice is a Disk backed by a device node or a disk image file.
type BlockDevice struct {
	f     *os.File
	path  string
	image bool
}

func OpenBlockDevice(path string) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &BlockDevice{f: f, path: path, image: st.Mode().IsRegular()}, nil
}

func (b *BlockDevice) Path() string {
	return b.path
}

func (b *BlockDevice) Geometry() (Geometry, error) {
	if b.image {
		st, err := b.f.Stat()
		if err != nil {
			return Geometry{}, err
		}
		return Geometry{
			TotalSectors: uint64(st.Size()) / SectorSize,
			TrackSectors: DefaultTrackSectors,
			SectorSize:   SectorSize,
		}, nil
	}

	fd := int(b.f.Fd())
	ssz, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: BLKSSZGET: %v", ErrGeometry, err)
	}
	if ssz != SectorSize {
		return Geometry{}, fmt.Errorf("%w: %d", ErrSectorSize, ssz)
	}
	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.BLKGETSIZE64), uintptr(unsafe.Pointer(&size))); errno != 0 {
		return Geometry{}, fmt.Errorf("%w: BLKGETSIZE64: %v", ErrGeometry, errno)
	}
	var geo hdGeometry
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), hdioGetGeo, uintptr(unsafe.Pointer(&geo))); errno != 0 {
		return Geometry{}, fmt.Errorf("%w: HDIO_GETGEO: %v", ErrGeometry, errno)
	}
	return Geometry{
		TotalSectors: size / SectorSize,
		TrackSectors: uint64(geo.Sectors),
		SectorSize:   SectorSize,
	}, nil
}

func (b *BlockDevice) ReadSector(lba uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("partition: read buffer is %d bytes", len(buf))
	}
	_, err := b.f.ReadAt(buf, int64(lba*SectorSize))
	return err
}

func (b *BlockDevice) WriteSector(lba uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("partition: write buffer is %d bytes", len(buf))
	}
	_, err := b.f.WriteAt(buf, int64(lba*SectorSize))
	return err
}

func (b *BlockDevice) Reread() error {
	if err := b.f.Sync(); err != nil {
		return err
	}
	if b.image {
		return nil
	}
	return unix.IoctlSetInt(int(b.f.Fd()), unix.BLKRRPART, 0)
}

func (b *BlockDevice) Close() error {
	return b.f.Close()
}

// WritePlan writes the MBR and every EBR of p, then rereads the table.
func WritePlan(d Disk, p Plan) error {
	existing := make([]byte, SectorSize)
	if err := d.ReadSector(0, existing); err != nil {
		return fmt.Errorf("partition: read MBR: %w", err)
	}
	mbr, err := p.MBR(existing)
	if err != nil {
		return err
	}
	if err := d.WriteSector(0, mbr); err != nil {
		return fmt.Errorf("partition: write MBR: %w", err)
	}
	for i := 3; i < len(p.Parts); i++ {
		lba, ebr, err := p.EBR(i)
		if err != nil {
			return err
		}
		if err := d.WriteSector(lba, ebr); err != nil {
			return fmt.Errorf("partition: write EBR %d: %w", i, err)
		}
	}
	if err := d.Reread(); err != nil {
		return fmt.Errorf("partition: reread table: %w", err)
	}
	return nil
}
