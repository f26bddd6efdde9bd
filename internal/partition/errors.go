package partition

import "errors"

var (
	ErrNoSpace           = errors.New("partition: no space left")
	ErrTooManyPartitions = errors.New("partition: too many partitions")
	ErrNoPartitions      = errors.New("partition: no partitions requested")
	ErrGeometry          = errors.New("partition: invalid disk geometry")
	ErrSectorSize        = errors.New("partition: unsupported sector size")
	ErrDeviceMissing     = errors.New("partition: device node not created")
	ErrInvalidLayout     = errors.New("partition: invalid layout")
)
