package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// VolumeOps is what provisioning needs from the volume layer.
type VolumeOps interface {
	EnsureUnmounted(ctx context.Context, mountPoint string) error
	Format(ctx context.Context, mountPoint string) error
}

// Provisioner creates the partitions a volume table expects when their
// device nodes are missing.
type Provisioner struct {
	Volumes     VolumeOps
	WaitTimeout time.Duration
	PollEvery   time.Duration
	// Exists defaults to an os.Stat check.
	Exists func(path string) bool
}

func NewProvisioner(volumes VolumeOps) *Provisioner {
	return &Provisioner{
		Volumes:     volumes,
		WaitTimeout: 5 * time.Second,
		PollEvery:   100 * time.Millisecond,
	}
}

// NeedsCreate reports whether any non-hidden request lacks its device node.
func (p *Provisioner) NeedsCreate(reqs []Request) bool {
	for _, r := range reqs {
		if r.Hidden() || r.Device == "" {
			continue
		}
		if !p.exists(r.Device) {
			return true
		}
	}
	return false
}

// EnsureCreated partitions d for reqs unless every expected node already
// exists, in which case nothing is written. It reports whether a new table
// was written. Any failure after the first write leaves the disk as is.
func (p *Provisioner) EnsureCreated(ctx context.Context, d Disk, reqs []Request) (bool, error) {
	if !p.NeedsCreate(reqs) {
		log.Info().Str("component", "partition").Msg("partitions present, nothing to create")
		return false, nil
	}
	geo, err := d.Geometry()
	if err != nil {
		return false, err
	}
	plan, err := Build(reqs, geo)
	if err != nil {
		return false, err
	}
	log.Info().Str("component", "partition").Int("count", len(plan.Parts)).Uint64("auto_sectors", plan.AutoSectors).Msg("partitioning disk")

	if p.Volumes != nil {
		for _, r := range reqs {
			if r.MountPoint == "" {
				continue
			}
			if err := p.Volumes.EnsureUnmounted(ctx, r.MountPoint); err != nil {
				log.Warn().Str("component", "partition").Str("mount_point", r.MountPoint).Err(err).Msg("unmount failed")
			}
		}
	}

	if err := WritePlan(d, plan); err != nil {
		return true, err
	}
	for _, r := range reqs {
		if r.Hidden() || r.Device == "" {
			continue
		}
		if err := p.waitNode(ctx, r.Device); err != nil {
			return true, err
		}
	}

	var formatErr error
	for _, r := range reqs {
		if r.Hidden() || r.FSType != "ext4" || r.MountPoint == "" || p.Volumes == nil {
			continue
		}
		log.Info().Str("component", "partition").Str("mount_point", r.MountPoint).Msg("formatting")
		if err := p.Volumes.Format(ctx, r.MountPoint); err != nil {
			formatErr = errors.Join(formatErr, fmt.Errorf("format %s: %w", r.MountPoint, err))
		}
	}
	return true, formatErr
}

func (p *Provisioner) waitNode(ctx context.Context, path string) error {
	if p.exists(path) {
		return nil
	}
	poll := p.PollEvery
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.NewTimer(p.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrDeviceMissing, path)
		case <-ticker.C:
			if p.exists(path) {
				return nil
			}
		}
	}
}

func (p *Provisioner) exists(path string) bool {
	if p.Exists != nil {
		return p.Exists(path)
	}
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDevice opens the block device at path and runs EnsureCreated on it.
func (p *Provisioner) EnsureDevice(ctx context.Context, path string, reqs []Request) (bool, error) {
	if !p.NeedsCreate(reqs) {
		return false, nil
	}
	d, err := OpenBlockDevice(path)
	if err != nil {
		return false, err
	}
	defer d.Close()
	return p.EnsureCreated(ctx, d, reqs)
}
