// Package flash writes downloaded images to their targets and erases
// volumes.
package flash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/flashd/internal/platform"
	"github.com/danmuck/flashd/internal/protocol"
	"github.com/danmuck/flashd/internal/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var (
	ErrUnknownVolume = errors.New("flash: unknown volume")
	ErrWrite         = errors.New("flash: unable to write")
	ErrFormat        = errors.New("flash: unable to format")
	ErrDecompress    = errors.New("flash: decompression failed")
	ErrUnknownCodec  = errors.New("flash: unknown codec")
)

const DefaultChunkSize = 256 * 1024

// Resolver maps a volume path such as /system to its device.
type Resolver interface {
	Resolve(path string) (string, error)
	HasMountPoint(mountPoint string) bool
}

// Formatter recreates the filesystem of a mounted-or-not volume.
type Formatter interface {
	Format(ctx context.Context, mountPoint string) error
}

// TargetWriter flashes one named target itself instead of going through
// volume resolution.
type TargetWriter func(ctx context.Context, payload protocol.Payload) error

type Options struct {
	ChunkSize int
	// Decompress selects a codec per target name.
	Decompress map[string]Codec
	// OnFlash is called after every flash attempt.
	OnFlash func(target string, bytes int64, err error)
}

type Pipeline struct {
	targets  *registry.Table[TargetWriter]
	resolver Resolver
	volumes  Formatter
	syncer   platform.Syncer
	opts     Options
}

func NewPipeline(resolver Resolver, volumes Formatter, syncer platform.Syncer, opts Options) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Pipeline{
		targets:  registry.NewTable[TargetWriter](),
		resolver: resolver,
		volumes:  volumes,
		syncer:   syncer,
		opts:     opts,
	}
}

// Targets is the per-target writer table. Registered writers take
// precedence over volume resolution.
func (p *Pipeline) Targets() *registry.Table[TargetWriter] {
	return p.targets
}

// ResolveTarget returns the destination path for target. Absolute paths
// are used as given; names resolve as /<name> through the volume table.
func (p *Pipeline) ResolveTarget(target string) (string, error) {
	if strings.HasPrefix(target, "/") {
		return target, nil
	}
	if p.resolver == nil {
		return "", fmt.Errorf("%w: /%s", ErrUnknownVolume, target)
	}
	dev, err := p.resolver.Resolve("/" + target)
	if err != nil {
		return "", fmt.Errorf("%w: /%s", ErrUnknownVolume, target)
	}
	return dev, nil
}

func (p *Pipeline) Flash(ctx context.Context, target string, payload protocol.Payload) error {
	if w, ok := p.targets.Lookup(target); ok {
		log.Info().Str("component", "flash").Str("target", target).Msg("flashing via target writer")
		err := w(ctx, payload)
		p.report(target, int64(payload.Size()), err)
		return err
	}
	dest, err := p.ResolveTarget(target)
	if err != nil {
		p.report(target, 0, err)
		return err
	}
	n, err := p.WriteTo(ctx, dest, payload, p.opts.Decompress[target])
	p.report(target, n, err)
	if err != nil {
		return err
	}
	log.Info().Str("component", "flash").Str("target", target).Str("dest", dest).Int64("bytes", n).Msg("flash complete")
	return nil
}

// CodecFor returns the codec configured for target, or fallback when the
// target has no entry.
func (p *Pipeline) CodecFor(target string, fallback Codec) Codec {
	if c, ok := p.opts.Decompress[target]; ok {
		return c
	}
	return fallback
}

// WriteTo writes payload to dest, inflating it with codec, and flushes
// before returning. A staged payload written raw is renamed into place.
func (p *Pipeline) WriteTo(ctx context.Context, dest string, payload protocol.Payload, codec Codec) (int64, error) {
	if codec == CodecNone && payload.IsStaged() {
		return p.renameStaged(dest, payload)
	}

	src, size, err := payload.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open payload: %v", ErrWrite, err)
	}
	defer src.Close()
	if staged, perr := payload.Path(); perr == nil {
		// The staged file is consumed whether or not inflation succeeds.
		defer os.Remove(staged)
	}

	reader := io.Reader(src)
	if codec != CodecNone {
		dec, err := NewDecoder(codec, src)
		if err != nil {
			return 0, err
		}
		defer dec.Close()
		reader = dec
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrWrite, dest, err)
	}
	n, copyErr := p.copyChunks(ctx, out, reader, codec != CodecNone)
	syncErr := out.Sync()
	closeErr := out.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if err := errors.Join(syncErr, closeErr); err != nil {
		return n, fmt.Errorf("%w: %s: %v", ErrWrite, dest, err)
	}
	p.syncer.Sync()
	log.Debug().Str("component", "flash").Str("dest", dest).Int64("payload", size).Int64("written", n).Str("codec", string(codec)).Msg("image written")
	return n, nil
}

func (p *Pipeline) renameStaged(dest string, payload protocol.Payload) (int64, error) {
	src, _ := payload.Path()
	st, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("%w: staged file: %v", ErrWrite, err)
	}
	if err := os.Rename(src, dest); err != nil {
		if errors.Is(err, unix.EXDEV) {
			return 0, fmt.Errorf("%w: %s is on another filesystem than %s", ErrWrite, src, dest)
		}
		return 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	p.syncer.Sync()
	return st.Size(), nil
}

func (p *Pipeline) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, inflating bool) (int64, error) {
	buf := make([]byte, p.opts.ChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("%w: %v", ErrWrite, werr)
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			if inflating {
				return total, fmt.Errorf("%w: %v", ErrDecompress, rerr)
			}
			return total, fmt.Errorf("%w: %v", ErrWrite, rerr)
		}
	}
}

// EraseMountPoint maps an erase target to its mount point.
func EraseMountPoint(target string) string {
	if target == "userdata" {
		return "/data"
	}
	return "/" + target
}

// Erase reformats the volume behind target.
func (p *Pipeline) Erase(ctx context.Context, target string) error {
	mp := EraseMountPoint(target)
	if p.resolver == nil || p.volumes == nil {
		return fmt.Errorf("%w: %s", ErrUnknownVolume, mp)
	}
	// Only whole volumes with a device can be formatted; a path under one
	// is unknown.
	if !p.resolver.HasMountPoint(mp) {
		return fmt.Errorf("%w: %s", ErrUnknownVolume, mp)
	}
	if _, err := p.resolver.Resolve(mp); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownVolume, mp)
	}
	if err := p.volumes.Format(ctx, mp); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFormat, mp, err)
	}
	log.Info().Str("component", "flash").Str("mount_point", mp).Msg("erase complete")
	return nil
}

func (p *Pipeline) report(target string, n int64, err error) {
	if err != nil {
		log.Error().Str("component", "flash").Str("target", target).Err(err).Msg("flash failed")
	}
	if p.opts.OnFlash != nil {
		p.opts.OnFlash(target, n, err)
	}
}
