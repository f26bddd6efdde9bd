package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/flashd/internal/flash"
	"github.com/danmuck/flashd/internal/protocol"
)

const (
	targetSystem = "system"
	targetUpdate = "update"
)

var errUpdate = errors.New("commands: update package")

func (h *Handlers) registerTargets() error {
	targets := h.deps.Pipeline.Targets()
	if err := targets.Register(targetSystem, h.flashSystem); err != nil {
		return err
	}
	return targets.Register(targetUpdate, h.flashUpdate)
}

// flashSystem inflates the image onto the /system device, gzip unless
// another codec is configured for the target.
func (h *Handlers) flashSystem(ctx context.Context, payload protocol.Payload) error {
	dev, err := h.deps.Pipeline.ResolveTarget(targetSystem)
	if err != nil {
		return err
	}
	codec := h.deps.Pipeline.CodecFor(targetSystem, flash.CodecGzip)
	_, err = h.deps.Pipeline.WriteTo(ctx, dev, payload, codec)
	return err
}

// flashUpdate stores an OTA package and the recovery command that applies
// it. The reboot into recovery happens after the host is acknowledged.
func (h *Handlers) flashUpdate(ctx context.Context, payload protocol.Payload) error {
	paths := h.deps.Paths
	if h.deps.Volumes != nil {
		for _, p := range []string{filepath.Dir(paths.RecoveryCommand), paths.OTAPackage} {
			if err := h.deps.Volumes.EnsureMounted(ctx, p); err != nil {
				return fmt.Errorf("%w: mount %s: %v", errUpdate, p, err)
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(paths.OTAPackage), 0o770); err != nil {
		return fmt.Errorf("%w: %v", errUpdate, err)
	}
	if err := os.Remove(paths.OTAPackage); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", errUpdate, err)
	}
	if _, err := h.deps.Pipeline.WriteTo(ctx, paths.OTAPackage, payload, flash.CodecNone); err != nil {
		return fmt.Errorf("%w: %v", errUpdate, err)
	}
	if err := os.MkdirAll(filepath.Dir(paths.RecoveryCommand), 0o770); err != nil {
		return fmt.Errorf("%w: %v", errUpdate, err)
	}
	command := "--update_package=" + paths.OTAPackage
	if err := os.WriteFile(paths.RecoveryCommand, []byte(command), 0o600); err != nil {
		return fmt.Errorf("%w: %v", errUpdate, err)
	}
	h.deps.Syncer.Sync()
	return nil
}
