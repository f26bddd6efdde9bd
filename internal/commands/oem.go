package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/danmuck/flashd/internal/partition"
	"github.com/danmuck/flashd/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

var errNoPartitioner = errors.New("commands: partitioning not configured")

func (h *Handlers) registerOEM() error {
	verbs := map[string]OEMFunc{
		"partition": h.oemPartition,
		"hash":      h.oemHash,
		"volumes":   h.oemVolumes,
	}
	for verb, fn := range verbs {
		if err := h.oem.Register(verb, fn); err != nil {
			return err
		}
	}
	return nil
}

// oemPartition provisions the base device from the volume table, or from
// a layout file when one is given.
func (h *Handlers) oemPartition(ctx context.Context, x protocol.Exchange, args []string) error {
	if h.deps.Partitioner == nil {
		return errNoPartitioner
	}
	reqs, err := h.partitionRequests(args)
	if err != nil {
		return err
	}
	created, err := h.deps.Partitioner.EnsureDevice(ctx, h.deps.BaseDevice, reqs)
	h.reportPartition(created, err)
	if err != nil {
		return err
	}
	if created {
		x.Info(fmt.Sprintf("created %d partitions", countReal(reqs)))
	} else {
		x.Info("partitions already present")
	}
	return nil
}

func (h *Handlers) partitionRequests(args []string) ([]partition.Request, error) {
	if len(args) > 1 {
		return partition.LoadLayout(args[1])
	}
	if h.deps.Volumes == nil {
		return nil, errNoPartitioner
	}
	return h.deps.Volumes.Table().Requests(h.deps.BaseDevice), nil
}

// AutoPartition runs provisioning from the volume table at startup.
func (h *Handlers) AutoPartition(ctx context.Context) (bool, error) {
	if h.deps.Partitioner == nil || h.deps.Volumes == nil {
		return false, errNoPartitioner
	}
	reqs := h.deps.Volumes.Table().Requests(h.deps.BaseDevice)
	created, err := h.deps.Partitioner.EnsureDevice(ctx, h.deps.BaseDevice, reqs)
	h.reportPartition(created, err)
	return created, err
}

func (h *Handlers) reportPartition(created bool, err error) {
	outcome := "present"
	switch {
	case err != nil:
		outcome = "failed"
		log.Error().Str("component", "commands").Str("device", h.deps.BaseDevice).Err(err).Msg("partitioning failed")
	case created:
		outcome = "created"
	}
	if h.deps.OnPartition != nil {
		h.deps.OnPartition(outcome)
	}
}

func countReal(reqs []partition.Request) int {
	n := 0
	for _, r := range reqs {
		if !r.Hidden() {
			n++
		}
	}
	return n
}

// oemHash reports the BLAKE3 digest of a target, optionally limited to the
// first N bytes: oem hash <target> [bytes].
func (h *Handlers) oemHash(_ context.Context, x protocol.Exchange, args []string) error {
	if len(args) < 2 {
		return errors.New(ReasonMissingArgument)
	}
	path, err := h.deps.Pipeline.ResolveTarget(args[1])
	if err != nil {
		return err
	}
	limit := int64(-1)
	if len(args) > 2 {
		limit, err = strconv.ParseInt(args[2], 0, 64)
		if err != nil || limit < 0 {
			return fmt.Errorf("bad length %q", args[2])
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var src io.Reader = f
	if limit >= 0 {
		src = io.LimitReader(f, limit)
	}
	hasher := blake3.New()
	n, err := io.Copy(hasher, src)
	if err != nil {
		return err
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	x.Info(fmt.Sprintf("%s %d bytes", args[1], n))
	// A hex digest does not fit one response; split it.
	x.Info(sum[:32])
	x.Info(sum[32:])
	return nil
}

func (h *Handlers) oemVolumes(_ context.Context, x protocol.Exchange, _ []string) error {
	if h.deps.Volumes == nil {
		return errNoPartitioner
	}
	for _, v := range h.deps.Volumes.Table().Volumes() {
		line := v.MountPoint + " " + v.FSType
		if v.Device != "" {
			line += " " + v.Device
		}
		x.Info(line)
	}
	return nil
}
