package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/danmuck/flashd/internal/flash"
	"github.com/danmuck/flashd/internal/partition"
	"github.com/danmuck/flashd/internal/platform"
	"github.com/danmuck/flashd/internal/protocol"
	"github.com/danmuck/flashd/internal/registry"
	"github.com/danmuck/flashd/internal/volume"
	"github.com/rs/zerolog/log"
)

// MaxOEMArgs bounds oem tokenisation; extra tokens are dropped.
const MaxOEMArgs = 16

// FAIL reasons sent to the host.
const (
	ReasonUnknownVolume   = "unknown volume"
	ReasonWrite           = "unable to write"
	ReasonFormat          = "unable to format"
	ReasonDecompress      = "decompression failed"
	ReasonUpdate          = "problem with creating ota update file!"
	ReasonBootStubbed     = "boot command stubbed on this platform!"
	ReasonEmptyOEM        = "empty OEM command"
	ReasonUnknownOEM      = "unknown OEM command"
	ReasonOEMSystem       = "OEM system command are not supported anymore"
	ReasonMissingArgument = "missing argument"
)

// OEMFunc runs one oem verb. args[0] is the verb itself.
type OEMFunc func(ctx context.Context, x protocol.Exchange, args []string) error

// Volumes is the slice of the volume manager the handlers use.
type Volumes interface {
	EnsureMounted(ctx context.Context, path string) error
	Table() *volume.Table
}

// Partitioner provisions the partition table of a block device.
type Partitioner interface {
	EnsureDevice(ctx context.Context, device string, reqs []partition.Request) (bool, error)
}

// Paths used by the update target.
type Paths struct {
	OTAPackage      string
	RecoveryCommand string
}

func DefaultPaths() Paths {
	return Paths{
		OTAPackage:      "/cache/update.zip",
		RecoveryCommand: "/cache/recovery/command",
	}
}

type Deps struct {
	Commands    *registry.Commands
	Variables   *registry.Variables
	Pipeline    *flash.Pipeline
	Volumes     Volumes
	Partitioner Partitioner
	Syncer      platform.Syncer
	Rebooter    platform.Rebooter
	BaseDevice  string
	Paths       Paths
	// OnPartition is told the outcome of every provisioning run.
	OnPartition func(outcome string)
}

// Handlers owns the verb implementations and the OEM verb table.
type Handlers struct {
	ctx  context.Context
	deps Deps
	oem  *registry.Table[OEMFunc]
}

func New(ctx context.Context, deps Deps) *Handlers {
	if deps.Paths == (Paths{}) {
		deps.Paths = DefaultPaths()
	}
	return &Handlers{ctx: ctx, deps: deps, oem: registry.NewTable[OEMFunc]()}
}

// OEM is the oem verb table; platform code may add verbs before serving.
func (h *Handlers) OEM() *registry.Table[OEMFunc] {
	return h.oem
}

// Register installs every verb, the built-in OEM verbs and flash targets.
func (h *Handlers) Register() error {
	cmds := h.deps.Commands
	// Newest registration matches first, so reboot-bootloader must come
	// after reboot.
	steps := []struct {
		prefix  string
		handler protocol.Handler
	}{
		{"reboot", h.rebootTo(platform.TargetAndroid)},
		{"reboot-bootloader", h.rebootTo(platform.TargetFastboot)},
		{"erase:", h.erase},
		{"flash:", h.flash},
		{"continue", h.rebootTo(platform.TargetAndroid)},
		{"boot", h.boot},
		{"oem", h.oemDispatch},
	}
	for _, s := range steps {
		if err := cmds.Register(s.prefix, s.handler); err != nil {
			return err
		}
	}
	if err := h.registerOEM(); err != nil {
		return err
	}
	return h.registerTargets()
}

func (h *Handlers) flash(x protocol.Exchange, arg string, payload protocol.Payload) {
	log.Info().Str("component", "commands").Str("target", arg).Int("size", payload.Size()).Str("kind", payload.Kind().String()).Msg("flash")
	if err := h.deps.Pipeline.Flash(h.ctx, arg, payload); err != nil {
		x.Fail(FailReason(err))
		return
	}
	x.Okay("")
	if arg == targetUpdate {
		_ = platform.RebootAfterSync(h.deps.Syncer, h.deps.Rebooter, platform.TargetRecovery)
	}
}

func (h *Handlers) erase(x protocol.Exchange, arg string, _ protocol.Payload) {
	log.Info().Str("component", "commands").Str("target", arg).Msg("erase")
	if err := h.deps.Pipeline.Erase(h.ctx, arg); err != nil {
		x.Fail(FailReason(err))
		return
	}
	x.Okay("")
}

func (h *Handlers) boot(x protocol.Exchange, _ string, _ protocol.Payload) {
	x.Fail(ReasonBootStubbed)
}

// rebootTo acknowledges first, then syncs, then reboots.
func (h *Handlers) rebootTo(target string) protocol.Handler {
	return func(x protocol.Exchange, _ string, _ protocol.Payload) {
		x.Okay("")
		_ = platform.RebootAfterSync(h.deps.Syncer, h.deps.Rebooter, target)
	}
}

func (h *Handlers) oemDispatch(x protocol.Exchange, arg string, _ protocol.Payload) {
	args := TokenizeOEM(arg)
	if len(args) == 0 {
		x.Fail(ReasonEmptyOEM)
		return
	}
	verb := args[0]
	if fn, ok := h.oem.Lookup(verb); ok {
		if err := fn(h.ctx, x, args); err != nil {
			log.Error().Str("component", "commands").Str("verb", verb).Err(err).Msg("oem command failed")
			x.Fail(verb)
			return
		}
		x.Okay("")
		return
	}
	switch verb {
	case "system":
		x.Fail(ReasonOEMSystem)
	case "showtext":
		x.Okay("")
	default:
		x.Fail(ReasonUnknownOEM)
	}
}

// TokenizeOEM splits on spaces and tabs, keeping at most MaxOEMArgs tokens.
func TokenizeOEM(arg string) []string {
	args := strings.FieldsFunc(arg, func(r rune) bool { return r == ' ' || r == '\t' })
	if len(args) > MaxOEMArgs {
		args = args[:MaxOEMArgs]
	}
	return args
}

// FailReason maps pipeline errors to the host-facing FAIL text.
func FailReason(err error) string {
	switch {
	case errors.Is(err, flash.ErrUnknownVolume):
		return ReasonUnknownVolume
	case errors.Is(err, flash.ErrDecompress):
		return ReasonDecompress
	case errors.Is(err, flash.ErrFormat):
		return ReasonFormat
	case errors.Is(err, errUpdate):
		return ReasonUpdate
	default:
		return ReasonWrite
	}
}
