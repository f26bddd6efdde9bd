// Package installer replays a command script found on removable media
// through the same command registry the wire sessions use.
package installer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/flashd/internal/protocol"
	"github.com/danmuck/flashd/internal/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const ScriptName = "installer.cmd"

var (
	ErrNoMedium      = errors.New("installer: no valid installer medium")
	ErrEmptyScript   = errors.New("installer: script is empty")
	ErrMissingImage  = errors.New("installer: flash line without #file")
	ErrNoDownload    = errors.New("installer: download is not available")
	ErrNoAcknowledge = errors.New("installer: handler sent no result")
)

type Medium struct {
	Device string
	FSType string
}

type Mounter interface {
	Mount(device, target, fstype string) error
	Unmount(target string) error
}

// SystemMounter mounts read-write with no extra flags.
type SystemMounter struct{}

func (SystemMounter) Mount(device, target, fstype string) error {
	return unix.Mount(device, target, fstype, 0, "")
}

func (SystemMounter) Unmount(target string) error {
	return unix.Unmount(target, 0)
}

type BusyFlag interface {
	Set(busy bool)
}

// Installer probes Media in order and runs the first script it finds.
type Installer struct {
	Commands    *registry.Commands
	MountPoint  string
	Media       []Medium
	Mounter     Mounter
	ScratchCap  int
	StagingPath string
	Busy        BusyFlag
	// OnLine receives OKAY or FAIL for every dispatched line.
	OnLine func(code string)
}

func New(cmds *registry.Commands, mountPoint string, media []Medium, scratchCap int, stagingPath string) *Installer {
	return &Installer{
		Commands:    cmds,
		MountPoint:  mountPoint,
		Media:       media,
		Mounter:     SystemMounter{},
		ScratchCap:  scratchCap,
		StagingPath: stagingPath,
	}
}

// Run mounts the first medium carrying a non-empty script, replays it and
// unmounts. ErrNoMedium means nothing was found, which is not a failure
// for callers that run the installer opportunistically.
func (in *Installer) Run(ctx context.Context) error {
	for _, m := range in.Media {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		script, err := in.probe(m)
		if err != nil {
			log.Warn().Str("component", "installer").Str("device", m.Device).Err(err).Msg("installer medium skipped")
			continue
		}
		log.Info().Str("component", "installer").Str("device", m.Device).Msg("valid installer medium found")
		runErr := in.Replay(ctx, script)
		if err := in.Mounter.Unmount(in.MountPoint); err != nil {
			log.Warn().Str("component", "installer").Str("mount_point", in.MountPoint).Err(err).Msg("unmount failed")
		}
		return runErr
	}
	return ErrNoMedium
}

func (in *Installer) probe(m Medium) (string, error) {
	if strings.TrimSpace(m.Device) == "" {
		return "", errors.New("installer device ignored")
	}
	if err := os.MkdirAll(in.MountPoint, 0o700); err != nil {
		return "", err
	}
	if err := in.Mounter.Mount(m.Device, in.MountPoint, m.FSType); err != nil {
		return "", fmt.Errorf("mount %s as %s: %w", m.Device, m.FSType, err)
	}
	script := filepath.Join(in.MountPoint, ScriptName)
	info, err := os.Stat(script)
	if err == nil && info.Size() == 0 {
		err = ErrEmptyScript
	}
	if err != nil {
		in.Mounter.Unmount(in.MountPoint)
		return "", err
	}
	return script, nil
}

// Replay dispatches every line of the script at path. A failing line is
// logged and the script continues.
func (in *Installer) Replay(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("installer: open script: %w", err)
	}
	defer f.Close()

	if in.Busy != nil {
		in.Busy.Set(true)
		defer in.Busy.Set(false)
	}

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		code, reason := in.dispatch(line)
		logger := log.Info()
		if code != protocol.CodeOkay {
			logger = log.Warn()
		}
		logger.Str("component", "installer").Int("line", lineNo).Str("command", line).
			Str("code", string(code)).Str("reason", reason).Msg("installer command")
		if in.OnLine != nil {
			in.OnLine(string(code))
		}
	}
	return sc.Err()
}

func (in *Installer) dispatch(line string) (protocol.Code, string) {
	var image string
	if strings.HasPrefix(line, "flash:") {
		cmd, file, ok := strings.Cut(line, "#")
		if !ok {
			return protocol.CodeFail, ErrMissingImage.Error()
		}
		line, image = cmd, in.resolve(file)
	}

	handler, arg, ok := in.Commands.Match(line)
	if !ok {
		return protocol.CodeFail, "unknown command"
	}

	payload := protocol.InlinePayload(nil)
	if image != "" {
		p, cleanup, err := in.load(image)
		if err != nil {
			return protocol.CodeFail, err.Error()
		}
		defer cleanup()
		payload = p
	}

	x := &exchange{}
	handler(x, arg, payload)
	if x.code == "" {
		return protocol.CodeFail, ErrNoAcknowledge.Error()
	}
	return x.code, x.reason
}

func (in *Installer) resolve(file string) string {
	file = strings.TrimSpace(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(in.MountPoint, file)
}

// load reads an image that fits the scratch capacity into memory and
// copies larger ones to the staging path. The media file is never moved.
func (in *Installer) load(path string) (protocol.Payload, func(), error) {
	src, err := os.Open(path)
	if err != nil {
		return protocol.Payload{}, nil, err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return protocol.Payload{}, nil, err
	}

	if info.Size() <= int64(in.ScratchCap) {
		data, err := io.ReadAll(src)
		if err != nil {
			return protocol.Payload{}, nil, err
		}
		return protocol.InlinePayload(data), func() {}, nil
	}

	if in.StagingPath == "" {
		return protocol.Payload{}, nil, fmt.Errorf("image %s exceeds scratch and no staging path", path)
	}
	dst, err := os.OpenFile(in.StagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return protocol.Payload{}, nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(in.StagingPath)
		return protocol.Payload{}, nil, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(in.StagingPath)
		return protocol.Payload{}, nil, err
	}
	staged := in.StagingPath
	return protocol.StagedPayload(staged), func() { os.Remove(staged) }, nil
}

// exchange is the headless peer: the first OKAY or FAIL is the line's
// result, INFO lines go to the log.
type exchange struct {
	code   protocol.Code
	reason string
}

func (x *exchange) Okay(msg string) { x.ack(protocol.CodeOkay, msg) }
func (x *exchange) Fail(msg string) { x.ack(protocol.CodeFail, msg) }

func (x *exchange) Info(msg string) {
	log.Info().Str("component", "installer").Str("info", msg).Msg("installer info")
}

func (x *exchange) Receive(uint32) {
	x.ack(protocol.CodeFail, ErrNoDownload.Error())
}

func (x *exchange) ack(code protocol.Code, msg string) {
	if x.code != "" {
		return
	}
	x.code, x.reason = code, msg
}
