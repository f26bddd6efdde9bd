package session

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/danmuck/flashd/internal/protocol"
	"github.com/danmuck/flashd/internal/protocol/frame"
	"github.com/danmuck/flashd/internal/registry"
	"github.com/rs/zerolog/log"
)

// State is the session state.
type State uint8

const (
	StateOffline State = iota
	StateCommand
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateCommand:
		return "command"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	reasonUnknownCommand = "unknown command"
	reasonUnknownReason  = "unknown reason"
	reasonStagingCreate  = "unable to create download file"
)

// Session serves one connection. It implements protocol.Exchange for the
// handler currently running.
type Session struct {
	rw      io.ReadWriter
	cmds    *registry.Commands
	scratch *Scratch
	cfg     Config

	state State
	err   error
	last  protocol.Code
}

func New(rw io.ReadWriter, cmds *registry.Commands, scratch *Scratch, cfg Config) *Session {
	return &Session{
		rw:      rw,
		cmds:    cmds,
		scratch: scratch,
		cfg:     cfg,
		state:   StateOffline,
	}
}

func (s *Session) State() State {
	return s.state
}

// Run reads and dispatches commands until the transport fails. It always
// returns a non-nil error describing why the session ended.
func (s *Session) Run() error {
	for s.state != StateError {
		raw, err := frame.ReadCommand(s.rw)
		if err != nil {
			s.fault(err)
			break
		}
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		line := string(raw)
		log.Debug().Str("component", "session").Str("command", line).Msg("command received")

		handler, arg, ok := s.cmds.Match(line)
		if !ok {
			log.Warn().Str("component", "session").Str("command", line).Msg("unknown command")
			s.state = StateCommand
			s.Fail(reasonUnknownCommand)
			s.observe("unknown")
			continue
		}

		s.state = StateCommand
		s.last = ""
		s.setBusy(true)
		handler(s, arg, s.scratch.Payload(s.cfg.StagingPath))
		s.setBusy(false)
		if s.state == StateCommand {
			s.Fail(reasonUnknownReason)
		}
		s.observe(verbOf(line, arg))
	}
	log.Info().Str("component", "session").Err(s.err).Msg("session closed")
	return s.err
}

func (s *Session) Okay(info string) {
	s.ack(protocol.CodeOkay, info)
}

func (s *Session) Fail(reason string) {
	s.ack(protocol.CodeFail, reason)
}

func (s *Session) Info(msg string) {
	if s.state != StateCommand {
		return
	}
	s.write(protocol.EncodeResponse(protocol.CodeInfo, msg))
}

// Receive runs the data phase of download:. Payloads larger than the
// scratch buffer are streamed to the staging file and the buffer is left
// holding the staging path.
func (s *Session) Receive(size uint32) {
	if s.state != StateCommand {
		return
	}
	s.scratch.reset()

	var (
		sink   io.Writer
		staged *os.File
	)
	if int64(size) > int64(s.scratch.Cap()) {
		f, err := s.openStaging()
		if err != nil {
			log.Error().Str("component", "session").Str("path", s.cfg.StagingPath).Err(err).Msg("staging open failed")
			s.Fail(reasonStagingCreate)
			return
		}
		staged = f
		sink = f
	} else {
		sink = frame.NewFixedWriter(s.scratch.buf[:size])
	}

	s.write(protocol.EncodeData(size))
	if s.state == StateError {
		s.discardStaging(staged)
		return
	}

	n, err := frame.ReadPayload(s.rw, sink, size, s.cfg.Limits)
	if err != nil {
		log.Error().Str("component", "session").Int64("received", n).Uint32("expected", size).Err(err).Msg("download failed")
		s.discardStaging(staged)
		s.fault(err)
		return
	}

	if staged != nil {
		if err := staged.Close(); err != nil {
			_ = os.Remove(s.cfg.StagingPath)
			s.fault(err)
			return
		}
		s.scratch.setStaged(s.cfg.StagingPath)
	} else {
		s.scratch.size = int(size)
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.Download(n, staged != nil)
	}
	log.Debug().Str("component", "session").Int64("bytes", n).Bool("staged", staged != nil).Msg("download complete")
	s.Okay("")
}

func (s *Session) openStaging() (*os.File, error) {
	path := s.cfg.StagingPath
	if path == "" {
		return nil, errors.New("no staging path configured")
	}
	if len(path) > s.scratch.Cap() {
		return nil, ErrScratchCapacity
	}
	if s.cfg.PrepareStaging != nil {
		if err := s.cfg.PrepareStaging(path); err != nil {
			log.Warn().Str("component", "session").Str("path", path).Err(err).Msg("staging prepare failed")
		}
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (s *Session) discardStaging(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
	_ = os.Remove(s.cfg.StagingPath)
}

func (s *Session) ack(code protocol.Code, msg string) {
	if s.state != StateCommand {
		return
	}
	s.state = StateComplete
	s.last = code
	s.write(protocol.EncodeResponse(code, msg))
}

func (s *Session) write(b []byte) {
	if s.state == StateError {
		return
	}
	if _, err := s.rw.Write(b); err != nil {
		s.fault(err)
	}
}

func (s *Session) fault(err error) {
	s.state = StateError
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) setBusy(busy bool) {
	if s.cfg.Busy != nil {
		s.cfg.Busy.Set(busy)
	}
}

func (s *Session) observe(verb string) {
	if s.cfg.Observer == nil {
		return
	}
	code := string(s.last)
	if s.state == StateError {
		code = "ERROR"
	}
	s.cfg.Observer.Command(verb, code)
}

// verbOf recovers the matched prefix for metrics labels.
func verbOf(line, arg string) string {
	verb := strings.TrimSuffix(line[:len(line)-len(arg)], ":")
	if verb == "" {
		return "unknown"
	}
	return verb
}
