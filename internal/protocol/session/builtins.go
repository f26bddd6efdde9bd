package session

import (
	"github.com/danmuck/flashd/internal/protocol"
	"github.com/danmuck/flashd/internal/registry"
	"github.com/rs/zerolog/log"
)

// RegisterBuiltins installs getvar: and download:.
func RegisterBuiltins(cmds *registry.Commands, vars *registry.Variables) error {
	if err := cmds.Register("getvar:", func(x protocol.Exchange, arg string, _ protocol.Payload) {
		// Unknown variables answer OKAY with an empty value.
		value, _ := vars.Lookup(arg)
		x.Okay(value)
	}); err != nil {
		return err
	}
	return cmds.Register("download:", func(x protocol.Exchange, arg string, _ protocol.Payload) {
		size, err := protocol.ParseDownloadSize(arg)
		if err != nil {
			log.Warn().Str("component", "session").Str("arg", arg).Err(err).Msg("bad download size")
			x.Fail("invalid download size")
			return
		}
		x.Receive(size)
	})
}
