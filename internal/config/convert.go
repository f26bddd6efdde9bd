package config

import (
	"fmt"

	"github.com/danmuck/flashd/internal/flash"
	"github.com/danmuck/flashd/internal/transport"
)

// Codecs resolves the decompress table into flash codecs.
func (c Config) Codecs() (map[string]flash.Codec, error) {
	out := make(map[string]flash.Codec, len(c.Decompress))
	for target, raw := range c.Decompress {
		codec, err := flash.ParseCodec(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress.%s: %v", ErrInvalid, target, err)
		}
		out[target] = codec
	}
	return out, nil
}

func (c Config) Transport() transport.Config {
	backoff := transport.DefaultBackoff()
	backoff.InitialDelay = c.RetryInitial
	backoff.MaxDelay = c.RetryMax
	return transport.Config{
		DevicePath: c.DevicePath,
		TCPPort:    c.TCPPort,
		TCPBacklog: c.TCPBacklog,
		Backoff:    backoff,
	}
}

func (c Config) ScratchBytes() int {
	return c.ScratchMB << 20
}
