package session

import "github.com/danmuck/flashd/internal/protocol/frame"

// BusyFlag receives the advisory "flashing in progress" signal.
type BusyFlag interface {
	Set(busy bool)
}

// Observer is notified of per-command outcomes. Implementations must not
// block.
type Observer interface {
	Command(verb string, code string)
	Download(bytes int64, staged bool)
}

// Config defines per-session behavior shared by every accepted connection.
type Config struct {
	// StagingPath receives downloads larger than the scratch buffer.
	StagingPath string
	// PrepareStaging runs before the staging file is opened, typically to
	// mount the volume holding it. Failures are logged only.
	PrepareStaging func(path string) error
	Limits         frame.Limits
	Busy           BusyFlag
	Observer       Observer
}

func DefaultConfig() Config {
	return Config{
		StagingPath: "/cache/fastboot.download",
		Limits:      frame.DefaultLimits(),
	}
}
