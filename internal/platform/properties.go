package platform

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Property keys the daemon sets.
const (
	PropUSBConfig    = "sys.usb.config"
	PropPartitioning = "sys.partitioning"
)

var ErrInvalidProperty = errors.New("platform: invalid property")

// Properties publishes key/value system properties.
type Properties interface {
	Set(key, value string) error
}

// FileProperties stores each property as a file named after its key under
// Dir. An empty Dir disables publishing.
type FileProperties struct {
	Dir string
}

func (p FileProperties) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, "/\x00") {
		return ErrInvalidProperty
	}
	if p.Dir == "" {
		log.Debug().Str("component", "platform").Str("key", key).Str("value", value).Msg("property publishing disabled")
		return nil
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(p.Dir, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get reads a property previously stored by Set.
func (p FileProperties) Get(key string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(p.Dir, key))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
