package commands

import (
	"sort"

	"github.com/danmuck/flashd/internal/registry"
)

const (
	ProtocolVersion = "0.5"
	KernelName      = "droidboot"
	LoaderVersion   = "03.02"
)

// PublishVariables publishes the standard getvar values followed by
// extra, in name order.
func PublishVariables(vars *registry.Variables, product string, extra map[string]string) error {
	base := [][2]string{
		{"version", ProtocolVersion},
		{"product", product},
		{"kernel", KernelName},
		{"droidboot", LoaderVersion},
	}
	for _, kv := range base {
		if err := vars.Publish(kv[0], kv[1]); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := vars.Publish(name, extra[name]); err != nil {
			return err
		}
	}
	return nil
}
