// Package registry holds the command, variable and exact-key tables the
// session dispatches through. Registries are plain values built at
// startup; nothing here is global.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/flashd/internal/protocol"
)

var (
	ErrCommandExists  = errors.New("registry: command prefix already registered")
	ErrVariableExists = errors.New("registry: variable already published")
	ErrKeyExists      = errors.New("registry: key already registered")
	ErrEmptyKey       = errors.New("registry: empty key")
	ErrNilHandler     = errors.New("registry: nil handler")
)

type command struct {
	prefix  string
	handler protocol.Handler
}

// Commands dispatches command lines by literal prefix. The most recently
// registered command is tried first.
type Commands struct {
	list []command
}

func NewCommands() *Commands {
	return &Commands{}
}

// Register adds a prefix. Duplicate prefixes are rejected.
func (c *Commands) Register(prefix string, handler protocol.Handler) error {
	if prefix == "" {
		return ErrEmptyKey
	}
	if handler == nil {
		return ErrNilHandler
	}
	for _, cmd := range c.list {
		if cmd.prefix == prefix {
			return fmt.Errorf("%w: %q", ErrCommandExists, prefix)
		}
	}
	c.list = append([]command{{prefix: prefix, handler: handler}}, c.list...)
	return nil
}

// Match returns the handler of the first registered prefix line starts
// with, and the rest of the line as its argument.
func (c *Commands) Match(line string) (protocol.Handler, string, bool) {
	for _, cmd := range c.list {
		if strings.HasPrefix(line, cmd.prefix) {
			return cmd.handler, line[len(cmd.prefix):], true
		}
	}
	return nil, "", false
}

// Prefixes lists registered prefixes in match order.
func (c *Commands) Prefixes() []string {
	out := make([]string, 0, len(c.list))
	for _, cmd := range c.list {
		out = append(out, cmd.prefix)
	}
	return out
}

// Variables is the getvar table.
type Variables struct {
	items map[string]string
}

func NewVariables() *Variables {
	return &Variables{items: make(map[string]string)}
}

func (v *Variables) Publish(name, value string) error {
	if name == "" {
		return ErrEmptyKey
	}
	if _, ok := v.items[name]; ok {
		return fmt.Errorf("%w: %q", ErrVariableExists, name)
	}
	v.items[name] = value
	return nil
}

func (v *Variables) Lookup(name string) (string, bool) {
	value, ok := v.items[name]
	return value, ok
}

// Names returns published names sorted.
func (v *Variables) Names() []string {
	names := make([]string, 0, len(v.items))
	for name := range v.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table is an exact-key registry. It backs the flash target writers and
// the OEM verbs.
type Table[V any] struct {
	items map[string]V
}

func NewTable[V any]() *Table[V] {
	return &Table[V]{items: make(map[string]V)}
}

func (t *Table[V]) Register(key string, value V) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, ok := t.items[key]; ok {
		return fmt.Errorf("%w: %q", ErrKeyExists, key)
	}
	t.items[key] = value
	return nil
}

func (t *Table[V]) Lookup(key string) (V, bool) {
	value, ok := t.items[key]
	return value, ok
}

// Keys returns deterministic key ordering.
func (t *Table[V]) Keys() []string {
	keys := make([]string, 0, len(t.items))
	for key := range t.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (t *Table[V]) Len() int {
	return len(t.items)
}
