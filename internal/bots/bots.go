// Package bots is the catalog of bots compiled into the daemon.
package bots

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/basket/turfbot/internal/bot"
	"github.com/basket/turfbot/internal/bots/dummy"
)

// Default is the catalog name used when none is configured.
const Default = "dummy"

// Constructor builds a bot.
type Constructor func(logger *slog.Logger) (*bot.Bot, error)

var catalog = map[string]Constructor{
	"dummy": dummy.New,
}

// Lookup builds the bot registered under name.
func Lookup(name string, logger *slog.Logger) (*bot.Bot, error) {
	if name == "" {
		name = Default
	}
	ctor, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("unknown bot %q (available: %v)", name, Names())
	}
	return ctor(logger)
}

// Names lists the catalog in sorted order.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for name := range catalog {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
