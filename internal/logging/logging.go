// Package logging wires github.com/ethereum/go-ethereum/log into a
// process-wide root logger for this core (spec.md §6), the way the
// teacher's own cmd/geth wires its verbosity and vmodule flags through
// a log.GlogHandler before anything else starts.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
)

// Config selects the root logger's verbosity and optional per-file
// override pattern (log.GlogHandler's vmodule syntax, e.g.
// "fetcher=5,reorg=4").
type Config struct {
	// Level is one of the log package's own level constants
	// (log.LevelCrit .. log.LevelTrace).
	Level   slog.Level
	Vmodule string
	JSON    bool
}

// Init installs the process-wide default logger and returns the
// underlying GlogHandler so callers can adjust verbosity at runtime,
// matching the teacher's own glog.Verbosity/glog.Vmodule calls wired
// through cmd/geth's verbosity and vmodule flags.
func Init(cfg Config) (*log.GlogHandler, error) {
	var base slog.Handler
	if cfg.JSON {
		base = log.JSONHandler(os.Stderr)
	} else {
		base = log.NewTerminalHandlerWithLevel(os.Stderr, cfg.Level, true)
	}

	glog := log.NewGlogHandler(base)
	glog.Verbosity(cfg.Level)
	if cfg.Vmodule != "" {
		if err := glog.Vmodule(cfg.Vmodule); err != nil {
			return nil, fmt.Errorf("logging: vmodule %q: %w", cfg.Vmodule, err)
		}
	}

	log.SetDefault(log.NewLogger(glog))
	return glog, nil
}
