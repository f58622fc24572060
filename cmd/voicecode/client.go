package main

import (
	"fmt"
	"os"

	"github.com/voicecode/voicecode/internal/config"
	"github.com/voicecode/voicecode/internal/dispatch"
	"github.com/voicecode/voicecode/internal/history"
	"github.com/voicecode/voicecode/internal/logger"
	"github.com/voicecode/voicecode/internal/store"
	"github.com/voicecode/voicecode/internal/transport"
)

// client bundles the wired-up pieces a command needs.
type client struct {
	cfg        *config.Config
	log        *logger.Logger
	dispatcher *dispatch.Dispatcher
	archive    *history.Archive
}

// newClient loads configuration and wires logger, transport, store,
// dispatcher and (optionally) the history archive together.
func newClient(configPath string) (*client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var log *logger.Logger
	level := logger.ParseLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		log, err = logger.New(level, cfg.Log.File, "")
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
	} else {
		log = logger.NewWithWriter(level, os.Stderr, "")
	}

	st := store.New()
	tr := transport.New(log)
	d := dispatch.New(cfg.DispatchOptions(), tr, st, log)

	c := &client{cfg: cfg, log: log, dispatcher: d}

	if cfg.History.Enabled {
		archive, err := history.Open(cfg.History.Path, log)
		if err != nil {
			log.Warn("history archive unavailable, continuing without it: %v", err)
		} else {
			archive.Attach(st)
			c.archive = archive
		}
	}

	return c, nil
}

// close releases the client's resources in reverse wiring order.
func (c *client) close() {
	c.dispatcher.Disconnect()
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			c.log.Warn("close history archive: %v", err)
		}
	}
	c.log.Close()
}
