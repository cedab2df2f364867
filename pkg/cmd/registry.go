// Package cmd provides common initialization for the command-line entrypoints.
package cmd

import (
	"log/slog"
	"net/http"

	"github.com/colloquy/colloquy/pkg/handlers/httprequest"
	"github.com/colloquy/colloquy/pkg/handlers/logmsg"
	"github.com/colloquy/colloquy/pkg/handlers/reply"
	"github.com/colloquy/colloquy/pkg/handlers/setvar"
	"github.com/colloquy/colloquy/pkg/protocol"
	"github.com/colloquy/colloquy/pkg/registry"
)

// NewRegistry builds a handler registry with the built-in handler set
// installed.
func NewRegistry(logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	factories := []protocol.HandlerFactory{
		reply.NewFactory(),
		setvar.NewFactory(),
		httprequest.NewFactory(http.DefaultClient),
		logmsg.NewFactory(logger),
	}

	for _, factory := range factories {
		if err := reg.RegisterFactory(factory); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
