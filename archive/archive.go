// Package archive assembles the storage SCP that receives relayed requests.
package archive

import (
	"log/slog"

	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/server"
	"github.com/caio-sobreiro/dicomrelay/services"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// NewRouter routes C-ECHO to the echo service and C-STORE into store.
// publisher may be nil, in which case stored instances are not announced.
func NewRouter(store interfaces.ObjectStore, publisher interfaces.EventPublisher, logger *slog.Logger) *services.Router {
	if logger == nil {
		logger = slog.Default()
	}
	router := services.NewRouter(logger)
	router.Handle(types.CommandEcho, services.NewEchoService())
	router.Handle(types.CommandStore, services.NewStoreService(store, publisher, logger))
	return router
}

// NewServer returns an SCP serving the archive router under aeTitle.
func NewServer(aeTitle string, store interfaces.ObjectStore, publisher interfaces.EventPublisher, logger *slog.Logger, opts ...server.Option) *server.Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]server.Option{server.WithLogger(logger)}, opts...)
	return server.New(aeTitle, NewRouter(store, publisher, logger), opts...)
}
