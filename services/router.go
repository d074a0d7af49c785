package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// Router routes incoming DIMSE requests to a handler per command.
//
// Commands without a handler are answered with status 0x0211
// (unrecognized operation) rather than aborting the association.
//
//	router := services.NewRouter(logger)
//	router.Handle(types.CommandEcho, services.NewEchoService())
//	router.Handle(types.CommandStore, storeService)
type Router struct {
	handlers map[types.Command]interfaces.ServiceHandler
	logger   *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[types.Command]interfaces.ServiceHandler),
		logger:   logger,
	}
}

// Handle registers handler for cmd, replacing any previous one.
func (r *Router) Handle(cmd types.Command, handler interfaces.ServiceHandler) {
	r.handlers[cmd] = handler
}

// HandleDIMSE implements interfaces.ServiceHandler.
func (r *Router) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	cmd := types.CommandOf(msg.CommandField)
	r.logger.DebugContext(ctx, "Routing DIMSE message",
		"command", cmd.String(),
		"message_id", msg.MessageID)

	handler, ok := r.handlers[cmd]
	if !ok {
		r.logger.WarnContext(ctx, "No handler registered for DIMSE command",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField))
		return CreateErrorResponse(msg, types.StatusUnrecognizedOperation), nil, nil
	}

	return handler.HandleDIMSE(ctx, msg, data, meta)
}

// HasHandler returns true if a handler is registered for cmd.
func (r *Router) HasHandler(cmd types.Command) bool {
	_, ok := r.handlers[cmd]
	return ok
}

// RegisteredCommands lists the commands with handlers in ascending order.
func (r *Router) RegisteredCommands() []types.Command {
	commands := make([]types.Command, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i] < commands[j] })
	return commands
}

// CreateErrorResponse creates a DIMSE response for req carrying status and no dataset.
func CreateErrorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		CommandDataSetType:        types.DataSetAbsent,
		Status:                    status,
	}
}
