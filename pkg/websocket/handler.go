package websocket

import "context"

// Handler processes one envelope and optionally returns a reply.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes envelopes to handlers by message type.
type Dispatcher struct {
	handlers map[MessageType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[MessageType]Handler),
	}
}

// Register registers a handler for a message type.
func (d *Dispatcher) Register(msgType MessageType, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a message type.
func (d *Dispatcher) RegisterFunc(msgType MessageType, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes an envelope to its handler; unknown types get an error
// envelope back.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return NewError(ErrorCodeUnknownType, "unknown message type: "+string(msg.Type))
	}
	return handler.Handle(ctx, msg)
}

// HasHandler reports whether a handler is registered for the type.
func (d *Dispatcher) HasHandler(msgType MessageType) bool {
	_, ok := d.handlers[msgType]
	return ok
}
