// Package messaging is the typed message boundary between the core, the UI
// and the pages it automates. Every message carries a type tag and an
// optional JSON payload.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"labelrunner/internal/logging"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrUnknownType is returned for messages without a registered handler.
var ErrUnknownType = errors.New("unknown message type")

var validate = validator.New()

// Message is one envelope on the boundary.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Tab is the sending tab for page messages; empty for the UI.
	Tab string `json:"-"`
}

// New builds a Message, encoding payload when it is not nil.
func New(typ string, payload any) (Message, error) {
	msg := Message{Type: typ}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals and validates the payload of msg.
func Decode[T any](msg Message) (T, error) {
	var v T
	if len(msg.Payload) == 0 {
		return v, fmt.Errorf("%s: missing payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("%s: decode payload: %w", msg.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return v, fmt.Errorf("%s: invalid payload: %w", msg.Type, err)
	}
	return v, nil
}

// Response is the reply to a request.
type Response struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Handler answers one message type.
type Handler func(ctx context.Context, msg Message) (any, error)

// Router dispatches messages to handlers by type.
type Router struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
}

// NewRouter creates an empty router.
func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = logging.Get(logging.CategoryMessaging)
	}
	return &Router{log: log, handlers: make(map[string]Handler)}
}

// Handle registers h for typ, replacing any previous handler.
func (r *Router) Handle(typ string, h Handler) {
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

// Types returns the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Send dispatches msg and waits for the handler's answer.
func (r *Router) Send(ctx context.Context, msg Message) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	r.log.Debug("message", zap.String("type", msg.Type), zap.String("tab", msg.Tab))
	return h(ctx, msg)
}

// Reply dispatches msg and folds the outcome into a Response.
func (r *Router) Reply(ctx context.Context, msg Message) Response {
	res, err := r.Send(ctx, msg)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Result: res}
}

// Post dispatches msg without waiting. Errors are logged.
func (r *Router) Post(ctx context.Context, msg Message) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Send(ctx, msg); err != nil {
			r.log.Warn("posted message failed", zap.String("type", msg.Type), zap.Error(err))
		}
	}()
}

// Wait blocks until every posted message has been handled.
func (r *Router) Wait() {
	r.wg.Wait()
}
