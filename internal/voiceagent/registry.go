package voiceagent

import (
	"fmt"
	"sync"
	"time"

	"github.com/m-check1B/telephony-core/pkg/logger"
)

// Handler consumes one dispatched event
type Handler func(Event)

// FunctionHandler executes a named function call and returns its result
type FunctionHandler func(callID string, arguments []byte) (interface{}, error)

// Registry is a typed publish/subscribe layer over one realtime
// connection's inbound messages. Handlers for a type run concurrently
// and are isolated from each other: a panicking handler is logged, never
// propagated.
type Registry struct {
	logger *logger.Logger

	mu        sync.RWMutex
	handlers  map[EventType][]Handler
	functions map[string]FunctionHandler
	context   *ConversationContext
}

// NewRegistry creates an event dispatch registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		logger:    log.Named("voice-agent"),
		handlers:  make(map[EventType][]Handler),
		functions: make(map[string]FunctionHandler),
	}
}

// On registers a handler for the given event type
func (r *Registry) On(eventType EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// OnFunction registers the handler invoked for function_call events
// naming the given function
func (r *Registry) OnFunction(name string, handler FunctionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = handler
}

// SetContext attaches a caller-owned conversation accumulator that
// dispatched events are folded into
func (r *Registry) SetContext(ctx *ConversationContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.context = ctx
}

// Dispatch parses one raw provider message and delivers the resulting
// event. Unknown types are logged and dropped. Dispatch never returns a
// handler's error; handler failures are isolated and logged.
func (r *Registry) Dispatch(raw []byte) {
	event, ok, err := parseEvent(raw)
	if err != nil {
		r.logger.Warn("Dropping unparseable realtime message", logger.Error(err))
		return
	}
	if !ok {
		r.logger.Warn("Dropping realtime message with unknown type",
			logger.String("type", string(event.Type)))
		return
	}

	r.deliver(event)

	if event.Type == EventFunctionCall {
		r.dispatchFunctionCall(event)
	}
}

// deliver folds the event into the conversation context and fans it out
// to every handler registered for its type
func (r *Registry) deliver(event Event) {
	r.mu.RLock()
	handlers := make([]Handler, len(r.handlers[event.Type]))
	copy(handlers, r.handlers[event.Type])
	ctx := r.context
	r.mu.RUnlock()

	if ctx != nil {
		ctx.fold(event)
	}

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Event handler panicked",
						logger.String("event_type", string(event.Type)),
						logger.Any("panic", rec))
				}
			}()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// dispatchFunctionCall resolves the named function handler and emits a
// synthetic function_result or function_error event. The call is never
// left unresolved once a handler exists.
func (r *Registry) dispatchFunctionCall(event Event) {
	r.mu.RLock()
	fn, ok := r.functions[event.FunctionName]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("No handler registered for function call",
			logger.String("function_name", event.FunctionName),
			logger.String("call_id", event.CallID))
		return
	}

	result, err := r.invokeFunction(fn, event)
	if err != nil {
		r.deliver(Event{
			Type:         EventFunctionError,
			Timestamp:    time.Now().UnixMilli(),
			CallID:       event.CallID,
			FunctionName: event.FunctionName,
			Message:      err.Error(),
		})
		return
	}

	r.deliver(Event{
		Type:         EventFunctionResult,
		Timestamp:    time.Now().UnixMilli(),
		CallID:       event.CallID,
		FunctionName: event.FunctionName,
		Result:       result,
	})
}

// invokeFunction runs the handler with panic isolation
func (r *Registry) invokeFunction(fn FunctionHandler, event Event) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Function handler panicked",
				logger.String("function_name", event.FunctionName),
				logger.Any("panic", rec))
			err = fmt.Errorf("function handler panicked: %v", rec)
		}
	}()
	return fn(event.CallID, event.Arguments)
}
