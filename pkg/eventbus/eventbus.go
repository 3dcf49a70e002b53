// Package eventbus implements a minimal reflection-based typed
// publish/subscribe bus used to decouple call-session/job components from
// their observers (the operator dashboard, audit logging, metrics).
package eventbus

import (
	"context"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventBus publishes values to handlers registered for their concrete
// type. Handlers are plain functions of the form func(*T) or
// func(context.Context, *T); Subscribe inspects the function's signature
// via reflection rather than requiring an interface.
type EventBus interface {
	Subscribe(handler interface{})
	Unsubscribe(handler interface{})
	Publish(event interface{})
}

type subscription struct {
	fn       reflect.Value
	argType  reflect.Type
	hasCtx   bool
	original interface{}
}

// EventPublisher is the default EventBus implementation.
type EventPublisher struct {
	mu     sync.RWMutex
	subs   map[reflect.Type][]subscription
	logger *logrus.Logger
}

// NewEventPublisher constructs an EventPublisher that logs a warning
// whenever Publish finds no matching subscriber for an event's type.
func NewEventPublisher(logger *logrus.Logger) *EventPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventPublisher{
		subs:   make(map[reflect.Type][]subscription),
		logger: logger,
	}
}

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

// MatchSignature reports whether handlerFunc is callable with args,
// accounting for an optional leading context.Context parameter.
func MatchSignature(handlerFunc interface{}, args []interface{}) bool {
	fv := reflect.ValueOf(handlerFunc)
	if fv.Kind() != reflect.Func {
		return false
	}
	ft := fv.Type()
	if ft.NumIn() != len(args) {
		return false
	}
	for i, arg := range args {
		in := ft.In(i)
		if arg == nil {
			continue
		}
		if !reflect.TypeOf(arg).AssignableTo(in) {
			return false
		}
	}
	return true
}

// Subscribe registers handler for the event type of its single
// non-context argument. Panics if handler is not a func with exactly one
// (optionally two, with a leading context.Context) argument.
func (p *EventPublisher) Subscribe(handler interface{}) {
	fv := reflect.ValueOf(handler)
	if fv.Kind() != reflect.Func {
		panic("eventbus.Subscribe: handler must be a function")
	}
	ft := fv.Type()

	var argType reflect.Type
	hasCtx := false
	switch ft.NumIn() {
	case 1:
		argType = ft.In(0)
	case 2:
		if !ft.In(0).Implements(contextType) {
			panic("eventbus.Subscribe: two-argument handler must take context.Context first")
		}
		hasCtx = true
		argType = ft.In(1)
	default:
		panic("eventbus.Subscribe: handler must take 1 or 2 arguments")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[argType] = append(p.subs[argType], subscription{
		fn:       fv,
		argType:  argType,
		hasCtx:   hasCtx,
		original: handler,
	})
}

// Unsubscribe removes a previously registered handler.
func (p *EventPublisher) Unsubscribe(handler interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := reflect.ValueOf(handler).Pointer()
	for t, subs := range p.subs {
		filtered := subs[:0]
		for _, s := range subs {
			if reflect.ValueOf(s.original).Pointer() != target {
				filtered = append(filtered, s)
			}
		}
		p.subs[t] = filtered
	}
}

// Publish dispatches event to every handler subscribed to its concrete
// type. If no subscriber matches, a warning is logged (grounded on the
// "eventbus.Publish: no matching subscribers" documented behavior).
func (p *EventPublisher) Publish(event interface{}) {
	t := reflect.TypeOf(event)

	p.mu.RLock()
	subs := append([]subscription(nil), p.subs[t]...)
	p.mu.RUnlock()

	if len(subs) == 0 {
		p.logger.WithField("event_type", t.String()).Warn("eventbus.Publish: no matching subscribers")
		return
	}

	v := reflect.ValueOf(event)
	for _, s := range subs {
		if s.hasCtx {
			s.fn.Call([]reflect.Value{reflect.ValueOf(context.Background()), v})
		} else {
			s.fn.Call([]reflect.Value{v})
		}
	}
}
