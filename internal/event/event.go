package event

import "reflect"

// AnyID is the raise id that reaches every subscription regardless of its
// sub-id.
const AnyID = 0

// Handler receives the sender of an event and the event arguments.
type Handler[S, A any] func(sender S, args A)

type subscription[S, A any] struct {
	receiver any
	code     uintptr
	id       int
	handler  Handler[S, A]
	removed  bool
}

// Event is a synchronous multicast register owned by a single sender.
//
// Subscriptions are keyed by (receiver, handler, id). The handler part of the
// key is the handler's code pointer, so two method values of the same method
// only differ through their receiver. Receivers are compared with ==; maps,
// slices and funcs compare by identity, other incomparable receivers never
// match, so pointers are the usual choice. Event is not safe for concurrent use;
// it belongs to whatever goroutine owns the sender.
type Event[S, A any] struct {
	sender S
	subs   []*subscription[S, A]
}

// New creates an Event raised on behalf of sender.
func New[S, A any](sender S) *Event[S, A] {
	return &Event[S, A]{sender: sender}
}

// Sender returns the owner passed to New.
func (e *Event[S, A]) Sender() S {
	return e.sender
}

func handlerCode[S, A any](h Handler[S, A]) uintptr {
	return reflect.ValueOf(h).Pointer()
}

func sameReceiver(a, b any) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta == nil || ta.Comparable() {
		return a == b
	}
	switch ta.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return false
}

func (e *Event[S, A]) find(receiver any, code uintptr, id int) int {
	for i, s := range e.subs {
		if sameReceiver(s.receiver, receiver) && s.code == code && s.id == id {
			return i
		}
	}
	return -1
}

// Register subscribes handler for raises matching id. Registering the same
// triple twice has no effect.
func (e *Event[S, A]) Register(receiver any, handler Handler[S, A], id int) {
	code := handlerCode(handler)
	if e.find(receiver, code, id) >= 0 {
		return
	}
	e.subs = append(e.subs, &subscription[S, A]{
		receiver: receiver,
		code:     code,
		id:       id,
		handler:  handler,
	})
}

// Unregister removes the subscription for the triple, if present.
func (e *Event[S, A]) Unregister(receiver any, handler Handler[S, A], id int) {
	i := e.find(receiver, handlerCode(handler), id)
	if i < 0 {
		return
	}
	e.subs[i].removed = true
	e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
}

// UnregisterReceiver removes every subscription owned by receiver.
func (e *Event[S, A]) UnregisterReceiver(receiver any) {
	kept := e.subs[:0:0]
	for _, s := range e.subs {
		if sameReceiver(s.receiver, receiver) {
			s.removed = true
			continue
		}
		kept = append(kept, s)
	}
	e.subs = kept
}

// Len returns the number of live subscriptions.
func (e *Event[S, A]) Len() int {
	return len(e.subs)
}

// Raise delivers args to every subscription registered with id, in
// subscription order. Raising AnyID reaches all subscriptions.
//
// Handlers may register or unregister subscriptions on the same Event while it
// is being raised: subscriptions added during the raise are not called until
// the next one, and subscriptions removed before their turn are skipped.
func (e *Event[S, A]) Raise(id int, args A) {
	if len(e.subs) == 0 {
		return
	}
	snapshot := make([]*subscription[S, A], len(e.subs))
	copy(snapshot, e.subs)
	for _, s := range snapshot {
		if s.removed {
			continue
		}
		if id != AnyID && s.id != id {
			continue
		}
		s.handler(e.sender, args)
	}
}

// Destroy drops all subscriptions. A destroyed Event may be reused.
func (e *Event[S, A]) Destroy() {
	for _, s := range e.subs {
		s.removed = true
	}
	e.subs = nil
}
