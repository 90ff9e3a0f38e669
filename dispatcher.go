package netframe

import (
	"reflect"
	"sync"
)

// ServerHandler handles a message received from connection connID.
type ServerHandler func(connID int, msg Message)

// ClientHandler handles a message received from the server.
type ClientHandler func(msg Message)

// Subscription identifies one registered handler. Pass it to Unsubscribe to
// remove exactly that handler.
type Subscription struct {
	name string
	id   uint64
}

// Name returns the message name the handler was registered for.
func (s Subscription) Name() string {
	return s.name
}

type handlerEntry[H any] struct {
	id uint64
	fn H
}

// dispatcher keeps an ordered handler list per message name. Lists are
// replaced, never mutated, so a snapshot taken before dispatch stays valid
// while handlers subscribe or unsubscribe.
type dispatcher[H any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry[H]
}

func (d *dispatcher[H]) subscribe(name string, h H) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handlers == nil {
		d.handlers = make(map[string][]handlerEntry[H])
	}

	d.nextID++
	old := d.handlers[name]
	list := make([]handlerEntry[H], len(old), len(old)+1)
	copy(list, old)
	d.handlers[name] = append(list, handlerEntry[H]{id: d.nextID, fn: h})

	return Subscription{name: name, id: d.nextID}
}

func (d *dispatcher[H]) unsubscribe(s Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.handlers[s.name]
	for i, e := range old {
		if e.id != s.id {
			continue
		}
		if len(old) == 1 {
			delete(d.handlers, s.name)
			return true
		}
		list := make([]handlerEntry[H], 0, len(old)-1)
		list = append(list, old[:i]...)
		d.handlers[s.name] = append(list, old[i+1:]...)
		return true
	}
	return false
}

func (d *dispatcher[H]) snapshot(name string) []handlerEntry[H] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[name]
}

// ServerHandle subscribes a handler typed to T on s. T's name is taken from
// a zero value, so Name must not depend on field values.
func ServerHandle[T Message](s *Server, h func(connID int, msg T)) Subscription {
	return s.Subscribe(messageName[T](), func(connID int, msg Message) {
		if m, ok := msg.(T); ok {
			h(connID, m)
		}
	})
}

// ClientHandle subscribes a handler typed to T on c.
func ClientHandle[T Message](c *Client, h func(msg T)) Subscription {
	return c.Subscribe(messageName[T](), func(msg Message) {
		if m, ok := msg.(T); ok {
			h(m)
		}
	})
}

// messageName returns the wire name of T. Pointer types are instantiated so
// value receivers work.
func messageName[T Message]() string {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(Message).Name()
	}
	return zero.Name()
}
