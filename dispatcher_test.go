package netframe

import (
	"reflect"
	"testing"
)

func (d *dispatcher[H]) count(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

func TestDispatcher_Order(t *testing.T) {
	var d dispatcher[ClientHandler]
	var calls []int

	d.subscribe("Chat", func(Message) { calls = append(calls, 1) })
	d.subscribe("Chat", func(Message) { calls = append(calls, 2) })
	d.subscribe("Ping", func(Message) { calls = append(calls, 3) })

	for _, h := range d.snapshot("Chat") {
		h.fn(nil)
	}

	if !reflect.DeepEqual(calls, []int{1, 2}) {
		t.Errorf("calls = %v, want [1 2]", calls)
	}
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	var d dispatcher[ClientHandler]

	a := d.subscribe("Chat", func(Message) {})
	b := d.subscribe("Chat", func(Message) {})

	if a.Name() != "Chat" {
		t.Errorf("Name = %q", a.Name())
	}

	if !d.unsubscribe(a) {
		t.Error("unsubscribe(a) = false")
	}
	if d.unsubscribe(a) {
		t.Error("unsubscribe(a) twice = true")
	}
	if d.count("Chat") != 1 {
		t.Errorf("count = %d, want 1", d.count("Chat"))
	}

	d.unsubscribe(b)
	if _, ok := d.handlers["Chat"]; ok {
		t.Error("entry kept after last handler removed")
	}
}

func TestDispatcher_MutationDuringDispatch(t *testing.T) {
	var d dispatcher[ClientHandler]
	var calls []string
	var self Subscription

	self = d.subscribe("Chat", func(Message) {
		calls = append(calls, "self")
		d.unsubscribe(self)
		d.subscribe("Chat", func(Message) { calls = append(calls, "added") })
	})
	d.subscribe("Chat", func(Message) { calls = append(calls, "second") })

	for _, h := range d.snapshot("Chat") {
		h.fn(nil)
	}
	if !reflect.DeepEqual(calls, []string{"self", "second"}) {
		t.Errorf("first dispatch = %v", calls)
	}

	calls = nil
	for _, h := range d.snapshot("Chat") {
		h.fn(nil)
	}
	if !reflect.DeepEqual(calls, []string{"second", "added"}) {
		t.Errorf("second dispatch = %v", calls)
	}
}

func TestMessageName(t *testing.T) {
	if got := messageName[*chatMessage](); got != "Chat" {
		t.Errorf("messageName[*chatMessage] = %q", got)
	}
	if got := messageName[*pingMessage](); got != "Ping" {
		t.Errorf("messageName[*pingMessage] = %q", got)
	}
}
