package netframe

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Message is a typed unit of application data carried inside a frame.
//
// Name must be stable for the lifetime of the protocol: it is written in
// front of every encoded body and used on the receiving side to pick the
// factory that decodes it. Read is called on a fresh value produced by the
// registered factory.
type Message interface {
	Name() string
	Write(w *Writer)
	Read(r *Reader) error
}

// Registry errors.
var (
	// ErrUnknownMessage is returned when a payload names a type that was never registered.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrInvalidMessageName is returned by Register for names that cannot be framed.
	ErrInvalidMessageName = errors.New("invalid message name")
	// ErrDuplicateMessage is returned by Register when the name is already taken.
	ErrDuplicateMessage = errors.New("message already registered")
	// ErrRegistrySealed is returned by Register after Seal.
	ErrRegistrySealed = errors.New("registry sealed")
)

// Registry maps message names to factories.
//
// Populate it once at startup, then hand it to NewServer / NewClient through
// RegistryOption. Both constructors seal the registry; after that it is
// read-only and lookups take no lock.
type Registry struct {
	mu        sync.Mutex
	sealed    atomic.Bool
	factories map[string]func() Message
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Message)}
}

// Register records factory under the name reported by the value it builds.
func (r *Registry) Register(factory func() Message) error {
	if factory == nil {
		return errors.Wrap(ErrInvalidMessageName, "nil factory")
	}
	name := factory().Name()
	if err := validateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return errors.Wrapf(ErrRegistrySealed, "register %q", name)
	}
	if _, ok := r.factories[name]; ok {
		return errors.Wrapf(ErrDuplicateMessage, "%q", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is like Register but panics on error. Intended for package
// level registration code that runs before any connection exists.
func (r *Registry) MustRegister(factories ...func() Message) *Registry {
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Lookup returns a fresh message for name.
func (r *Registry) Lookup(name string) (Message, bool) {
	f, ok := r.factory(name)
	if !ok {
		return nil, false
	}
	return f(), true
}

func (r *Registry) factory(name string) (func() Message, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes m into a payload: its name, a '\n' separator and the body.
// The message does not need to be registered to be sent.
func (r *Registry) Encode(m Message) ([]byte, error) {
	w := acquireWriter()
	defer releaseWriter(w)

	return encodePayload(w, m)
}

// Decode parses a "<name>\n<body>" payload and reads the body into a new
// message built by the registered factory.
func (r *Registry) Decode(payload []byte) (Message, error) {
	name, body, err := splitPayload(payload)
	if err != nil {
		return nil, err
	}

	m, ok := r.Lookup(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessage, "%q", name)
	}

	rd := NewReader(body)
	if err = m.Read(rd); err == nil {
		err = rd.Err()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %q", name)
	}
	return m, nil
}

// validateName rejects names that would be misread on the wire: empty names,
// names containing the separator, and names whose first byte collides with a
// control trigger.
func validateName(name string) error {
	switch {
	case name == "":
		return errors.Wrap(ErrInvalidMessageName, "empty name")
	case strings.IndexByte(name, payloadSeparator) >= 0:
		return errors.Wrapf(ErrInvalidMessageName, "%q contains the separator", name)
	case name[0] == controlAccepted || name[0] == controlTokenRequest:
		return errors.Wrapf(ErrInvalidMessageName, "%q starts with a control byte", name)
	}
	return nil
}

var writerPool = sync.Pool{
	New: func() any { return NewWriter() },
}

func acquireWriter() *Writer {
	w := writerPool.Get().(*Writer)
	w.Reset()
	return w
}

func releaseWriter(w *Writer) {
	writerPool.Put(w)
}
