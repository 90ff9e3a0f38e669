package netframe

import (
	"crypto/rsa"
	"time"
)

// Default configuration values.
const (
	// DefaultMaxMessageSize is the default limit for one frame payload (64KB).
	DefaultMaxMessageSize = 64 * 1024
	// DefaultSendQueueLimit is the default number of payloads a connection may
	// have waiting for the write loop before it is dropped.
	DefaultSendQueueLimit = 10000
	// DefaultReceiveQueueLimit is the default number of events one connection
	// may have waiting for Run before its read loop stops.
	DefaultReceiveQueueLimit = 10000
	// DefaultSendTimeout bounds every socket write.
	DefaultSendTimeout = 5 * time.Second
	// DefaultValidationTimeout is how long the server waits for a token answer.
	DefaultValidationTimeout = 10 * time.Second
)

// options holds the configuration shared by Client and Server.
type options struct {
	registry *Registry
	logger   Logger
	metrics  *Metrics

	maxMessageSize    int
	sendQueueLimit    int
	receiveQueueLimit int
	sendTimeout       time.Duration // zero disables the write deadline
	receiveTimeout    time.Duration // zero disables the read deadline
	noDelay           bool
	noDelaySet        bool

	// server side security
	privateKey        *rsa.PrivateKey
	validationTimeout time.Duration
	// client side security
	publicKey *rsa.PublicKey
	secret    string

	onConnected     func(connID int)
	onDisconnected  func(connID int)
	onConnectFailed func(err error)
}

// Option is a function that configures a Client or a Server.
type Option func(*options)

// checkOptions validates and sets default values.
func checkOptions(opts *options) error {
	if opts.registry == nil {
		return ErrInvalidRegistry
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = DefaultMaxMessageSize
	}

	if opts.sendQueueLimit <= 0 {
		opts.sendQueueLimit = DefaultSendQueueLimit
	}

	if opts.receiveQueueLimit <= 0 {
		opts.receiveQueueLimit = DefaultReceiveQueueLimit
	}

	if opts.sendTimeout < 0 {
		opts.sendTimeout = 0
	}

	if opts.receiveTimeout < 0 {
		opts.receiveTimeout = 0
	}

	if !opts.noDelaySet {
		opts.noDelay = true
	}

	if opts.validationTimeout <= 0 {
		opts.validationTimeout = DefaultValidationTimeout
	}

	if (opts.privateKey != nil || opts.publicKey != nil) && opts.secret == "" {
		return ErrInvalidSecurity
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newOptions(opt []Option) (options, error) {
	opts := options{sendTimeout: DefaultSendTimeout}
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return opts, err
	}
	opts.registry.Seal()
	return opts, nil
}

// RegistryOption sets the message registry. Required.
func RegistryOption(r *Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// MessageMaxSize sets the maximum payload size of a single frame.
// Frames announcing more are a protocol violation; Send rejects larger messages.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// SendQueueLimitOption sets how many payloads may wait in a connection's send
// queue. Reaching the limit closes the connection.
func SendQueueLimitOption(limit int) Option {
	return func(o *options) {
		o.sendQueueLimit = limit
	}
}

// ReceiveQueueLimitOption sets how many events one connection may have waiting
// for Run. Reaching the limit stops that connection's read loop.
func ReceiveQueueLimitOption(limit int) Option {
	return func(o *options) {
		o.receiveQueueLimit = limit
	}
}

// SendTimeoutOption sets the write deadline applied to every socket write.
// Zero disables it.
func SendTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.sendTimeout = timeout
	}
}

// ReceiveTimeoutOption sets the read deadline applied to every frame read.
// Zero, the default, waits forever.
func ReceiveTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.receiveTimeout = timeout
	}
}

// NoDelayOption controls TCP_NODELAY on every connection. Default true.
func NoDelayOption(noDelay bool) Option {
	return func(o *options) {
		o.noDelay = noDelay
		o.noDelaySet = true
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption enables Prometheus instrumentation.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// ServerSecurityOption makes the server demand an RSA encrypted copy of secret
// from every client before dispatching its messages.
func ServerSecurityOption(key *rsa.PrivateKey, secret string) Option {
	return func(o *options) {
		o.privateKey = key
		o.secret = secret
	}
}

// ClientSecurityOption gives the client the server's public key and the
// shared secret it must present when asked.
func ClientSecurityOption(key *rsa.PublicKey, secret string) Option {
	return func(o *options) {
		o.publicKey = key
		o.secret = secret
	}
}

// ValidationTimeoutOption sets how long a server connection may stay
// unvalidated before it is closed.
func ValidationTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.validationTimeout = timeout
	}
}

// OnConnectedOption sets the callback run when a connection becomes usable.
// On the server it fires for every accepted client with its id. On the client
// it fires once the server has accepted the connection, with the id the
// server assigned.
func OnConnectedOption(cb func(connID int)) Option {
	return func(o *options) {
		o.onConnected = cb
	}
}

// OnDisconnectedOption sets the callback run when a connection is gone.
func OnDisconnectedOption(cb func(connID int)) Option {
	return func(o *options) {
		o.onDisconnected = cb
	}
}

// OnConnectFailedOption sets the client callback for a failed dial.
func OnConnectFailedOption(cb func(err error)) Option {
	return func(o *options) {
		o.onConnectFailed = cb
	}
}
