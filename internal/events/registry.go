package events

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Connection types used to partition per-device subscriptions.
const (
	ConnTypeState     = "state"
	ConnTypeTelemetry = "telemetry"
	ConnTypeAlerts    = "alerts"
)

// Registry errors.
var (
	// ErrUnknownConnection is returned for operations on a connection
	// the registry does not hold.
	ErrUnknownConnection = errors.New("events: unknown connection")

	// ErrConnectionClosed is returned when subscribing on a connection
	// that is no longer open.
	ErrConnectionClosed = errors.New("events: connection closed")
)

// ConnState is the lifecycle state of a registered connection.
//
// Transitions run strictly Connecting → Open → Closing → Closed; a
// connection never jumps from Open to Closed without passing Closing, so
// broadcasts racing a disconnect observe a non-open state and skip it.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a transport-agnostic outbound connection. The WebSocket layer
// adapts its clients to this interface.
type Conn interface {
	// ID returns a registry-unique connection identifier.
	ID() string

	// Send delivers one message. Must not block indefinitely; a full or
	// broken connection returns an error.
	Send(message []byte) error

	// Close tears down the underlying transport.
	Close() error
}

// deviceKey partitions device subscriptions by connection type.
type deviceKey struct {
	deviceID string
	connType string
}

type registration struct {
	conn Conn

	// state holds a ConnState; atomic so broadcasts can observe a
	// racing disconnect without holding the registry lock.
	state atomic.Int32

	devices map[deviceKey]struct{}
	topics  map[string]struct{}
}

func (reg *registration) getState() ConnState {
	return ConnState(reg.state.Load())
}

func (reg *registration) setState(s ConnState) {
	reg.state.Store(int32(s))
}

// Registry tracks live fan-out connections and their subscriptions.
//
// A connection can follow any number of (device, type) pairs and named
// topics. Disconnect removes it from every index; no subscription
// survives the connection it belongs to. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*registration
	devices map[deviceKey]map[string]*registration
	topics  map[string]map[string]*registration
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]*registration),
		devices: make(map[deviceKey]map[string]*registration),
		topics:  make(map[string]map[string]*registration),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger used for send failures.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Connect registers a connection and moves it Connecting → Open.
func (r *Registry) Connect(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[conn.ID()]; exists {
		return errors.New("events: connection id already registered")
	}
	reg := &registration{
		conn:    conn,
		devices: make(map[deviceKey]struct{}),
		topics:  make(map[string]struct{}),
	}
	reg.setState(StateConnecting)
	reg.setState(StateOpen)
	r.conns[conn.ID()] = reg
	return nil
}

// Disconnect walks the connection through Closing, removes it from every
// device and topic index, closes the transport, and marks it Closed.
// Disconnecting an unknown connection is a no-op.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	reg, ok := r.conns[connID]
	if !ok || reg.getState() != StateOpen {
		r.mu.Unlock()
		return
	}
	reg.setState(StateClosing)

	for key := range reg.devices {
		if set := r.devices[key]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.devices, key)
			}
		}
	}
	for topic := range reg.topics {
		if set := r.topics[topic]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	delete(r.conns, connID)
	r.mu.Unlock()

	// Transport teardown happens outside the lock.
	if err := reg.conn.Close(); err != nil {
		r.logger.Warn("connection close failed", "conn_id", connID, "error", err)
	}
	reg.setState(StateClosed)
}

// DisconnectAll tears down every registered connection. Used during
// server shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
}

// SubscribeDevice registers interest in one (device, type) pair.
func (r *Registry) SubscribeDevice(connID, deviceID, connType string) error {
	if connType == "" {
		connType = ConnTypeState
	}
	key := deviceKey{deviceID: deviceID, connType: connType}

	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if reg.getState() != StateOpen {
		return ErrConnectionClosed
	}
	reg.devices[key] = struct{}{}
	if r.devices[key] == nil {
		r.devices[key] = make(map[string]*registration)
	}
	r.devices[key][connID] = reg
	return nil
}

// UnsubscribeDevice removes interest in one (device, type) pair.
func (r *Registry) UnsubscribeDevice(connID, deviceID, connType string) {
	if connType == "" {
		connType = ConnTypeState
	}
	key := deviceKey{deviceID: deviceID, connType: connType}

	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(reg.devices, key)
	if set := r.devices[key]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.devices, key)
		}
	}
}

// SubscribeTopic registers interest in a named topic.
func (r *Registry) SubscribeTopic(connID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if reg.getState() != StateOpen {
		return ErrConnectionClosed
	}
	reg.topics[topic] = struct{}{}
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]*registration)
	}
	r.topics[topic][connID] = reg
	return nil
}

// UnsubscribeTopic removes interest in a named topic.
func (r *Registry) UnsubscribeTopic(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(reg.topics, topic)
	if set := r.topics[topic]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
}

// BroadcastToDevice sends message to every open connection following the
// device. An empty connType fans out across all connection types.
// Returns the number of successful sends; failures are logged and
// skipped, never aborting the fan-out.
func (r *Registry) BroadcastToDevice(deviceID string, message []byte, connType string) int {
	r.mu.RLock()
	var targets []*registration
	if connType == "" {
		for key, set := range r.devices {
			if key.deviceID != deviceID {
				continue
			}
			for _, reg := range set {
				targets = append(targets, reg)
			}
		}
	} else {
		for _, reg := range r.devices[deviceKey{deviceID: deviceID, connType: connType}] {
			targets = append(targets, reg)
		}
	}
	logger := r.logger
	r.mu.RUnlock()

	return r.send(targets, message, logger)
}

// BroadcastToTopic sends message to every open connection following the
// topic, returning the number of successful sends.
func (r *Registry) BroadcastToTopic(topic string, message []byte) int {
	r.mu.RLock()
	targets := make([]*registration, 0, len(r.topics[topic]))
	for _, reg := range r.topics[topic] {
		targets = append(targets, reg)
	}
	logger := r.logger
	r.mu.RUnlock()

	return r.send(targets, message, logger)
}

func (r *Registry) send(targets []*registration, message []byte, logger Logger) int {
	delivered := 0
	for _, reg := range targets {
		if reg.getState() != StateOpen {
			continue
		}
		if err := reg.conn.Send(message); err != nil {
			logger.Warn("broadcast send failed",
				"conn_id", reg.conn.ID(),
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DeviceSubscriberCount returns the number of connections following a
// (device, type) pair.
func (r *Registry) DeviceSubscriberCount(deviceID, connType string) int {
	if connType == "" {
		connType = ConnTypeState
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices[deviceKey{deviceID: deviceID, connType: connType}])
}
