package broker

import (
	"fmt"
	"sync"
)

// registration pairs a constructor with its declared capabilities, visible
// to callers (e.g. the streaming proxy) without instantiating an adapter.
type registration struct {
	constructor  Constructor
	capabilities Capabilities
}

// Factory holds the exhaustive broker_name -> (constructor, capabilities)
// table. Per §9 Design Notes, dynamic "load by filename" discovery is not
// implemented in this statically-typed target: adapters self-register via
// Register, typically from an init() hook in their own package.
type Factory struct {
	mu    sync.RWMutex
	table map[string]registration
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{table: make(map[string]registration)}
}

// global is the process-wide factory adapters self-register into from
// init(). main wires it into the components that need broker instances.
var global = NewFactory()

// Global returns the process-wide factory used by adapter init() hooks.
func Global() *Factory { return global }

// Register adds a broker_name -> constructor mapping. Calling Register
// twice for the same name overwrites the previous registration (useful in
// tests that substitute a stub adapter).
func (f *Factory) Register(brokerName string, ctor Constructor, caps Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table[brokerName] = registration{constructor: ctor, capabilities: caps}
}

// UnknownBrokerError is returned by Create when brokerName has no
// registration; there is no dynamic-discovery fallback.
type UnknownBrokerError struct {
	BrokerName string
}

func (e *UnknownBrokerError) Error() string {
	return fmt.Sprintf("unknown broker: %s", e.BrokerName)
}

// Create returns a fresh, uninitialized adapter for brokerName.
func (f *Factory) Create(brokerName string) (Adapter, error) {
	f.mu.RLock()
	reg, ok := f.table[brokerName]
	f.mu.RUnlock()
	if !ok {
		return nil, &UnknownBrokerError{BrokerName: brokerName}
	}
	return reg.constructor(), nil
}

// CapabilitiesOf returns the declared capabilities for brokerName without
// instantiating an adapter, used by the streaming proxy to decide
// persistent-session handling before a connection even exists.
func (f *Factory) CapabilitiesOf(brokerName string) (Capabilities, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	reg, ok := f.table[brokerName]
	if !ok {
		return Capabilities{}, false
	}
	return reg.capabilities, true
}

// Registered lists every broker name currently registered.
func (f *Factory) Registered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.table))
	for name := range f.table {
		names = append(names, name)
	}
	return names
}
