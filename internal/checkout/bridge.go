package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
)

// BridgeGateway hands widget options to a browser shim, which renders the real SDK and relays
// its native callbacks back through Deliver.
type BridgeGateway struct {
	mu        sync.Mutex
	instances map[string]*bridgeInstance
}

// BridgeWidget is what the shim needs to render an opened widget.
type BridgeWidget struct {
	InstanceID string         `json:"instanceId"`
	Provider   string         `json:"provider"`
	ScriptURL  string         `json:"scriptUrl"`
	Options    GatewayOptions `json:"options"`
}

func NewBridgeGateway() *BridgeGateway {
	return &BridgeGateway{instances: make(map[string]*bridgeInstance)}
}

type bridgeInstance struct {
	id      string
	gateway *BridgeGateway
	opts    GatewayOptions

	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	opened   bool
}

func (g *BridgeGateway) New(_ context.Context, opts GatewayOptions) (GatewayInstance, error) {
	if opts.Key == "" {
		return nil, errors.New("bridge: gateway key is not configured")
	}
	if opts.Modal.Escape || opts.Modal.BackdropClose {
		return nil, errors.New("bridge: accidental dismissal must stay disabled")
	}
	id := opts.InstanceID
	if id == "" {
		id = ulid.Make().String()
	}
	inst := &bridgeInstance{
		id:       id,
		gateway:  g,
		opts:     opts,
		handlers: make(map[string]func(json.RawMessage)),
	}
	g.mu.Lock()
	g.instances[inst.id] = inst
	g.mu.Unlock()
	return inst, nil
}

func (i *bridgeInstance) On(event string, fn func(json.RawMessage)) {
	i.mu.Lock()
	i.handlers[event] = fn
	i.mu.Unlock()
}

func (i *bridgeInstance) Open() error {
	i.gateway.mu.Lock()
	defer i.gateway.mu.Unlock()
	if _, ok := i.gateway.instances[i.id]; !ok {
		return ErrUnknownInstance
	}
	i.mu.Lock()
	i.opened = true
	i.mu.Unlock()
	return nil
}

func (i *bridgeInstance) Close() error {
	i.gateway.mu.Lock()
	delete(i.gateway.instances, i.id)
	i.gateway.mu.Unlock()
	return nil
}

// Widget returns the open widget the shim should be showing.
func (g *BridgeGateway) Widget() (BridgeWidget, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, inst := range g.instances {
		inst.mu.Lock()
		opened := inst.opened
		inst.mu.Unlock()
		if opened {
			return BridgeWidget{InstanceID: inst.id, Provider: inst.opts.Provider, ScriptURL: inst.opts.ScriptURL, Options: inst.opts}, true
		}
	}
	return BridgeWidget{}, false
}

// Deliver relays a native callback. Callbacks for closed instances return ErrUnknownInstance.
func (g *BridgeGateway) Deliver(instanceID, event string, payload json.RawMessage) error {
	g.mu.Lock()
	inst, ok := g.instances[instanceID]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownInstance
	}

	var fn func(json.RawMessage)
	switch EventKind(event) {
	case EventSuccess:
		fn = inst.opts.Handler
	case EventDismiss:
		if dismiss := inst.opts.Modal.OnDismiss; dismiss != nil {
			fn = func(json.RawMessage) { dismiss() }
		}
	default:
		inst.mu.Lock()
		fn = inst.handlers[event]
		inst.mu.Unlock()
	}
	if fn == nil {
		return ErrUnknownEvent
	}
	fn(payload)
	return nil
}
