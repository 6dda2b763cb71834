// Package bus implements the namespaced event-fanout fabric.
//
// A namespace is a logically isolated pub/sub channel identified by a string
// path such as "/lobby-monitor", "/room/<id>" or "/approval/<id>". Messages
// published on one namespace are never delivered to subscribers of another;
// within a namespace, messages from a single publisher arrive at every
// subscriber in publish order.
//
// Fan-out is per-subscriber and non-blocking: each subscriber owns a bounded
// send buffer, and a subscriber whose buffer overflows is disconnected with
// reason "backpressure" instead of stalling the namespace.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DisconnectReasonBackpressure is passed to CloseWithReason when a
// subscriber's send buffer overflows.
const DisconnectReasonBackpressure = "backpressure"

// Bus owns all namespaces. It is safe for concurrent use; fan-out on
// different namespaces proceeds in parallel, fan-out within one namespace is
// serialized to preserve FIFO delivery.
type Bus struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
	relay      *Relay // optional cross-pod relay, nil in single-instance mode
	podID      string
}

// namespace is one isolated channel and its subscriber set.
type namespace struct {
	path string

	// mu serializes fan-out so that per-publisher FIFO order holds across
	// the whole subscriber set.
	mu     sync.Mutex
	subs   map[types.ConnIDType]types.Subscriber
	cancel context.CancelFunc // stops the relay subscription, if any
}

// New creates a Bus. The relay may be nil for single-instance deployments.
func New(relay *Relay) *Bus {
	return &Bus{
		namespaces: make(map[string]*namespace),
		relay:      relay,
		podID:      uuid.NewString(),
	}
}

// PodID identifies this process instance in relay envelopes.
func (b *Bus) PodID() string { return b.podID }

// CreateNamespace registers a namespace. Creating an existing namespace is a
// no-op, so callers don't need to coordinate.
func (b *Bus) CreateNamespace(ctx context.Context, path string) {
	b.mu.Lock()
	if _, ok := b.namespaces[path]; ok {
		b.mu.Unlock()
		return
	}
	ns := &namespace{
		path: path,
		subs: make(map[types.ConnIDType]types.Subscriber),
	}
	b.namespaces[path] = ns
	b.mu.Unlock()

	if b.relay != nil {
		relayCtx, cancel := context.WithCancel(context.Background())
		ns.cancel = cancel
		b.relay.Subscribe(relayCtx, path, func(env RelayEnvelope) {
			if env.PodID == b.podID {
				return // our own publish echoed back
			}
			b.fanoutLocal(ctx, path, env.Data, "")
		})
	}

	logging.Info(ctx, "Namespace created", zap.String("namespace", path))
}

// DestroyNamespace tears a namespace down, implicitly unsubscribing every
// remaining subscriber. Destroying a missing namespace is a no-op.
func (b *Bus) DestroyNamespace(ctx context.Context, path string) {
	b.mu.Lock()
	ns, ok := b.namespaces[path]
	if ok {
		delete(b.namespaces, path)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ns.mu.Lock()
	ns.subs = make(map[types.ConnIDType]types.Subscriber)
	if ns.cancel != nil {
		ns.cancel()
		ns.cancel = nil
	}
	ns.mu.Unlock()

	logging.Info(ctx, "Namespace destroyed", zap.String("namespace", path))
}

// Subscribe attaches a subscriber to a namespace.
func (b *Bus) Subscribe(path string, sub types.Subscriber) error {
	ns, ok := b.lookup(path)
	if !ok {
		return ErrNamespaceNotFound
	}
	ns.mu.Lock()
	ns.subs[sub.ConnID()] = sub
	ns.mu.Unlock()
	return nil
}

// Unsubscribe detaches a connection from a namespace. Unknown namespaces and
// unknown connections are no-ops.
func (b *Bus) Unsubscribe(path string, connID types.ConnIDType) {
	ns, ok := b.lookup(path)
	if !ok {
		return
	}
	ns.mu.Lock()
	delete(ns.subs, connID)
	ns.mu.Unlock()
}

// SubscriberCount reports how many connections are attached to a namespace.
func (b *Bus) SubscriberCount(path string) int {
	ns, ok := b.lookup(path)
	if !ok {
		return 0
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.subs)
}

// SubscriberByUser finds the attached subscriber for a user within a
// namespace, if any.
func (b *Bus) SubscriberByUser(path string, userID types.UserIDType) (types.Subscriber, bool) {
	ns, ok := b.lookup(path)
	if !ok {
		return nil, false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, sub := range ns.subs {
		if sub.UserID() == userID {
			return sub, true
		}
	}
	return nil, false
}

// Publish delivers an event to every subscriber of a namespace.
// Publishing to a nonexistent namespace is a no-op with a warning.
func (b *Bus) Publish(ctx context.Context, path string, event types.Event, payload any) {
	b.publish(ctx, path, "", event, payload)
}

// PublishExcept delivers an event to every subscriber of a namespace except
// the given connection (the typical "broadcast to everyone else" path).
func (b *Bus) PublishExcept(ctx context.Context, path string, except types.ConnIDType, event types.Event, payload any) {
	b.publish(ctx, path, except, event, payload)
}

// PublishTo delivers an event to a single subscriber, bypassing namespace
// fan-out. Used for per-connection notifications (errors, approval results).
func (b *Bus) PublishTo(ctx context.Context, sub types.Subscriber, event types.Event, payload any) {
	data, err := marshalMessage(event, payload)
	if err != nil {
		logging.Error(ctx, "Failed to marshal direct message", zap.String("event", string(event)), zap.Error(err))
		return
	}
	if !sub.TrySend(data) {
		metrics.SubscriberBackpressureDisconnects.Inc()
		sub.CloseWithReason(DisconnectReasonBackpressure)
	}
}

func (b *Bus) publish(ctx context.Context, path string, except types.ConnIDType, event types.Event, payload any) {
	data, err := marshalMessage(event, payload)
	if err != nil {
		logging.Error(ctx, "Failed to marshal broadcast message", zap.String("event", string(event)), zap.Error(err))
		return
	}

	if !b.fanoutLocal(ctx, path, data, except) {
		return
	}

	if b.relay != nil {
		// Remote pods have no concept of the excluded connection; the
		// exclusion only applies to the pod the sender is attached to.
		b.relay.Publish(ctx, path, RelayEnvelope{PodID: b.podID, Path: path, Data: data})
	}
}

// fanoutLocal sends pre-marshaled bytes to all local subscribers of a
// namespace. Returns false when the namespace does not exist.
func (b *Bus) fanoutLocal(ctx context.Context, path string, data []byte, except types.ConnIDType) bool {
	ns, ok := b.lookup(path)
	if !ok {
		logging.Warn(ctx, "Publish to nonexistent namespace dropped", zap.String("namespace", path))
		return false
	}

	var laggards []types.Subscriber

	ns.mu.Lock()
	for connID, sub := range ns.subs {
		if except != "" && connID == except {
			continue
		}
		if !sub.TrySend(data) {
			laggards = append(laggards, sub)
		}
	}
	for _, sub := range laggards {
		delete(ns.subs, sub.ConnID())
	}
	ns.mu.Unlock()

	for _, sub := range laggards {
		metrics.SubscriberBackpressureDisconnects.Inc()
		logging.Warn(ctx, "Disconnecting slow subscriber",
			zap.String("namespace", path),
			zap.String("connId", string(sub.ConnID())))
		sub.CloseWithReason(DisconnectReasonBackpressure)
	}
	return true
}

func (b *Bus) lookup(path string) (*namespace, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ns, ok := b.namespaces[path]
	return ns, ok
}

// Close releases the relay connection, if any.
func (b *Bus) Close() error {
	if b.relay != nil {
		return b.relay.Close()
	}
	return nil
}

func marshalMessage(event types.Event, payload any) ([]byte, error) {
	return json.Marshal(types.ServerMessage{Event: event, Payload: payload})
}
