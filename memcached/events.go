package memcached

import "sync"

// NodeFailedEvent is emitted whenever a node's failure policy trips
// (transitions to its open/throttling state).
type NodeFailedEvent struct {
	Node string
	Err  error
}

// nodeEventSink fans NodeFailedEvent out to every registered listener.
// A pool exposes a registration handle rather than a direct callback
// list so multiple independent observers (metrics, logging, an
// operator dashboard) can subscribe without coordinating with each
// other.
type nodeEventSink struct {
	mu        sync.RWMutex
	listeners []func(NodeFailedEvent)
}

// OnNodeFailed registers fn to be called whenever a node is marked
// failed by the client's failure policy. Returns an unregister func.
func (c *Client) OnNodeFailed(fn func(NodeFailedEvent)) (unregister func()) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()

	idx := len(c.events.listeners)
	c.events.listeners = append(c.events.listeners, fn)

	return func() {
		c.events.mu.Lock()
		defer c.events.mu.Unlock()
		if idx < len(c.events.listeners) {
			c.events.listeners[idx] = nil
		}
	}
}

func (c *Client) emitNodeFailed(ev NodeFailedEvent) {
	c.events.mu.RLock()
	defer c.events.mu.RUnlock()

	for _, fn := range c.events.listeners {
		if fn != nil {
			fn(ev)
		}
	}

	nodeFailedTotal.WithLabelValues(ev.Node).Inc()
}
