// Package reactive implements a hierarchical observable dictionary: nodes
// hold an opaque value and named children; any update on a child first
// rewrites the parent's value, then notifies — so a single notification
// always carries a consistent snapshot including every child mutation
// made before it. One mutex guards one tree node.
package reactive

import "sync"

// Subscriber is a no-argument callback; it re-reads Node.State to observe
// the new snapshot. Subscribers run synchronously on the node, in
// registration order.
type Subscriber func()

// Node is one level of the reactive tree. The zero value is not usable;
// use New or RegisterSubstate.
type Node struct {
	mu          sync.Mutex
	state       any
	substates   map[string]*Node
	subscribers []Subscriber
	parent      *Node
	parentKey   string
}

// New creates a root reactive node with the given initial state.
func New(initial any) *Node {
	return &Node{state: initial, substates: make(map[string]*Node)}
}

// State returns the node's current value. Safe to call from a subscriber.
func (n *Node) State() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Update replaces the node's value and synchronously notifies subscribers.
// If this node is itself a substate, the parent's value is rewritten
// first (parent.state[key] = newValue) and the parent's own subscribers
// are notified — recursively up to the root — before this node's
// subscribers run, guaranteeing every observer sees a consistent snapshot.
func (n *Node) Update(value any) {
	n.mu.Lock()
	n.state = value
	subs := append([]Subscriber(nil), n.subscribers...)
	parent, parentKey := n.parent, n.parentKey
	n.mu.Unlock()

	if parent != nil {
		parent.rewriteChild(parentKey, value)
	}

	for _, s := range subs {
		s()
	}
}

// rewriteChild updates this node's substate map entry for key then
// notifies this node's own subscribers (and propagates further up).
func (n *Node) rewriteChild(key string, childState any) {
	n.mu.Lock()
	sub, ok := n.state.(map[string]any)
	if !ok || sub == nil {
		sub = make(map[string]any)
	} else {
		// copy-on-write so concurrent readers of a previously published
		// snapshot never see a half-updated map.
		cp := make(map[string]any, len(sub))
		for k, v := range sub {
			cp[k] = v
		}
		sub = cp
	}
	sub[key] = childState
	n.state = sub
	subs := append([]Subscriber(nil), n.subscribers...)
	parent, parentKey := n.parent, n.parentKey
	n.mu.Unlock()

	if parent != nil {
		parent.rewriteChild(parentKey, sub)
	}
	for _, s := range subs {
		s()
	}
}

// RegisterSubstate returns a child node tracked under key. Any update on
// the child rewrites this node's value before notifying.
func (n *Node) RegisterSubstate(key string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	child := &Node{state: nil, substates: make(map[string]*Node), parent: n, parentKey: key}
	n.substates[key] = child

	if sub, ok := n.state.(map[string]any); ok && sub != nil {
		cp := make(map[string]any, len(sub)+1)
		for k, v := range sub {
			cp[k] = v
		}
		cp[key] = nil
		n.state = cp
	} else {
		n.state = map[string]any{key: nil}
	}
	return child
}

// Substate returns a previously registered child, or nil.
func (n *Node) Substate(key string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.substates[key]
}

// Subscribe registers a callback invoked synchronously after every Update
// (on this node or, transitively, any descendant).
func (n *Node) Subscribe(s Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, s)
}
