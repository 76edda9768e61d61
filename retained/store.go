// Package retained holds the broker's retained-message table: at most one
// retained publication per exact topic, replaced on every retained
// publish and deleted by a zero-length payload.
package retained

import (
	"errors"

	"github.com/edgecore/mqttedge/packet"
)

// ErrNotFound is returned by Get when no retained message exists for a
// topic.
var ErrNotFound = errors.New("retained: no message for topic")

type node struct {
	children map[string]*node
	message  *packet.Publication
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Store is an exact-topic trie of retained publications. It is owned and
// mutated exclusively by the broker's event loop, so it carries no
// internal synchronization.
type Store struct {
	root  *node
	count int
}

// New returns an empty retained store.
func New() *Store {
	return &Store{root: newNode()}
}

// Set installs pub as the retained message for topic. A zero-length
// payload deletes any existing retained message for that topic instead
// of storing an empty one, per MQTT 3.1.1 §3.3.1.3.
func (s *Store) Set(topic string, pub packet.Publication) {
	if len(pub.Payload) == 0 {
		s.Delete(topic)
		return
	}

	levels := splitTopicLevels(topic)
	n := s.root
	for _, level := range levels {
		next := n.children[level]
		if next == nil {
			next = newNode()
			n.children[level] = next
		}
		n = next
	}
	if n.message == nil {
		s.count++
	}
	stored := pub
	n.message = &stored
}

// Get returns the retained message for an exact topic, if any.
func (s *Store) Get(topic string) (packet.Publication, bool) {
	levels := splitTopicLevels(topic)
	n := s.root
	for _, level := range levels {
		n = n.children[level]
		if n == nil {
			return packet.Publication{}, false
		}
	}
	if n.message == nil {
		return packet.Publication{}, false
	}
	return *n.message, true
}

// Delete removes the retained message for an exact topic, pruning any
// trie nodes left with no message and no children.
func (s *Store) Delete(topic string) {
	levels := splitTopicLevels(topic)
	path := make([]*node, 0, len(levels)+1)
	path = append(path, s.root)
	n := s.root
	for _, level := range levels {
		next := n.children[level]
		if next == nil {
			return
		}
		path = append(path, next)
		n = next
	}
	if n.message == nil {
		return
	}
	n.message = nil
	s.count--

	for i := len(path) - 1; i > 0; i-- {
		current, parent := path[i], path[i-1]
		if current.message != nil || len(current.children) != 0 {
			break
		}
		for key, child := range parent.children {
			if child == current {
				delete(parent.children, key)
				break
			}
		}
	}
}

// Match returns every retained message whose topic matches filter,
// applying the same '+'/'#' wildcard rules as subscription matching. A
// filter is never matched against a topic starting with '$' unless the
// filter itself starts with '$'.
func (s *Store) Match(filter string) []packet.Publication {
	levels := splitTopicLevels(filter)
	var matched []packet.Publication
	s.matchRecursive(s.root, levels, 0, &matched)
	return matched
}

func (s *Store) matchRecursive(n *node, levels []string, depth int, matched *[]packet.Publication) {
	if depth == len(levels) {
		if n.message != nil {
			*matched = append(*matched, *n.message)
		}
		return
	}

	level := levels[depth]
	switch level {
	case "#":
		if depth > 0 {
			s.collectAll(n, matched)
			return
		}
		if n.message != nil {
			*matched = append(*matched, *n.message)
		}
		for levelName, child := range n.children {
			if len(levelName) > 0 && levelName[0] == '$' {
				continue
			}
			s.collectAll(child, matched)
		}
	case "+":
		for levelName, child := range n.children {
			if depth == 0 && len(levelName) > 0 && levelName[0] == '$' {
				continue
			}
			s.matchRecursive(child, levels, depth+1, matched)
		}
	default:
		if child := n.children[level]; child != nil {
			s.matchRecursive(child, levels, depth+1, matched)
		}
	}
}

func (s *Store) collectAll(n *node, matched *[]packet.Publication) {
	if n.message != nil {
		*matched = append(*matched, *n.message)
	}
	for _, child := range n.children {
		s.collectAll(child, matched)
	}
}

// Count returns the number of retained messages currently stored.
func (s *Store) Count() int { return s.count }

// Clear removes every retained message.
func (s *Store) Clear() {
	s.root = newNode()
	s.count = 0
}

func splitTopicLevels(topic string) []string {
	if len(topic) == 0 {
		return []string{}
	}
	levels := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}
	levels = append(levels, topic[start:])
	return levels
}
