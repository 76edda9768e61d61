package topic

import "github.com/edgecore/mqttedge/packet"

// Router is the subscription tree plus a per-client index of what each
// client is subscribed to, owned exclusively by the broker's event loop.
type Router struct {
	trie          *Trie
	subscriptions map[string]map[string]*Subscription // clientID -> filter -> Subscription
}

// NewRouter returns an empty subscription router.
func NewRouter() *Router {
	return &Router{
		trie:          NewTrie(),
		subscriptions: make(map[string]map[string]*Subscription),
	}
}

// Subscribe installs sub, replacing any existing subscription the same
// client holds on the same filter (a resubscribe updates granted QoS).
func (r *Router) Subscribe(sub *Subscription) error {
	if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
		return err
	}

	subInfo := SubscriberInfo{ClientID: sub.ClientID, MaxQoS: sub.MaxQoS}
	if err := r.trie.Subscribe(sub.TopicFilter, subInfo); err != nil {
		return err
	}

	if r.subscriptions[sub.ClientID] == nil {
		r.subscriptions[sub.ClientID] = make(map[string]*Subscription)
	}
	r.subscriptions[sub.ClientID][sub.TopicFilter] = sub
	return nil
}

// Unsubscribe removes clientID's subscription at filter. Reports whether
// one existed.
func (r *Router) Unsubscribe(clientID, filter string) bool {
	found := r.trie.Unsubscribe(filter, clientID)

	if clientSubs, ok := r.subscriptions[clientID]; ok {
		delete(clientSubs, filter)
		if len(clientSubs) == 0 {
			delete(r.subscriptions, clientID)
		}
	}
	return found
}

// UnsubscribeAll removes every subscription clientID holds, returning how
// many were removed. Used on session takeover and clean disconnect.
func (r *Router) UnsubscribeAll(clientID string) int {
	clientSubs, ok := r.subscriptions[clientID]
	if !ok {
		return 0
	}
	delete(r.subscriptions, clientID)
	r.trie.UnsubscribeAll(clientID)
	return len(clientSubs)
}

// Match returns every subscriber whose filter matches topic.
func (r *Router) Match(topic string) []SubscriberInfo {
	return r.trie.Match(topic)
}

// DeliveryQoS returns the QoS at which a publication of pubQoS should be
// delivered to a subscriber granted maxQoS: the broker always downgrades,
// never upgrades.
func DeliveryQoS(pubQoS, maxQoS packet.QoS) packet.QoS {
	return packet.Min(pubQoS, maxQoS)
}

// GetSubscription retrieves a specific subscription.
func (r *Router) GetSubscription(clientID, filter string) (*Subscription, bool) {
	clientSubs, ok := r.subscriptions[clientID]
	if !ok {
		return nil, false
	}
	sub, ok := clientSubs[filter]
	return sub, ok
}

// GetClientSubscriptions retrieves all subscriptions for a client.
func (r *Router) GetClientSubscriptions(clientID string) []*Subscription {
	clientSubs, ok := r.subscriptions[clientID]
	if !ok {
		return nil
	}
	result := make([]*Subscription, 0, len(clientSubs))
	for _, sub := range clientSubs {
		result = append(result, sub)
	}
	return result
}

// Count returns the total number of subscriptions.
func (r *Router) Count() int { return r.trie.Count() }

// CountClients returns the number of clients with at least one subscription.
func (r *Router) CountClients() int { return len(r.subscriptions) }

// Clear removes all subscriptions.
func (r *Router) Clear() {
	r.subscriptions = make(map[string]map[string]*Subscription)
	r.trie.Clear()
}
