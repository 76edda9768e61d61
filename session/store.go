package session

import "context"

// Store persists Snapshots so a persistent session survives a broker
// restart. Implementations serialize the Snapshot, not the live Session:
// in-flight QoS state is never durable, only subscription membership and
// the offline queue.
type Store interface {
	// Save stores or updates a session snapshot.
	Save(ctx context.Context, snap Snapshot) error

	// Load retrieves a session snapshot by client ID.
	Load(ctx context.Context, clientID string) (Snapshot, error)

	// Delete removes a session snapshot.
	Delete(ctx context.Context, clientID string) error

	// Exists reports whether a snapshot exists for clientID.
	Exists(ctx context.Context, clientID string) (bool, error)

	// List returns every persisted client ID.
	List(ctx context.Context) ([]string, error)

	// Close releases the store's underlying resources.
	Close() error
}

// StoreMetrics reports aggregate counts over a Store's contents.
type StoreMetrics interface {
	// Count returns the total number of persisted sessions.
	Count(ctx context.Context) (int64, error)
}
