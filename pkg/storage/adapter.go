package storage

import "context"

// Adapter is the minimal key-value contract the migration engine runs against.
// Source, target and progress stores are each any conformant adapter.
type Adapter interface {
	// GetItem returns the value stored under key, or ErrKeyNotFound.
	GetItem(ctx context.Context, key string) (string, error)

	// SetItem stores value under key, overwriting any previous value.
	// May fail with quota or access errors depending on the backend.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// Clear removes every key in the store.
	Clear(ctx context.Context) error

	// Keys lists all keys currently in the store.
	Keys(ctx context.Context) ([]string, error)

	// BackendName identifies the backend ("memory", "file", "s3", ...).
	BackendName() string
}

// Entry is a key together with its stored value.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ReadAll is a convenience helper that reads every key/value pair from an
// adapter. Keys that disappear between the listing and the read are skipped.
func ReadAll(ctx context.Context, a Adapter) ([]Entry, error) {
	keys, err := a.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		value, err := a.GetItem(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Value: value})
	}

	return entries, nil
}
