package signaling

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Update when the document does not exist.
var ErrNotFound = errors.New("signaling: document not found")

type (
	// Fields is the content of a stored document or record.
	Fields = map[string]any

	// Record is one item of a sub-collection.
	Record struct {
		ID     string
		Fields Fields
	}

	// Unsubscribe stops a subscription. It is safe to call more than once and
	// from inside the subscription's own callbacks.
	Unsubscribe func()

	// OnSnapshot receives the full document on every change. exists is false
	// when the document is absent.
	OnSnapshot func(fields Fields, exists bool)

	// OnChange receives the records added to and removed from a sub-collection.
	// The first delivery after subscribing carries every existing record as added.
	OnChange func(added, removed []Record)

	// OnError reports a failed subscription. No further callbacks follow it.
	OnError func(err error)
)

// Store is a keyed document store with real-time change notification. It is
// used as a relay only; nothing in it is authoritative beyond the call it
// describes.
type Store interface {
	Get(ctx context.Context, key string) (Fields, error)
	// Set creates or overwrites the document.
	Set(ctx context.Context, key string, fields Fields) error
	// Update merges fields into an existing document.
	Update(ctx context.Context, key string, fields Fields) error
	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string, onSnapshot OnSnapshot, onError OnError) (Unsubscribe, error)
	// Collection returns the named sub-collection under the document at key.
	// The sub-collection outlives the document; it must be emptied explicitly.
	Collection(key, name string) Collection
}

// Collection is an append-only set of records under a document.
type Collection interface {
	Add(ctx context.Context, record Fields) (string, error)
	ListAll(ctx context.Context) ([]Record, error)
	// DeleteAll removes every record. An empty collection is not an error.
	DeleteAll(ctx context.Context) error
	Subscribe(ctx context.Context, onChange OnChange, onError OnError) (Unsubscribe, error)
}
