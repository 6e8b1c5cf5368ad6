// Package queue implements the durable, named FIFO queues the pipeline runs
// on. Item identifiers are the composed keys produced by asset.QueueKey, so
// enqueueing the same (asset, group, recipient set) twice is idempotent and
// items are addressable for conditional removal.
package queue

import (
	"context"
	"time"
)

// Name identifies one durable queue.
type Name string

const (
	Fetch   Name = "fetch"
	Encrypt Name = "encrypt"
	Upload  Name = "upload"
	Share   Name = "share"

	FailedUpload Name = "failed_upload"
	FailedShare  Name = "failed_share"

	UploadHistory Name = "upload_history"
	ShareHistory  Name = "share_history"

	Download      Name = "download"
	Authorization Name = "authorization"
)

// Item is one queued unit of work. It is owned exclusively by the queue that
// holds it and is destroyed on dequeue.
type Item struct {
	ID        string
	Payload   []byte
	CreatedAt time.Time
}

// Store is one durable named queue. Implementations must provide atomic
// dequeue: of any number of concurrent Dequeue calls for the same item,
// exactly one succeeds.
type Store interface {
	// Enqueue inserts an item under the given identifier. Enqueueing an
	// identifier that is already queued is a no-op returning the existing
	// item, which makes retries and restoration idempotent.
	Enqueue(ctx context.Context, id string, payload []byte) (*Item, error)

	// Peek returns the oldest item without removing it, or
	// common.ErrNotFound when the queue is empty.
	Peek(ctx context.Context) (*Item, error)

	// PeekMany returns up to limit oldest items in FIFO order.
	PeekMany(ctx context.Context, limit int) ([]*Item, error)

	// Dequeue removes the item and returns it. Returns common.ErrNotFound
	// if the item is no longer queued (already dequeued by a competitor).
	Dequeue(ctx context.Context, item *Item) (*Item, error)

	// RetrieveItems returns the queued items among the given identifiers.
	RetrieveItems(ctx context.Context, ids []string) ([]*Item, error)

	// RemoveValues deletes every item whose identifier matches the
	// predicate and returns the removed identifiers.
	RemoveValues(ctx context.Context, match func(id string) bool) ([]string, error)
}
