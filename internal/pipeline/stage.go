package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/logging"
	"github.com/Safehill/safehill-client-go/internal/queue"
)

// Stage is one pipeline step: dequeue a typed request, perform its side
// effect, and either enqueue the successor request or move the item to a
// Failed queue.
type Stage interface {
	Kind() asset.StageKind
	Queue() queue.Store
	ProcessingTag() State
	Process(ctx context.Context, item *queue.Item) Outcome
}

// stageBase carries the plumbing every stage shares: the queue set, the
// observer registry and the failure/history bookkeeping.
type stageBase struct {
	queues    *queue.Set
	observers *Observers
	log       logging.Logger
}

// dequeueCorrupt removes an item whose payload can never deserialize. This
// is a corrupt-data path, not a business failure: no observer callbacks, no
// Failed-queue entry.
func (b *stageBase) dequeueCorrupt(ctx context.Context, q queue.Store, item *queue.Item) Outcome {
	b.log.Warn(ctx, "dequeueing corrupt queue item", "item", item.ID)
	if _, err := q.Dequeue(ctx, item); err != nil && !errors.Is(err, common.ErrNotFound) {
		return Outcome{CleanupErr: fmt.Errorf("failed to dequeue corrupt item: %w", err)}
	}
	return Outcome{}
}

// fail converts a stage-internal error into a Failed-queue entry plus an
// observer notification (suppressed for background requests). When dequeued
// is false the item is still in its own queue and is removed first, so that
// either the Failed entry or the original item survives a partial failure.
func (b *stageBase) fail(ctx context.Context, kind asset.StageKind, own queue.Store, item *queue.Item, dequeued bool, req *asset.Request, cause error) Outcome {
	out := Outcome{Err: cause}

	if !dequeued {
		if _, err := own.Dequeue(ctx, item); err != nil && !errors.Is(err, common.ErrNotFound) {
			out.CleanupErr = errors.Join(out.CleanupErr, fmt.Errorf("failed to dequeue item: %w", err))
		}
	}

	failed := b.queues.FailedUpload
	if !req.ShouldUpload {
		failed = b.queues.FailedShare
	}
	record := asset.FailureRecord{
		Stage:        kind,
		LocalID:      req.LocalID,
		GlobalID:     req.GlobalID,
		GroupID:      req.GroupID,
		RecipientIDs: req.RecipientIDs,
		Reason:       cause.Error(),
		FailedAt:     time.Now(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		out.CleanupErr = errors.Join(out.CleanupErr, err)
	} else {
		key := asset.QueueKey(req.LocalID, req.GroupID, req.RecipientIDs)
		if _, err := failed.Enqueue(ctx, key, payload); err != nil {
			out.CleanupErr = errors.Join(out.CleanupErr, fmt.Errorf("failed to enqueue failure record: %w", err))
		}
	}

	b.observers.notifyFailed(kind, req, cause)
	b.log.Error(ctx, "stage item failed",
		"stage", string(kind), "item", item.ID, "error", cause, "cleanupError", out.CleanupErr)
	return out
}

// recordHistory appends a History-queue entry for a completed stage item.
// Skipped for background requests, which must not grow the history.
func (b *stageBase) recordHistory(ctx context.Context, hist queue.Store, kind asset.StageKind, req *asset.Request) error {
	if req.IsBackground {
		return nil
	}
	entry := asset.HistoryEntry{
		Stage:        kind,
		LocalID:      req.LocalID,
		GlobalID:     req.GlobalID,
		GroupID:      req.GroupID,
		RecipientIDs: req.RecipientIDs,
		CompletedAt:  time.Now(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := asset.QueueKey(req.LocalID, req.GroupID, req.RecipientIDs)
	if _, err := hist.Enqueue(ctx, key, payload); err != nil {
		return fmt.Errorf("failed to enqueue history entry: %w", err)
	}
	return nil
}

// enqueueNext serializes the successor request and enqueues it into the next
// stage's queue under the composed key.
func (b *stageBase) enqueueNext(ctx context.Context, next queue.Store, kind asset.StageKind, req *asset.Request) error {
	payload, err := asset.MarshalRequest(kind, req)
	if err != nil {
		return err
	}
	key := asset.QueueKey(req.LocalID, req.GroupID, req.RecipientIDs)
	if _, err := next.Enqueue(ctx, key, payload); err != nil {
		return fmt.Errorf("failed to enqueue %s request: %w", kind, err)
	}
	return nil
}
