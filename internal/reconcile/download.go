package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/pipeline"
	"github.com/Safehill/safehill-client-go/internal/queue"
)

// ProcessDownloads drains up to limit download-queue items: fetch the
// low-resolution encrypted payload, open the sealed secret with the device
// key, decrypt and hand the bytes to observers.
//
// Blacklist policy: items whose asset or sender is blacklisted are dequeued
// without retry. A decryption-class failure blacklists the asset
// immediately. Any other failure records one attempt and leaves the item
// queued; crossing the threshold emits an unrecoverable-failure
// notification and drops the item.
func (e *Engine) ProcessDownloads(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = pipeline.DefaultRunLimit
	}
	items, err := e.queues.Download.PeekMany(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to peek download queue: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.state.TryBegin(item.ID, pipeline.StateDownloading) {
			continue
		}
		e.processDownloadItem(ctx, item)
		e.state.Clear(item.ID)
	}
	return nil
}

func (e *Engine) processDownloadItem(ctx context.Context, item *queue.Item) {
	var req downloadRequest
	if err := json.Unmarshal(item.Payload, &req); err != nil || req.Descriptor == nil {
		e.log.Warn(ctx, "dequeueing corrupt download item", "item", item.ID)
		_, _ = e.queues.Download.Dequeue(ctx, item)
		return
	}
	d := req.Descriptor

	if e.blacklist.IsBlacklisted(d.GlobalID) || e.blacklist.IsBlacklisted(d.Sharing.OwnerID) {
		e.log.Info(ctx, "skipping blacklisted download",
			"asset", d.GlobalID, "sender", d.Sharing.OwnerID)
		_, _ = e.queues.Download.Dequeue(ctx, item)
		return
	}

	data, err := e.downloadAndDecrypt(ctx, d)
	if err != nil {
		e.handleDownloadFailure(ctx, item, d, err)
		return
	}

	e.blacklist.Remove(d.GlobalID)
	e.blacklist.Remove(d.Sharing.OwnerID)

	if err := e.local.SaveDescriptor(ctx, d); err != nil {
		e.log.Warn(ctx, "failed to mirror downloaded descriptor", "asset", d.GlobalID, "error", err)
	}
	if _, err := e.queues.Download.Dequeue(ctx, item); err != nil && !errors.Is(err, common.ErrNotFound) {
		e.log.Warn(ctx, "failed to dequeue downloaded item", "item", item.ID, "error", err)
	}

	e.eachObserver(func(o Observer) { o.DownloadCompleted(d, data) })
}

func (e *Engine) downloadAndDecrypt(ctx context.Context, d *asset.Descriptor) ([]byte, error) {
	payload, err := e.api.DownloadVersion(ctx, d.GlobalID, asset.QualityLow)
	if err != nil {
		return nil, err
	}
	secret, err := e.crypto.OpenSecret(payload.SealedSecret)
	if err != nil {
		return nil, err
	}
	return e.crypto.DecryptPayload(payload.Ciphertext, payload.Nonce, secret)
}

func (e *Engine) handleDownloadFailure(ctx context.Context, item *queue.Item, d *asset.Descriptor, cause error) {
	if errors.Is(cause, common.ErrDecryptionFailed) {
		// retrying cannot help
		e.blacklist.Blacklist(d.GlobalID)
		e.log.Error(ctx, "download failed decryption, blacklisting asset",
			"asset", d.GlobalID, "error", cause)
		_, _ = e.queues.Download.Dequeue(ctx, item)
		return
	}

	count := e.blacklist.RecordFailedAttempt(d.GlobalID)
	if count < e.blacklist.Threshold() {
		// leave the item queued for the next pass
		e.log.Warn(ctx, "download failed, will retry",
			"asset", d.GlobalID, "attempts", count, "error", cause)
		return
	}

	e.log.Error(ctx, "download failed unrecoverably", "asset", d.GlobalID, "error", cause)
	_, _ = e.queues.Download.Dequeue(ctx, item)
	e.eachObserver(func(o Observer) { o.UnrecoverableFailure(d.GlobalID, cause) })
}
