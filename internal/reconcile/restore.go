package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Safehill/safehill-client-go/internal/asset"
)

// RestorationRecord is derived, never stored: the set of local identifiers
// that must have history entries for one group, reconstructed by replaying
// remote descriptors owned by the local user.
type RestorationRecord struct {
	GroupID      string
	RecipientIDs []string
	LocalIDs     []string
}

// restoreOwned rebuilds Upload/Share history entries for own assets whose
// photo is still in the library, purely from remote descriptors. The
// operation is naturally idempotent: history entries are keyed, so replaying
// an existing entry recreates the same queue contents. The assets are only
// marked as backed up, never re-downloaded.
func (e *Engine) restoreOwned(ctx context.Context, owned []*asset.Descriptor) error {
	e.eachObserver(func(o Observer) { o.RestorationStarted() })

	records := map[string]*RestorationRecord{}
	for _, d := range owned {
		// mark as backed up
		if err := e.local.SaveDescriptor(ctx, d); err != nil {
			return fmt.Errorf("failed to save restored descriptor %s: %w", d.GlobalID, err)
		}
		if err := e.replayHistory(ctx, d, records); err != nil {
			return err
		}
	}

	e.eachObserver(func(o Observer) { o.RestorationCompleted(len(records)) })
	return nil
}

// replayHistory recreates the Upload (and, for shared groups, Share)
// history entries the descriptor implies.
func (e *Engine) replayHistory(ctx context.Context, d *asset.Descriptor, records map[string]*RestorationRecord) error {
	groups := d.Sharing.Groups
	if len(groups) == 0 {
		// uploaded but never shared: a single upload entry with no group
		return e.restoreEntry(ctx, d, "", nil, records)
	}
	for groupID := range groups {
		recipients := recipientsInGroup(d, groupID)
		if err := e.restoreEntry(ctx, d, groupID, recipients, records); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) restoreEntry(ctx context.Context, d *asset.Descriptor, groupID string, recipients []string, records map[string]*RestorationRecord) error {
	key := asset.QueueKey(d.LocalID, groupID, recipients)

	upload := asset.HistoryEntry{
		Stage:        asset.KindUpload,
		LocalID:      d.LocalID,
		GlobalID:     d.GlobalID,
		GroupID:      groupID,
		RecipientIDs: recipients,
		CompletedAt:  time.Now(),
	}
	payload, err := json.Marshal(upload)
	if err != nil {
		return err
	}
	if _, err := e.queues.UploadHistory.Enqueue(ctx, key, payload); err != nil {
		return fmt.Errorf("failed to restore upload history for %s: %w", d.GlobalID, err)
	}

	if len(recipients) > 0 {
		share := upload
		share.Stage = asset.KindShare
		payload, err := json.Marshal(share)
		if err != nil {
			return err
		}
		if _, err := e.queues.ShareHistory.Enqueue(ctx, key, payload); err != nil {
			return fmt.Errorf("failed to restore share history for %s: %w", d.GlobalID, err)
		}
	}

	rec, ok := records[groupID]
	if !ok {
		rec = &RestorationRecord{GroupID: groupID, RecipientIDs: recipients}
		records[groupID] = rec
	}
	rec.LocalIDs = append(rec.LocalIDs, d.LocalID)
	return nil
}
