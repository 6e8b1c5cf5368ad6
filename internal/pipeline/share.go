package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/cryptox"
	"github.com/Safehill/safehill-client-go/internal/graph"
	"github.com/Safehill/safehill-client-go/internal/logging"
	"github.com/Safehill/safehill-client-go/internal/queue"
	"github.com/Safehill/safehill-client-go/internal/remote"
	"github.com/Safehill/safehill-client-go/internal/store"
)

// ShareStage pushes the shareable encrypted asset to the server, invites
// unregistered contacts, confirms the share edge in the knowledge graph and
// mirrors the share locally. The asset share and the invitations must both
// succeed for the item to succeed.
type ShareStage struct {
	stageBase
	local  store.Local
	api    remote.API
	crypto cryptox.Provider
	graph  graph.KnowledgeGraph
}

var _ Stage = (*ShareStage)(nil)

func NewShareStage(queues *queue.Set, local store.Local, api remote.API, crypto cryptox.Provider, kg graph.KnowledgeGraph, observers *Observers, log logging.Logger) *ShareStage {
	return &ShareStage{
		stageBase: stageBase{queues: queues, observers: observers, log: log},
		local:     local,
		api:       api,
		crypto:    crypto,
		graph:     kg,
	}
}

func (s *ShareStage) Kind() asset.StageKind { return asset.KindShare }
func (s *ShareStage) Queue() queue.Store    { return s.queues.Share }
func (s *ShareStage) ProcessingTag() State  { return StateSharing }

func (s *ShareStage) Process(ctx context.Context, item *queue.Item) Outcome {
	req, err := asset.UnmarshalRequest(asset.KindShare, item.Payload)
	if err != nil {
		return s.dequeueCorrupt(ctx, s.queues.Share, item)
	}
	s.observers.shareStarted(req)

	sealed, err := s.sealedSecrets(ctx, req)
	if err != nil {
		return s.fail(ctx, asset.KindShare, s.queues.Share, item, false, req, err)
	}

	err = s.api.ShareAsset(ctx, remote.ShareInput{
		GlobalID:       req.GlobalID,
		GroupID:        req.GroupID,
		SenderID:       req.SenderID,
		SealedSecrets:  sealed,
		Permission:     req.GroupPermission,
		EncryptedTitle: req.EncryptedTitle,
	})
	if err != nil {
		return s.fail(ctx, asset.KindShare, s.queues.Share, item, false, req, err)
	}

	// The invite is part of the share contract: a successful asset share
	// followed by a failed invite still surfaces failure.
	if len(req.Invitees) > 0 {
		if err := s.api.Invite(ctx, req.GroupID, req.Invitees); err != nil {
			return s.fail(ctx, asset.KindShare, s.queues.Share, item, false, req,
				fmt.Errorf("asset shared but invitations failed: %w", err))
		}
	}

	edge := graph.ShareEdge{
		GlobalID:     req.GlobalID,
		SenderID:     req.SenderID,
		RecipientIDs: req.RecipientIDs,
		GroupID:      req.GroupID,
	}
	if err := s.graph.IngestConfirmedShare(ctx, edge); err != nil {
		s.log.Warn(ctx, "failed to ingest confirmed share edge",
			"asset", req.GlobalID, "group", req.GroupID, "error", err)
	}
	s.mirrorShare(ctx, req)

	if _, err := s.queues.Share.Dequeue(ctx, item); err != nil && !errors.Is(err, common.ErrNotFound) {
		return Outcome{Err: fmt.Errorf("failed to dequeue share item: %w", err)}
	}
	if err := s.recordHistory(ctx, s.queues.ShareHistory, asset.KindShare, req); err != nil {
		s.log.Warn(ctx, "failed to record share history", "asset", req.GlobalID, "error", err)
	}

	s.observers.shareCompleted(req)
	return Outcome{}
}

// sealedSecrets collects the per-recipient sealed secrets produced by
// Encrypt, re-sealing any that are missing locally.
func (s *ShareStage) sealedSecrets(ctx context.Context, req *asset.Request) (map[string][]byte, error) {
	out := make(map[string][]byte, len(req.RecipientIDs))
	var missing []string
	for _, recipientID := range req.RecipientIDs {
		sealed, err := s.local.SealedSecret(ctx, req.GlobalID, recipientID)
		switch {
		case err == nil:
			out[recipientID] = sealed
		case errors.Is(err, common.ErrNotFound):
			missing = append(missing, recipientID)
		default:
			return nil, err
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	secret, err := s.local.GetSecret(ctx, req.GlobalID)
	if err != nil {
		return nil, fmt.Errorf("cannot re-seal for %d recipients: %w", len(missing), err)
	}
	users, err := s.api.LookupUsers(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to look up recipients: %w", err)
	}
	keys := make(map[string][]byte, len(users))
	for _, u := range users {
		keys[u.ID] = u.PublicKey
	}
	for _, recipientID := range missing {
		pub, ok := keys[recipientID]
		if !ok {
			return nil, fmt.Errorf("recipient %s not found on server", recipientID)
		}
		sealed, err := s.crypto.SealSecret(secret, pub)
		if err != nil {
			return nil, fmt.Errorf("failed to seal secret for %s: %w", recipientID, err)
		}
		if err := s.local.SaveSealedSecret(ctx, req.GlobalID, recipientID, sealed); err != nil {
			return nil, err
		}
		out[recipientID] = sealed
	}
	return out, nil
}

// mirrorShare records the share in the local descriptor mirror so the owning
// device's view stays consistent with the server. Mirror failures are
// logged, not escalated.
func (s *ShareStage) mirrorShare(ctx context.Context, req *asset.Request) {
	d, err := s.local.Descriptor(ctx, req.GlobalID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		s.log.Warn(ctx, "failed to load local descriptor", "asset", req.GlobalID, "error", err)
		return
	}
	if d == nil {
		d = &asset.Descriptor{
			GlobalID:    req.GlobalID,
			LocalID:     req.LocalID,
			UploadState: asset.UploadCompleted,
			Sharing: asset.SharingInfo{
				OwnerID:         req.SenderID,
				RecipientGroups: map[string][]string{},
				Groups:          map[string]asset.GroupInfo{},
			},
		}
	}
	if d.Sharing.RecipientGroups == nil {
		d.Sharing.RecipientGroups = map[string][]string{}
	}
	if d.Sharing.Groups == nil {
		d.Sharing.Groups = map[string]asset.GroupInfo{}
	}
	for _, recipientID := range req.RecipientIDs {
		if !containsString(d.Sharing.RecipientGroups[recipientID], req.GroupID) {
			d.Sharing.RecipientGroups[recipientID] = append(d.Sharing.RecipientGroups[recipientID], req.GroupID)
		}
	}
	if _, ok := d.Sharing.Groups[req.GroupID]; !ok {
		d.Sharing.Groups[req.GroupID] = asset.GroupInfo{
			GroupID:        req.GroupID,
			CreatedBy:      req.SenderID,
			CreatedAt:      time.Now(),
			Permission:     req.GroupPermission,
			EncryptedTitle: req.EncryptedTitle,
		}
	}
	if err := s.local.SaveDescriptor(ctx, d); err != nil {
		s.log.Warn(ctx, "failed to mirror share locally", "asset", req.GlobalID, "error", err)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
