package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/logging"
	"github.com/Safehill/safehill-client-go/internal/queue"
	"github.com/Safehill/safehill-client-go/internal/remote"
	"github.com/Safehill/safehill-client-go/internal/store"
)

// UploadStage creates the server-side asset record, pushes the encrypted
// version payloads to the presigned URLs and drives the follow-up share and
// background high-resolution passes.
type UploadStage struct {
	stageBase
	local store.Local
	api   remote.API
}

var _ Stage = (*UploadStage)(nil)

func NewUploadStage(queues *queue.Set, local store.Local, api remote.API, observers *Observers, log logging.Logger) *UploadStage {
	return &UploadStage{
		stageBase: stageBase{queues: queues, observers: observers, log: log},
		local:     local,
		api:       api,
	}
}

func (s *UploadStage) Kind() asset.StageKind { return asset.KindUpload }
func (s *UploadStage) Queue() queue.Store    { return s.queues.Upload }
func (s *UploadStage) ProcessingTag() State  { return StateUploading }

func (s *UploadStage) Process(ctx context.Context, item *queue.Item) Outcome {
	req, err := asset.UnmarshalRequest(asset.KindUpload, item.Payload)
	if err != nil {
		return s.dequeueCorrupt(ctx, s.queues.Upload, item)
	}
	s.observers.uploadStarted(req)

	created, err := s.api.CreateAsset(ctx, remote.CreateAssetInput{
		GlobalID: req.GlobalID,
		LocalID:  req.LocalID,
		Versions: req.Versions,
	})
	if err != nil {
		return s.fail(ctx, asset.KindUpload, s.queues.Upload, item, false, req, err)
	}
	if created.GlobalID != req.GlobalID {
		// Never silently accept the server's identifier: the global
		// identifier is the asset's identity across every stage.
		return s.fail(ctx, asset.KindUpload, s.queues.Upload, item, false, req,
			fmt.Errorf("%w: requested %s, server recorded %s",
				common.ErrIdentifierMismatch, req.GlobalID, created.GlobalID))
	}

	for _, q := range req.Versions {
		ciphertext, nonce, err := s.local.EncryptedVersion(ctx, req.GlobalID, q)
		if err != nil {
			return s.fail(ctx, asset.KindUpload, s.queues.Upload, item, false, req,
				fmt.Errorf("no encrypted %s version for asset %s: %w", q, req.GlobalID, err))
		}
		url, ok := created.UploadURLs[q]
		if !ok {
			return s.fail(ctx, asset.KindUpload, s.queues.Upload, item, false, req,
				fmt.Errorf("server returned no upload URL for %s version", q))
		}
		// nonce travels prefixed to the ciphertext
		if err := s.api.UploadVersion(ctx, url, append(append([]byte{}, nonce...), ciphertext...)); err != nil {
			return s.fail(ctx, asset.KindUpload, s.queues.Upload, item, false, req, err)
		}
	}

	s.mirrorDescriptor(ctx, req)

	if _, err := s.queues.Upload.Dequeue(ctx, item); err != nil && !errors.Is(err, common.ErrNotFound) {
		return Outcome{Err: fmt.Errorf("failed to dequeue upload item: %w", err)}
	}
	if err := s.recordHistory(ctx, s.queues.UploadHistory, asset.KindUpload, req); err != nil {
		s.log.Warn(ctx, "failed to record upload history", "asset", req.GlobalID, "error", err)
	}

	if err := s.enqueueFollowUps(ctx, req); err != nil {
		return s.fail(ctx, asset.KindUpload, s.queues.Upload, item, true, req, err)
	}

	s.observers.uploadCompleted(req)
	return Outcome{}
}

// enqueueFollowUps drives the rest of the pipeline after a successful
// upload: a share-mode Fetch pass when the request implies sharing, and a
// background high-resolution Fetch when only a subset of versions went up.
func (s *UploadStage) enqueueFollowUps(ctx context.Context, req *asset.Request) error {
	if len(req.RecipientIDs) > 0 || len(req.Invitees) > 0 {
		share := *req
		share.ShouldUpload = false
		if err := s.enqueueNext(ctx, s.queues.Fetch, asset.KindFetch, &share); err != nil {
			return err
		}
	}

	if !hasQuality(req.Versions, asset.QualityHi) {
		// Push the full-resolution bytes without re-triggering UI or
		// blocking the interactive path.
		hi := asset.Request{
			LocalID:      req.LocalID,
			GlobalID:     req.GlobalID,
			Versions:     []asset.Quality{asset.QualityHi},
			GroupID:      req.GroupID,
			SenderID:     req.SenderID,
			IsBackground: true,
			ShouldUpload: true,
		}
		if err := s.enqueueNext(ctx, s.queues.Fetch, asset.KindFetch, &hi); err != nil {
			return err
		}
	}
	return nil
}

// mirrorDescriptor keeps the local descriptor mirror consistent with what
// the server now knows. Mirror failures are logged, not escalated: the
// remote effect is not rolled back.
func (s *UploadStage) mirrorDescriptor(ctx context.Context, req *asset.Request) {
	d, err := s.local.Descriptor(ctx, req.GlobalID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		s.log.Warn(ctx, "failed to load local descriptor", "asset", req.GlobalID, "error", err)
		return
	}
	if d == nil {
		d = &asset.Descriptor{
			GlobalID: req.GlobalID,
			LocalID:  req.LocalID,
			Sharing: asset.SharingInfo{
				OwnerID:         req.SenderID,
				RecipientGroups: map[string][]string{},
				Groups:          map[string]asset.GroupInfo{},
			},
		}
	}
	d.UploadState = asset.UploadPartial
	if hasQuality(req.Versions, asset.QualityHi) {
		d.UploadState = asset.UploadCompleted
	}
	if err := s.local.SaveDescriptor(ctx, d); err != nil {
		s.log.Warn(ctx, "failed to mirror descriptor locally", "asset", req.GlobalID, "error", err)
	}
}

func hasQuality(versions []asset.Quality, q asset.Quality) bool {
	for _, v := range versions {
		if v == q {
			return true
		}
	}
	return false
}
