package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/cryptox"
	"github.com/Safehill/safehill-client-go/internal/logging"
	"github.com/Safehill/safehill-client-go/internal/photos"
	"github.com/Safehill/safehill-client-go/internal/queue"
	"github.com/Safehill/safehill-client-go/internal/store"
)

// FetchStage resolves a local asset from the platform photo library, derives
// its global identifier, stages the plaintext versions for Encrypt and
// enqueues the EncryptRequest.
type FetchStage struct {
	stageBase
	library photos.Library
	crypto  cryptox.Provider
	local   store.Local
}

var _ Stage = (*FetchStage)(nil)

func NewFetchStage(queues *queue.Set, local store.Local, library photos.Library, crypto cryptox.Provider, observers *Observers, log logging.Logger) *FetchStage {
	return &FetchStage{
		stageBase: stageBase{queues: queues, observers: observers, log: log},
		library:   library,
		crypto:    crypto,
		local:     local,
	}
}

func (s *FetchStage) Kind() asset.StageKind { return asset.KindFetch }
func (s *FetchStage) Queue() queue.Store    { return s.queues.Fetch }
func (s *FetchStage) ProcessingTag() State  { return StateFetching }

func (s *FetchStage) Process(ctx context.Context, item *queue.Item) Outcome {
	req, err := asset.UnmarshalRequest(asset.KindFetch, item.Payload)
	if err != nil {
		return s.dequeueCorrupt(ctx, s.queues.Fetch, item)
	}
	s.observers.fetchStarted(req)

	la, err := s.library.FetchAsset(ctx, req.LocalID, req.Versions)
	if err != nil {
		return s.fail(ctx, asset.KindFetch, s.queues.Fetch, item, false, req,
			fmt.Errorf("failed to fetch local asset %s: %w", req.LocalID, err))
	}

	globalID := req.GlobalID
	if globalID == "" {
		content := bestVersion(la)
		if content == nil {
			return s.fail(ctx, asset.KindFetch, s.queues.Fetch, item, false, req,
				fmt.Errorf("local asset %s resolved with no version data", req.LocalID))
		}
		globalID, err = s.crypto.GlobalIdentifier(content)
		if err != nil {
			return s.fail(ctx, asset.KindFetch, s.queues.Fetch, item, false, req, err)
		}
	}

	for q, data := range la.Data {
		if err := s.local.CacheVersion(ctx, globalID, q, data); err != nil {
			return s.fail(ctx, asset.KindFetch, s.queues.Fetch, item, false, req, err)
		}
	}

	next := *req
	next.GlobalID = globalID

	// Dequeue before the downstream enqueue: the pipeline's delivery
	// contract is at-most-once across a crash between the two operations.
	if _, err := s.queues.Fetch.Dequeue(ctx, item); err != nil && !errors.Is(err, common.ErrNotFound) {
		return Outcome{Err: fmt.Errorf("failed to dequeue fetch item: %w", err)}
	}
	if err := s.enqueueNext(ctx, s.queues.Encrypt, asset.KindEncrypt, &next); err != nil {
		return s.fail(ctx, asset.KindFetch, s.queues.Fetch, item, true, &next, err)
	}

	s.observers.fetchCompleted(&next)
	return Outcome{}
}

// bestVersion picks the highest-quality fetched version as the stable input
// for global identifier derivation.
func bestVersion(la *photos.LibraryAsset) []byte {
	for _, q := range []asset.Quality{asset.QualityHi, asset.QualityMid, asset.QualityLow} {
		if data, ok := la.Data[q]; ok {
			return data
		}
	}
	return nil
}
