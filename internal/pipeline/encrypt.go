package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/cryptox"
	"github.com/Safehill/safehill-client-go/internal/graph"
	"github.com/Safehill/safehill-client-go/internal/logging"
	"github.com/Safehill/safehill-client-go/internal/queue"
	"github.com/Safehill/safehill-client-go/internal/remote"
	"github.com/Safehill/safehill-client-go/internal/store"
)

// continuation decides where an encrypted asset goes next: to Upload for a
// backup, or to Share for an already-uploaded asset. Selected per request,
// not by subtyping the stage.
type continuation func(ctx context.Context, req *asset.Request) error

// EncryptStage retrieves or generates the asset's symmetric secret, encrypts
// the requested versions, seals the secret per recipient, registers the
// provisional share edge and hands the item to its continuation.
type EncryptStage struct {
	stageBase
	local  store.Local
	crypto cryptox.Provider
	users  remote.API
	graph  graph.KnowledgeGraph
}

var _ Stage = (*EncryptStage)(nil)

func NewEncryptStage(queues *queue.Set, local store.Local, crypto cryptox.Provider, users remote.API, kg graph.KnowledgeGraph, observers *Observers, log logging.Logger) *EncryptStage {
	return &EncryptStage{
		stageBase: stageBase{queues: queues, observers: observers, log: log},
		local:     local,
		crypto:    crypto,
		users:     users,
		graph:     kg,
	}
}

func (s *EncryptStage) Kind() asset.StageKind { return asset.KindEncrypt }
func (s *EncryptStage) Queue() queue.Store    { return s.queues.Encrypt }
func (s *EncryptStage) ProcessingTag() State  { return StateEncrypting }

func (s *EncryptStage) Process(ctx context.Context, item *queue.Item) Outcome {
	req, err := asset.UnmarshalRequest(asset.KindEncrypt, item.Payload)
	if err != nil {
		return s.dequeueCorrupt(ctx, s.queues.Encrypt, item)
	}
	s.observers.encryptStarted(req)

	secret, err := s.assetSecret(ctx, req.GlobalID)
	if err != nil {
		return s.fail(ctx, asset.KindEncrypt, s.queues.Encrypt, item, false, req, err)
	}

	for _, q := range req.Versions {
		plain, err := s.local.CachedVersion(ctx, req.GlobalID, q)
		if err != nil {
			return s.fail(ctx, asset.KindEncrypt, s.queues.Encrypt, item, false, req,
				fmt.Errorf("no staged %s version for asset %s: %w", q, req.GlobalID, err))
		}
		ciphertext, nonce, err := s.crypto.EncryptPayload(plain, secret)
		if err != nil {
			return s.fail(ctx, asset.KindEncrypt, s.queues.Encrypt, item, false, req, err)
		}
		if err := s.local.SaveEncryptedVersion(ctx, req.GlobalID, q, ciphertext, nonce); err != nil {
			return s.fail(ctx, asset.KindEncrypt, s.queues.Encrypt, item, false, req, err)
		}
	}

	if len(req.RecipientIDs) > 0 {
		if err := s.sealForRecipients(ctx, req, secret); err != nil {
			return s.fail(ctx, asset.KindEncrypt, s.queues.Encrypt, item, false, req, err)
		}
		// Register the pending share before any observer callback so
		// concurrent reads already see it.
		edge := graph.ShareEdge{
			GlobalID:     req.GlobalID,
			SenderID:     req.SenderID,
			RecipientIDs: req.RecipientIDs,
			GroupID:      req.GroupID,
		}
		if err := s.graph.IngestProvisionalShare(ctx, edge); err != nil {
			s.log.Warn(ctx, "failed to ingest provisional share edge",
				"asset", req.GlobalID, "group", req.GroupID, "error", err)
		}
	}

	if err := s.local.DropCache(ctx, req.GlobalID); err != nil {
		s.log.Warn(ctx, "failed to drop plaintext cache", "asset", req.GlobalID, "error", err)
	}

	if _, err := s.queues.Encrypt.Dequeue(ctx, item); err != nil && !errors.Is(err, common.ErrNotFound) {
		return Outcome{Err: fmt.Errorf("failed to dequeue encrypt item: %w", err)}
	}
	if err := s.continuationFor(req)(ctx, req); err != nil {
		return s.fail(ctx, asset.KindEncrypt, s.queues.Encrypt, item, true, req, err)
	}

	s.observers.encryptCompleted(req)
	return Outcome{}
}

// assetSecret reuses the stored secret when one exists. A fresh secret is
// generated only on the specific "missing in local store" signal; any other
// error propagates.
func (s *EncryptStage) assetSecret(ctx context.Context, globalID string) ([]byte, error) {
	secret, err := s.local.GetSecret(ctx, globalID)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, common.ErrSecretNotFound) {
		return nil, err
	}
	secret = s.crypto.GenerateSecret()
	if err := s.local.SaveSecret(ctx, globalID, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func (s *EncryptStage) sealForRecipients(ctx context.Context, req *asset.Request, secret []byte) error {
	users, err := s.users.LookupUsers(ctx, req.RecipientIDs)
	if err != nil {
		return fmt.Errorf("failed to look up recipients: %w", err)
	}
	keys := make(map[string][]byte, len(users))
	for _, u := range users {
		keys[u.ID] = u.PublicKey
	}
	for _, recipientID := range req.RecipientIDs {
		pub, ok := keys[recipientID]
		if !ok {
			return fmt.Errorf("recipient %s not found on server", recipientID)
		}
		sealed, err := s.crypto.SealSecret(secret, pub)
		if err != nil {
			return fmt.Errorf("failed to seal secret for %s: %w", recipientID, err)
		}
		if err := s.local.SaveSealedSecret(ctx, req.GlobalID, recipientID, sealed); err != nil {
			return err
		}
	}
	return nil
}

func (s *EncryptStage) continuationFor(req *asset.Request) continuation {
	if req.ShouldUpload {
		return s.enqueueUpload
	}
	return s.enqueueShare
}

func (s *EncryptStage) enqueueUpload(ctx context.Context, req *asset.Request) error {
	return s.enqueueNext(ctx, s.queues.Upload, asset.KindUpload, req)
}

func (s *EncryptStage) enqueueShare(ctx context.Context, req *asset.Request) error {
	return s.enqueueNext(ctx, s.queues.Share, asset.KindShare, req)
}
