package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/cryptox"
	"github.com/Safehill/safehill-client-go/internal/graph"
	"github.com/Safehill/safehill-client-go/internal/logging"
	"github.com/Safehill/safehill-client-go/internal/photos"
	"github.com/Safehill/safehill-client-go/internal/pipeline"
	"github.com/Safehill/safehill-client-go/internal/queue"
	"github.com/Safehill/safehill-client-go/internal/remote"
	"github.com/Safehill/safehill-client-go/internal/store"
)

// downloadRequest is the payload of Download and Authorization queue items.
// It carries the full descriptor so a download needs no second listing.
type downloadRequest struct {
	Descriptor *asset.Descriptor `json:"descriptor"`
}

// Engine reconciles local state against the remote descriptor manifest.
type Engine struct {
	api     remote.API
	local   store.Local
	library photos.Library
	graph   graph.KnowledgeGraph
	crypto  cryptox.Provider
	queues  *queue.Set

	blacklist *pipeline.Blacklist
	state     *pipeline.ProcessingState
	log       logging.Logger
	userID    string

	mu        sync.Mutex
	running   bool
	lastPass  time.Time
	observers []Observer
}

// Config wires an Engine.
type Config struct {
	API       remote.API
	Local     store.Local
	Library   photos.Library
	Graph     graph.KnowledgeGraph
	Crypto    cryptox.Provider
	Queues    *queue.Set
	Blacklist *pipeline.Blacklist
	State     *pipeline.ProcessingState
	Log       logging.Logger
	UserID    string
}

func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = logging.Noop{}
	}
	return &Engine{
		api:       cfg.API,
		local:     cfg.Local,
		library:   cfg.Library,
		graph:     cfg.Graph,
		crypto:    cfg.Crypto,
		queues:    cfg.Queues,
		blacklist: cfg.Blacklist,
		state:     cfg.State,
		log:       log.With("component", "reconcile"),
		userID:    cfg.UserID,
	}
}

// AddObserver registers a reconciliation observer.
func (e *Engine) AddObserver(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, obs)
}

func (e *Engine) eachObserver(fn func(Observer)) {
	e.mu.Lock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()
	for _, obs := range observers {
		fn(obs)
	}
}

// Run executes one full reconciliation pass. A pass that fails aborts and is
// retried on the next schedule; partial progress is kept. Single-flight:
// a concurrent Run returns common.ErrRunInProgress.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return common.ErrRunInProgress
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	localDescriptors, remoteDescriptors, err := e.fetchDescriptors(ctx, remote.DescriptorFilter{})
	if err != nil {
		return err
	}
	e.eachObserver(func(o Observer) { o.DescriptorsReceived(remoteDescriptors) })

	remoteOnly, pairs := partition(localDescriptors, remoteDescriptors)

	if err := e.processRemoteOnly(ctx, remoteOnly); err != nil {
		return err
	}
	if err := e.syncShared(ctx, pairs); err != nil {
		return err
	}
	if err := e.syncInteractions(ctx, remoteDescriptors); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastPass = time.Now()
	e.mu.Unlock()
	return nil
}

// RunIncremental lists only descriptors changed since the last successful
// pass and processes new download candidates. Removal/update sync of
// already-known assets still requires a full Run.
func (e *Engine) RunIncremental(ctx context.Context) error {
	e.mu.Lock()
	since := e.lastPass
	e.mu.Unlock()
	if since.IsZero() {
		return e.Run(ctx)
	}

	localDescriptors, remoteDescriptors, err := e.fetchDescriptors(ctx, remote.DescriptorFilter{Since: since})
	if err != nil {
		return err
	}
	e.eachObserver(func(o Observer) { o.DescriptorsReceived(remoteDescriptors) })

	remoteOnly, pairs := partition(localDescriptors, remoteDescriptors)
	if err := e.processRemoteOnly(ctx, remoteOnly); err != nil {
		return err
	}
	if err := e.syncShared(ctx, pairs); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastPass = time.Now()
	e.mu.Unlock()
	return nil
}

// fetchDescriptors loads the local and remote descriptor sets concurrently.
func (e *Engine) fetchDescriptors(ctx context.Context, f remote.DescriptorFilter) (local, rem []*asset.Descriptor, err error) {
	var (
		wg                  sync.WaitGroup
		localErr, remoteErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		local, localErr = e.local.Descriptors(ctx)
	}()
	go func() {
		defer wg.Done()
		rem, remoteErr = e.api.ListDescriptors(ctx, f)
	}()
	wg.Wait()

	if localErr != nil {
		return nil, nil, fmt.Errorf("failed to fetch local descriptors: %w", localErr)
	}
	if remoteErr != nil {
		return nil, nil, fmt.Errorf("failed to fetch remote descriptors: %w", remoteErr)
	}
	return local, rem, nil
}

type descriptorPair struct {
	local  *asset.Descriptor
	remote *asset.Descriptor
}

// partition splits the remote set into download candidates (remote-only)
// and assets known locally (synced field-by-field instead of re-downloaded).
func partition(local, rem []*asset.Descriptor) (remoteOnly []*asset.Descriptor, pairs []descriptorPair) {
	localByID := make(map[string]*asset.Descriptor, len(local))
	for _, d := range local {
		localByID[d.GlobalID] = d
	}
	for _, rd := range rem {
		if ld, ok := localByID[rd.GlobalID]; ok {
			pairs = append(pairs, descriptorPair{local: ld, remote: rd})
			continue
		}
		remoteOnly = append(remoteOnly, rd)
	}
	return remoteOnly, pairs
}

// processRemoteOnly classifies download candidates. The photo-library check
// only short-circuits the download: own assets whose photo is still present
// feed restoration, own assets that are not (uploaded from another device,
// or deleted before a reinstall) are downloaded like any other asset, and
// inbound shares are gated by sender trust.
func (e *Engine) processRemoteOnly(ctx context.Context, candidates []*asset.Descriptor) error {
	var restorable, inbound []*asset.Descriptor
	for _, d := range candidates {
		if d.Sharing.OwnerID != e.userID {
			inbound = append(inbound, d)
			continue
		}
		inLibrary, err := e.inLibrary(ctx, d)
		if err != nil {
			return err
		}
		if inLibrary {
			restorable = append(restorable, d)
			continue
		}
		if err := e.enqueueDownload(ctx, e.queues.Download, d); err != nil {
			return err
		}
	}

	if len(restorable) > 0 {
		if err := e.restoreOwned(ctx, restorable); err != nil {
			return err
		}
	}

	if len(inbound) == 0 {
		return nil
	}
	return e.gateInbound(ctx, inbound)
}

// inLibrary reports whether the descriptor's local asset is still present in
// the platform photo library.
func (e *Engine) inLibrary(ctx context.Context, d *asset.Descriptor) (bool, error) {
	if d.LocalID == "" {
		return false, nil
	}
	ok, err := e.library.Contains(ctx, d.LocalID)
	if err != nil {
		return false, fmt.Errorf("failed to probe photo library for %s: %w", d.LocalID, err)
	}
	return ok, nil
}

// gateInbound applies the known-sender filter: assets from known senders go
// straight to the download queue; the rest accumulate in the authorization
// queue and are surfaced as an authorization request. Granting authorization
// later moves them over; skipped items are never re-authorized
// automatically. Assets whose photo is already in the library are only
// mirrored, never downloaded.
func (e *Engine) gateInbound(ctx context.Context, candidates []*asset.Descriptor) error {
	var inbound []*asset.Descriptor
	for _, d := range candidates {
		inLibrary, err := e.inLibrary(ctx, d)
		if err != nil {
			return err
		}
		if inLibrary {
			if err := e.local.SaveDescriptor(ctx, d); err != nil {
				return fmt.Errorf("failed to save descriptor %s: %w", d.GlobalID, err)
			}
			continue
		}
		inbound = append(inbound, d)
	}
	if len(inbound) == 0 {
		return nil
	}

	senders := make([]string, 0, len(inbound))
	seen := map[string]struct{}{}
	for _, d := range inbound {
		if _, ok := seen[d.Sharing.OwnerID]; ok {
			continue
		}
		seen[d.Sharing.OwnerID] = struct{}{}
		senders = append(senders, d.Sharing.OwnerID)
	}

	known, err := e.graph.IsKnown(ctx, senders)
	if err != nil {
		return fmt.Errorf("failed to resolve sender trust: %w", err)
	}

	pending := map[string][]*asset.Descriptor{}
	for _, d := range inbound {
		if known[d.Sharing.OwnerID] {
			if err := e.enqueueDownload(ctx, e.queues.Download, d); err != nil {
				return err
			}
			continue
		}
		if err := e.enqueueDownload(ctx, e.queues.Authorization, d); err != nil {
			return err
		}
		pending[d.Sharing.OwnerID] = append(pending[d.Sharing.OwnerID], d)
	}

	for senderID, descriptors := range pending {
		e.eachObserver(func(o Observer) { o.AuthorizationRequested(senderID, descriptors) })
	}
	return nil
}

func (e *Engine) enqueueDownload(ctx context.Context, q queue.Store, d *asset.Descriptor) error {
	payload, err := json.Marshal(downloadRequest{Descriptor: d})
	if err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, d.GlobalID, payload); err != nil {
		return fmt.Errorf("failed to enqueue download candidate %s: %w", d.GlobalID, err)
	}
	return nil
}

// Authorize moves every pending item from the given sender into the
// download queue. The queue only exposes its oldest items, so the window
// grows until the whole queue has been seen; items from other senders stay
// put.
func (e *Engine) Authorize(ctx context.Context, senderID string) error {
	limit := pipeline.DefaultRunLimit
	for {
		items, err := e.queues.Authorization.PeekMany(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to peek authorization queue: %w", err)
		}
		for _, item := range items {
			var req downloadRequest
			if err := json.Unmarshal(item.Payload, &req); err != nil {
				e.log.Warn(ctx, "dequeueing corrupt authorization item", "item", item.ID)
				_, _ = e.queues.Authorization.Dequeue(ctx, item)
				continue
			}
			if req.Descriptor.Sharing.OwnerID != senderID {
				continue
			}
			if _, err := e.queues.Download.Enqueue(ctx, item.ID, item.Payload); err != nil {
				return fmt.Errorf("failed to move item %s to download queue: %w", item.ID, err)
			}
			if _, err := e.queues.Authorization.Dequeue(ctx, item); err != nil {
				e.log.Warn(ctx, "failed to dequeue authorized item", "item", item.ID, "error", err)
			}
		}
		if len(items) < limit {
			return nil
		}
		limit *= 2
	}
}

// syncShared walks the remote∩local pairs, saves the fresh remote snapshot
// and reports field-level changes.
func (e *Engine) syncShared(ctx context.Context, pairs []descriptorPair) error {
	for _, pair := range pairs {
		delta := DiffDescriptors(pair.local, pair.remote)
		if delta == nil {
			continue
		}
		if err := e.local.SaveDescriptor(ctx, pair.remote); err != nil {
			return fmt.Errorf("failed to save descriptor %s: %w", pair.remote.GlobalID, err)
		}
		e.eachObserver(func(o Observer) { o.SharingUpdated(delta) })
	}
	return nil
}

// syncInteractions replays confirmed share edges for the user's own assets
// so the knowledge graph converges with server truth. Ingestion is
// idempotent on the graph side.
func (e *Engine) syncInteractions(ctx context.Context, descriptors []*asset.Descriptor) error {
	for _, d := range descriptors {
		if d.Sharing.OwnerID != e.userID {
			continue
		}
		for groupID := range d.Sharing.Groups {
			recipients := recipientsInGroup(d, groupID)
			if len(recipients) == 0 {
				continue
			}
			edge := graph.ShareEdge{
				GlobalID:     d.GlobalID,
				SenderID:     d.Sharing.OwnerID,
				RecipientIDs: recipients,
				GroupID:      groupID,
			}
			if err := e.graph.IngestConfirmedShare(ctx, edge); err != nil {
				return fmt.Errorf("failed to ingest confirmed share for %s: %w", d.GlobalID, err)
			}
		}
	}
	return nil
}

func recipientsInGroup(d *asset.Descriptor, groupID string) []string {
	var out []string
	for recipientID, groups := range d.Sharing.RecipientGroups {
		for _, g := range groups {
			if g == groupID {
				out = append(out, recipientID)
				break
			}
		}
	}
	return out
}
